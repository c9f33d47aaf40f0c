package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/remedyd/internal/alert"
	"github.com/fyrsmithlabs/remedyd/internal/persona"
	"github.com/fyrsmithlabs/remedyd/internal/verify"
)

// classifyCmd classifies a signal payload without remediating it.
var classifyCmd = &cobra.Command{
	Use:   "classify [file]",
	Short: "Classify a signal payload and print the resulting alert",
	Long: `Classify a JSON signal payload into an alert without opening an
issue or running a workflow.

Examples:
  # Classify a file
  remedyd classify signal.json

  # Classify from stdin
  cat signal.json | remedyd classify -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClassify,
}

// verifyCmd runs the verifier over captured agent output.
var verifyCmd = &cobra.Command{
	Use:   "verify <persona> [file]",
	Short: "Verify captured agent output against persona rules",
	Long: `Classify raw agent output as success, failure, or ambiguous using
the persona's pattern rules.

Examples:
  # Verify a saved transcript
  remedyd verify tess output.log

  # Verify from stdin
  some-agent run | remedyd verify rex -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runVerify,
}

func runClassify(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	data, err := readInput(args, 0)
	if err != nil {
		return err
	}

	var signal alert.Signal
	if err := json.Unmarshal(data, &signal); err != nil {
		return fmt.Errorf("parsing signal: %w", err)
	}

	a, err := alert.NewClassifier().Classify(signal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "classification degraded: %v\n", err)
	}

	out, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	p := persona.Parse(args[0])
	if p == persona.Unknown {
		return fmt.Errorf("unknown persona %q", args[0])
	}

	data, err := readInput(args, 1)
	if err != nil {
		return err
	}

	verifier := verify.New(verify.BuiltinRules())
	verdict, err := verifier.Verify(p, string(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "anomaly: %v\n", err)
	}

	out, jsonErr := json.MarshalIndent(verdict, "", "  ")
	if jsonErr != nil {
		return fmt.Errorf("encoding verdict: %w", jsonErr)
	}
	fmt.Println(string(out))

	if verdict.Classification != verify.Success {
		return fmt.Errorf("output classified as %s", verdict.Classification)
	}
	return nil
}

// readInput reads from the positional file argument at idx, or stdin
// when missing or "-".
func readInput(args []string, idx int) ([]byte, error) {
	if len(args) <= idx || args[idx] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[idx])
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", args[idx], err)
	}
	return data, nil
}
