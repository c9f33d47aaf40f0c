package verify

import (
	"fmt"
	"regexp"

	"github.com/knadh/koanf/parsers/yaml"

	"github.com/fyrsmithlabs/remedyd/internal/persona"
)

// Rule is one ordered pattern in a rule set.
type Rule struct {
	// Description names the behavior the pattern detects.
	Description string

	// Severity applies when the rule matches (critical, high, medium,
	// low, info).
	Severity string

	re *regexp.Regexp
}

// Matches reports whether the rule matches the output.
func (r Rule) Matches(output string) bool {
	return r.re.MatchString(output)
}

// RuleSet holds the ordered pattern tables for one persona.
type RuleSet struct {
	// Success patterns indicate the persona did its job.
	Success []Rule

	// Failure patterns indicate it did not. They take precedence over
	// success patterns.
	Failure []Rule

	// Anomaly patterns are unexpected but not necessarily failures
	// (flaky tests, force pushes). Matches are surfaced as
	// observations.
	Anomaly []Rule
}

// Rules is the immutable rule store for all personas plus the global
// failure table applied to everyone. Load once at startup; never
// mutate afterward.
type Rules struct {
	perPersona    map[persona.Persona]RuleSet
	globalFailure []Rule
}

// ForPersona returns the persona's rule set. Unknown personas get an
// empty set; the global failure table still applies to them.
func (r *Rules) ForPersona(p persona.Persona) RuleSet {
	return r.perPersona[p]
}

// GlobalFailures returns the failure table applied to every persona.
func (r *Rules) GlobalFailures() []Rule {
	return r.globalFailure
}

func mustRule(desc, pattern, severity string) Rule {
	return Rule{
		Description: desc,
		Severity:    severity,
		re:          regexp.MustCompile(pattern),
	}
}

// BuiltinRules returns the built-in pattern tables for every persona.
func BuiltinRules() *Rules {
	r := &Rules{perPersona: make(map[persona.Persona]RuleSet)}

	r.globalFailure = []Rule{
		mustRule("panic", `(?i)panic(ked)?( at)?`, "critical"),
		mustRule("fatal error", `(?i)fatal:`, "critical"),
		mustRule("segfault", `(?i)segmentation fault`, "critical"),
		mustRule("OOM killed", `(?i)oom|out of memory|killed`, "critical"),
		mustRule("permission denied", `(?i)permission denied`, "high"),
		mustRule("authentication failed", `(?i)auth(entication)? failed`, "high"),
		mustRule("connection refused", `(?i)connection refused`, "medium"),
		mustRule("timeout", `(?i)timed? ?out|timeout`, "medium"),
	}

	r.perPersona[persona.Rex] = RuleSet{
		Success: []Rule{
			mustRule("git push success", `(?i)git push|pushed to`, "info"),
			mustRule("commit created", `(?i)git commit|committed`, "info"),
			mustRule("PR created", `(?i)pr created|pull request created`, "info"),
			mustRule("PR updated", `(?i)pr updated|pull request updated`, "info"),
			mustRule("implementation complete", `(?i)implementation complete|task complete`, "info"),
			mustRule("changes committed", `(?i)changes committed`, "info"),
		},
		Failure: []Rule{
			mustRule("git conflict", `(?i)conflict|merge conflict`, "high"),
			mustRule("push failed", `(?i)failed to push|push failed`, "high"),
			mustRule("git error", `(?m)^error:|^fatal:`, "high"),
			mustRule("compiler error", `error\[E\d+\]`, "medium"),
			mustRule("build failed", `(?i)error: could not compile`, "high"),
		},
		Anomaly: []Rule{
			mustRule("unusual retry", `(?i)retry|retrying|attempt \d+`, "low"),
			mustRule("force push", `(?i)force push|--force`, "medium"),
		},
	}

	r.perPersona[persona.Blaze] = RuleSet{
		Success: []Rule{
			mustRule("git push success", `(?i)git push|pushed to`, "info"),
			mustRule("npm build success", `(?i)npm run build.*success|build succeeded`, "info"),
			mustRule("PR created", `(?i)pr created|pull request created`, "info"),
			mustRule("changes committed", `(?i)changes committed`, "info"),
		},
		Failure: []Rule{
			mustRule("npm error", `(?i)npm err!|npm error`, "high"),
			mustRule("eslint error", `(?i)eslint.*error`, "medium"),
			mustRule("typescript error", `(?i)ts\d+:|typescript.*error`, "high"),
			mustRule("build failed", `(?i)build failed|compilation failed`, "high"),
			mustRule("git conflict", `(?i)conflict|merge conflict`, "high"),
		},
		Anomaly: []Rule{
			mustRule("deprecation warning", `(?i)deprecat(ed|ion)`, "low"),
			mustRule("peer dependency", `(?i)peer dep|peerDependenc`, "low"),
		},
	}

	r.perPersona[persona.Cleo] = RuleSet{
		Success: []Rule{
			mustRule("review submitted", `(?i)review submitted|posted review`, "info"),
			mustRule("approved", `(?i)\bapproved\b`, "info"),
			mustRule("changes requested", `(?i)changes requested|request(ed)? changes`, "info"),
			mustRule("comment posted", `(?i)comment posted|posted comment`, "info"),
			mustRule("review complete", `(?i)review complete|code review (done|complete)`, "info"),
		},
		Failure: []Rule{
			mustRule("review not submitted", `(?i)review not submitted|failed to (post|submit) review`, "high"),
			mustRule("API rate limit", `(?i)rate limit|too many requests`, "medium"),
			mustRule("could not fetch PR", `(?i)could not fetch|failed to fetch.*pr`, "high"),
		},
		Anomaly: []Rule{
			mustRule("long review", `(?i)still reviewing|review taking`, "low"),
		},
	}

	r.perPersona[persona.Tess] = RuleSet{
		Success: []Rule{
			mustRule("tests passed", `(?i)test result: ok|\d+ passed.*0 failed|all tests passed`, "info"),
			mustRule("cargo test success", `(?i)cargo test.*ok|running.*tests.*ok`, "info"),
			mustRule("npm test success", `(?i)npm test.*pass|jest.*pass`, "info"),
			mustRule("tests complete", `(?i)tests? complete|testing complete`, "info"),
		},
		Failure: []Rule{
			mustRule("test failed", `(?i)test result: failed|[1-9]\d* failed|tests? failed`, "high"),
			mustRule("assertion failed", `(?i)assertion failed|assert.*failed`, "high"),
			mustRule("panic in test", `(?i)panicked at|thread.*panicked`, "critical"),
			mustRule("test compilation error", `error\[E\d+\].*test`, "high"),
			mustRule("approved despite failures", `(?i)approved.*fail|fail.*approved`, "critical"),
		},
		Anomaly: []Rule{
			mustRule("flaky test", `(?i)flaky|intermittent|retry`, "medium"),
			mustRule("skipped tests", `(?i)skipped|ignored.*test`, "low"),
			mustRule("slow tests", `(?i)slow test|test.*\d{3,}s`, "low"),
		},
	}

	r.perPersona[persona.Cipher] = RuleSet{
		Success: []Rule{
			mustRule("security check passed", `(?i)security (check|scan) passed|no vulnerabilities`, "info"),
			mustRule("secrets verified", `(?i)secrets? (verified|secure|ok)`, "info"),
			mustRule("audit passed", `(?i)audit passed|cargo audit.*ok`, "info"),
		},
		Failure: []Rule{
			mustRule("vulnerability found", `(?i)vulnerabilit(y|ies) found|security issue`, "critical"),
			mustRule("secret exposed", `(?i)secret exposed|credential leak|hardcoded (secret|password|key)`, "critical"),
			mustRule("audit failed", `(?i)audit failed|security audit.*fail`, "high"),
			mustRule("insecure dependency", `(?i)insecure dep|vulnerable package`, "high"),
		},
		Anomaly: []Rule{
			mustRule("advisory notice", `(?i)advisory|cve-\d+`, "medium"),
		},
	}

	r.perPersona[persona.Atlas] = RuleSet{
		Success: []Rule{
			mustRule("rebase successful", `(?i)rebase successful|rebased`, "info"),
			mustRule("merge successful", `(?i)merge successful|merged`, "info"),
			mustRule("conflicts resolved", `(?i)conflicts? resolved`, "info"),
			mustRule("branch updated", `(?i)branch updated|updated branch`, "info"),
			mustRule("integration complete", `(?i)integration complete`, "info"),
			mustRule("PR ready to merge", `(?i)ready to merge|pr (is )?mergeable`, "info"),
		},
		Failure: []Rule{
			mustRule("merge conflict", `(?i)conflict|merge conflict|cannot merge`, "high"),
			mustRule("rebase failed", `(?i)rebase failed|could not rebase`, "high"),
			mustRule("diverged branches", `(?i)diverged|branches have diverged`, "medium"),
			mustRule("git error", `(?m)^error:|^fatal:`, "high"),
		},
		Anomaly: []Rule{
			mustRule("complex merge", `(?i)complex merge|many conflicts`, "medium"),
			mustRule("force required", `(?i)force|--force`, "medium"),
		},
	}

	r.perPersona[persona.Factory] = RuleSet{
		Success: []Rule{
			mustRule("task complete", `(?i)task complete|completed successfully`, "info"),
			mustRule("fix applied", `(?i)fix applied|fixed`, "info"),
		},
		Failure: []Rule{
			mustRule("task failed", `(?i)task failed|failed to complete`, "high"),
		},
	}

	r.perPersona[persona.Morgan] = RuleSet{
		Success: []Rule{
			mustRule("issue created", `(?i)issue created|created issue`, "info"),
			mustRule("comment posted", `(?i)comment (posted|added)`, "info"),
			mustRule("project updated", `(?i)project updated`, "info"),
		},
		Failure: []Rule{
			mustRule("API error", `(?i)api error|github api`, "high"),
			mustRule("rate limited", `(?i)rate limit`, "medium"),
		},
	}

	return r
}

// ruleSpec is the YAML shape for one custom rule.
type ruleSpec struct {
	Description string `koanf:"description"`
	Pattern     string `koanf:"pattern"`
	Severity    string `koanf:"severity"`
}

// ruleSetSpec is the YAML shape for one persona's custom rules.
type ruleSetSpec struct {
	Success []ruleSpec `koanf:"success"`
	Failure []ruleSpec `koanf:"failure"`
	Anomaly []ruleSpec `koanf:"anomaly"`
}

// MergeYAML appends custom rules from a YAML document onto the built-in
// tables and returns a new Rules value. The document maps persona names
// to rule set specs; a top-level "global_failure" key extends the
// global failure table. Built-in rules keep their position; custom
// rules are appended in document order. Call this at startup only —
// the returned Rules is immutable like the built-ins.
func (r *Rules) MergeYAML(doc []byte) (*Rules, error) {
	raw, err := yaml.Parser().Unmarshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	merged := &Rules{
		perPersona:    make(map[persona.Persona]RuleSet, len(r.perPersona)),
		globalFailure: append([]Rule(nil), r.globalFailure...),
	}
	for p, set := range r.perPersona {
		merged.perPersona[p] = set
	}

	for key, val := range raw {
		specs, err := decodeRuleSetSpec(val)
		if err != nil {
			return nil, fmt.Errorf("rules for %q: %w", key, err)
		}

		if key == "global_failure" {
			rules, err := compileRules(specs.Failure)
			if err != nil {
				return nil, fmt.Errorf("global failure rules: %w", err)
			}
			merged.globalFailure = append(merged.globalFailure, rules...)
			continue
		}

		p := persona.Parse(key)
		if p == persona.Unknown {
			return nil, fmt.Errorf("rules for unknown persona %q", key)
		}

		set := merged.perPersona[p]
		for _, pair := range []struct {
			dst *[]Rule
			src []ruleSpec
		}{
			{&set.Success, specs.Success},
			{&set.Failure, specs.Failure},
			{&set.Anomaly, specs.Anomaly},
		} {
			rules, err := compileRules(pair.src)
			if err != nil {
				return nil, fmt.Errorf("rules for %q: %w", key, err)
			}
			*pair.dst = append(*pair.dst, rules...)
		}
		merged.perPersona[p] = set
	}

	return merged, nil
}

func decodeRuleSetSpec(val any) (ruleSetSpec, error) {
	var spec ruleSetSpec
	m, ok := val.(map[string]any)
	if !ok {
		return spec, fmt.Errorf("expected a mapping of success/failure/anomaly lists")
	}
	for section, dst := range map[string]*[]ruleSpec{
		"success": &spec.Success,
		"failure": &spec.Failure,
		"anomaly": &spec.Anomaly,
	} {
		list, ok := m[section].([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			fields, ok := item.(map[string]any)
			if !ok {
				return spec, fmt.Errorf("%s: expected a list of rule mappings", section)
			}
			*dst = append(*dst, ruleSpec{
				Description: stringField(fields, "description"),
				Pattern:     stringField(fields, "pattern"),
				Severity:    stringField(fields, "severity"),
			})
		}
	}
	return spec, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func compileRules(specs []ruleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", s.Pattern, err)
		}
		severity := s.Severity
		if severity == "" {
			severity = "medium"
		}
		rules = append(rules, Rule{Description: s.Description, Severity: severity, re: re})
	}
	return rules, nil
}
