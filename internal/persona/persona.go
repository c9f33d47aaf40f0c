// Package persona defines the closed set of remediation-agent roles and
// the uniform interface for executing a workflow step through one of
// them.
package persona

import (
	"strings"

	"github.com/fyrsmithlabs/remedyd/internal/alert"
)

// Persona is a named agent role. The set is closed: unknown strings
// parse to Unknown rather than failing.
type Persona string

const (
	Rex     Persona = "rex"
	Blaze   Persona = "blaze"
	Cleo    Persona = "cleo"
	Tess    Persona = "tess"
	Cipher  Persona = "cipher"
	Atlas   Persona = "atlas"
	Factory Persona = "factory"
	Morgan  Persona = "morgan"
	Unknown Persona = "unknown"
)

// All lists every known persona, Unknown excluded.
func All() []Persona {
	return []Persona{Rex, Blaze, Cleo, Tess, Cipher, Atlas, Factory, Morgan}
}

// Parse maps a string to a Persona, case-insensitively. Unrecognized
// values map to Unknown.
func Parse(s string) Persona {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rex":
		return Rex
	case "blaze":
		return Blaze
	case "cleo":
		return Cleo
	case "tess":
		return Tess
	case "cipher":
		return Cipher
	case "atlas":
		return Atlas
	case "factory":
		return Factory
	case "morgan":
		return Morgan
	default:
		return Unknown
	}
}

// DisplayName returns the human-readable role name.
func (p Persona) DisplayName() string {
	switch p {
	case Rex:
		return "Rex (Implementation)"
	case Blaze:
		return "Blaze (Frontend)"
	case Cleo:
		return "Cleo (Code Review)"
	case Tess:
		return "Tess (Testing)"
	case Cipher:
		return "Cipher (Security)"
	case Atlas:
		return "Atlas (Integration)"
	case Factory:
		return "Factory (General)"
	case Morgan:
		return "Morgan (PM)"
	default:
		return "Unknown Agent"
	}
}

// ForAlert picks the default persona for an alert kind. An explicit
// persona on the alert wins.
func ForAlert(a alert.Alert) Persona {
	if a.Persona != "" {
		if p := Parse(a.Persona); p != Unknown {
			return p
		}
	}
	switch a.Kind {
	case alert.KindTestFailure:
		return Tess
	case alert.KindSecurityFinding:
		return Cipher
	case alert.KindCIFailure:
		return Rex
	case alert.KindApprovalLoop:
		return Cleo
	default:
		return Factory
	}
}
