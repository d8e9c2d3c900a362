// Package pathvar implements the Coordinator's path-blindness contract:
// it derives a job's required path variables from its argv token
// list and validates variable-name syntax, without ever touching a
// subpath beyond storing it opaquely or constructing an absolute path out
// of it.
package pathvar

import (
	"regexp"
	"sort"

	"github.com/brwyatt/dffmpeg/pkg/types"
)

// NamePattern is the syntax every variable name must match.
var NamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidName reports whether name is a syntactically valid variable name.
func ValidName(name string) bool {
	return NamePattern.MatchString(name)
}

// RequiredVariables walks argv and returns the sorted, de-duplicated set
// of variable names referenced by {kind:"var"} tokens. It never inspects
// or normalizes a token's Subpath.
func RequiredVariables(argv []types.ArgvToken) []string {
	set := make(map[string]struct{})
	for _, tok := range argv {
		if tok.Kind == types.ArgvVar {
			set[tok.Variable] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ValidateArgv checks that every var-token's Variable is syntactically
// valid and that every token has a recognized Kind. It returns the first
// offending variable name (or, for a token of unrecognized Kind, that
// Kind) and false, or "" and true if argv is well formed.
func ValidateArgv(argv []types.ArgvToken) (invalidVariable string, ok bool) {
	for _, tok := range argv {
		switch tok.Kind {
		case types.ArgvLiteral:
			continue
		case types.ArgvVar:
			if !ValidName(tok.Variable) {
				return tok.Variable, false
			}
		default:
			return string(tok.Kind), false
		}
	}
	return "", true
}

// WorkerEligible reports whether a worker advertising advertisedVariables
// can run a job that requires requiredVariables: the worker must advertise
// every required variable.
func WorkerEligible(advertisedVariables, requiredVariables []string) bool {
	have := make(map[string]struct{}, len(advertisedVariables))
	for _, v := range advertisedVariables {
		have[v] = struct{}{}
	}
	for _, want := range requiredVariables {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}
