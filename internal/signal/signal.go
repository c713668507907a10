// Package signal implements the completion-signal protocol: scanning model
// output for FINAL(...) and FINAL_VAR(...) markers and extracting REPL code
// blocks. Parsing rules live here, isolated from the orchestrator, so they
// stay testable on raw strings.
package signal

import (
	"regexp"
	"strings"
)

// Kind tags the completion-signal variant.
type Kind int

const (
	// KindNone means no usable signal was found.
	KindNone Kind = iota

	// KindValue is the direct form: FINAL(answer). The extracted literal
	// text is the final answer, used verbatim.
	KindValue

	// KindVariable is the reference form: FINAL_VAR(name). The caller
	// resolves the name against the environment namespace.
	KindVariable
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindVariable:
		return "variable"
	default:
		return "none"
	}
}

// Signal is the parse result.
type Signal struct {
	Kind     Kind
	Value    string // literal answer text, KindValue only
	Variable string // namespace variable name, KindVariable only

	// Ambiguous is set when both a value and a variable form matched in
	// the same output. The signal is suppressed rather than guessed.
	Ambiguous bool

	// UnboundVariable names a FINAL_VAR target missing from the namespace.
	// The signal is suppressed so the model can correct itself.
	UnboundVariable string
}

var (
	fenceRegex    = regexp.MustCompile("(?s)```[a-zA-Z]*\n.*?```")
	codeRegex     = regexp.MustCompile("(?s)```repl\n(.*?)```")
	finalVarRegex = regexp.MustCompile(`\bFINAL_VAR\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)`)
	finalRegex    = regexp.MustCompile(`\bFINAL\(`)
)

// ExtractCode returns the concatenated contents of all ```repl fenced
// blocks in the model output, or "" when the output carries no code.
func ExtractCode(output string) string {
	matches := codeRegex.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return ""
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if block := strings.TrimSpace(m[1]); block != "" {
			parts = append(parts, block)
		}
	}
	return strings.Join(parts, "\n")
}

// Parse scans model output for a completion signal. Fenced code blocks are
// ignored: the protocol requires FINAL markers as plain text outside code.
// names, when non-nil, is the set of variable names currently bound in the
// environment; a FINAL_VAR referencing an unknown name is suppressed and
// reported via UnboundVariable. Only one signal per output is honored; a
// simultaneous value and variable match is ambiguous and suppressed.
func Parse(output string, names map[string]struct{}) Signal {
	prose := fenceRegex.ReplaceAllString(output, "")

	varMatch := finalVarRegex.FindStringSubmatch(prose)
	value, valueFound := extractValue(prose)

	if varMatch != nil && valueFound {
		return Signal{Kind: KindNone, Ambiguous: true}
	}

	if varMatch != nil {
		name := varMatch[1]
		if names != nil {
			if _, ok := names[name]; !ok {
				return Signal{Kind: KindNone, UnboundVariable: name}
			}
		}
		return Signal{Kind: KindVariable, Variable: name}
	}

	if valueFound {
		return Signal{Kind: KindValue, Value: value}
	}

	return Signal{Kind: KindNone}
}

// extractValue finds the first FINAL(...) occurrence and returns the text
// between its balanced parentheses.
func extractValue(prose string) (string, bool) {
	loc := finalRegex.FindStringIndex(prose)
	if loc == nil {
		return "", false
	}

	depth := 1
	start := loc[1]
	for i := start; i < len(prose); i++ {
		switch prose[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return strings.TrimSpace(prose[start:i]), true
			}
		}
	}
	// Unterminated marker: take the rest of the line, matching how models
	// sometimes drop the closing paren on short answers.
	rest := prose[start:]
	if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
		rest = rest[:idx]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", false
	}
	return rest, true
}
