// Package security classifies shell commands before they are run on the
// user's behalf.
package security

import "strings"

// Operator is an unquoted shell control sequence found in a command.
type Operator struct {
	Token    string `json:"token"`
	Position int    `json:"position"`
	Kind     string `json:"kind"`
}

// Operator kinds.
const (
	KindChain      = "command_chain"
	KindPipe       = "pipe"
	KindRedirect   = "redirect"
	KindSubshell   = "subshell"
	KindBackground = "background"
)

// Longest tokens first so ">>" is not reported as two ">".
var operatorTokens = []struct {
	token string
	kind  string
}{
	{">>", KindRedirect},
	{"&&", KindChain},
	{"||", KindChain},
	{"$(", KindSubshell},
	{";", KindChain},
	{"|", KindPipe},
	{">", KindRedirect},
	{"<", KindRedirect},
	{"`", KindSubshell},
	{"&", KindBackground},
}

// unquotedMask marks the bytes of cmd that the shell would interpret, i.e.
// those outside single or double quotes and not escaped.
func unquotedMask(cmd string) []bool {
	mask := make([]bool, len(cmd))
	var single, double, escaped bool
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && !single:
			escaped = true
		case c == '\'' && !double:
			single = !single
		case c == '"' && !single:
			double = !double
		default:
			mask[i] = !single && !double
		}
	}
	return mask
}

// Operators scans cmd for shell control operators, ignoring anything quoted
// or escaped.
func Operators(cmd string) []Operator {
	if cmd == "" {
		return nil
	}
	mask := unquotedMask(cmd)
	var ops []Operator
	for i := 0; i < len(cmd); {
		if !mask[i] {
			i++
			continue
		}
		matched := false
		for _, op := range operatorTokens {
			end := i + len(op.token)
			if end > len(cmd) || cmd[i:end] != op.token {
				continue
			}
			quoted := false
			for j := i; j < end; j++ {
				if !mask[j] {
					quoted = true
					break
				}
			}
			if quoted {
				continue
			}
			ops = append(ops, Operator{Token: op.token, Position: i, Kind: op.kind})
			i = end
			matched = true
			break
		}
		if !matched {
			i++
		}
	}
	return ops
}

// HasOperator reports whether any operator of the given kind appears
// unquoted in cmd.
func HasOperator(cmd string, kind string) bool {
	for _, op := range Operators(cmd) {
		if op.Kind == kind {
			return true
		}
	}
	return false
}

// dequote strips quoting and escapes the way the shell would before
// running the command, so `rm -rf "/"` reads as `rm -rf /`.
func dequote(cmd string) string {
	var b strings.Builder
	b.Grow(len(cmd))
	var single, double, escaped bool
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case escaped:
			escaped = false
			b.WriteByte(c)
		case c == '\\' && !single:
			escaped = true
		case c == '\'' && !double:
			single = !single
		case c == '"' && !single:
			double = !double
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
