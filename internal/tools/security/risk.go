package security

import "regexp"

// Level is the risk class of a command.
type Level string

const (
	LevelSafe      Level = "safe"
	LevelWarning   Level = "warning"
	LevelDangerous Level = "dangerous"
)

// Assessment is the verdict for one command.
type Assessment struct {
	Command   string     `json:"command"`
	Level     Level      `json:"level"`
	Reason    string     `json:"reason,omitempty"`
	Operators []Operator `json:"operators,omitempty"`
}

// RequiresConfirmation reports whether a person must approve the command.
func (a Assessment) RequiresConfirmation() bool {
	return a.Level != LevelSafe
}

type rule struct {
	pattern *regexp.Regexp
	reason  string
}

func rules(defs ...string) []rule {
	out := make([]rule, 0, len(defs)/2)
	for i := 0; i+1 < len(defs); i += 2 {
		out = append(out, rule{pattern: regexp.MustCompile("(?i)" + defs[i]), reason: defs[i+1]})
	}
	return out
}

var dangerousRules = rules(
	`rm\s+-rf\s+[/~]`, "recursive deletion from root or home directory",
	`rm\s+-rf\s+\*`, "recursive deletion with wildcard",
	`rm\s+.*\s+-rf`, "recursive file deletion",
	`dd\s+if=`, "direct disk write",
	`mkfs`, "file system formatting",
	`fdisk`, "disk partitioning",
	`>\s*/dev/(sd|hd|nvme)`, "writing to a disk device",
	`>\s*/dev/null`, "discarding output to /dev/null",
	`chmod\s+-R\s+777`, "recursive world-writable permissions",
	`chown\s+-R`, "recursive ownership change",
	`sudo\s+rm`, "deleting files with sudo",
	`sudo\s+dd`, "disk operation with sudo",
	`rm.*/etc`, "deleting system configuration",
	`rm.*/usr`, "deleting system binaries",
	`rm.*/var`, "deleting system data",
	`:\(\)\s*\{.*:\|:.*\};\s*:`, "fork bomb",
	`while\s+true.*do`, "infinite loop",
)

var warningRules = rules(
	`rm\s+-r`, "recursive deletion",
	`rm\s+.*\*`, "deletion with wildcard",
	`git\s+push\s+.*--force`, "force push",
	`npm\s+publish`, "publishing to the npm registry",
	`curl.*\|\s*bash`, "executing a downloaded script",
	`wget.*\|\s*sh`, "executing a downloaded script",
)

// Assess classifies cmd. Patterns are checked against the command both as
// written and with its quoting removed; an unquoted command substitution is
// at least a warning.
func Assess(cmd string) Assessment {
	a := Assessment{Command: cmd, Level: LevelSafe, Operators: Operators(cmd)}
	if cmd == "" {
		return a
	}
	plain := dequote(cmd)

	if reason, ok := match(dangerousRules, cmd, plain); ok {
		a.Level, a.Reason = LevelDangerous, reason
		return a
	}
	if reason, ok := match(warningRules, cmd, plain); ok {
		a.Level, a.Reason = LevelWarning, reason
		return a
	}
	for _, op := range a.Operators {
		if op.Kind == KindSubshell {
			a.Level, a.Reason = LevelWarning, "command substitution"
			return a
		}
	}
	return a
}

func match(set []rule, inputs ...string) (string, bool) {
	for _, r := range set {
		for _, in := range inputs {
			if r.pattern.MatchString(in) {
				return r.reason, true
			}
		}
	}
	return "", false
}
