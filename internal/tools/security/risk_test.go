package security

import "testing"

func TestAssess(t *testing.T) {
	tests := []struct {
		name      string
		command   string
		wantLevel Level
		wantWhy   string
	}{
		{name: "empty", command: "", wantLevel: LevelSafe},
		{name: "listing", command: "ls -la", wantLevel: LevelSafe},
		{name: "pipe is fine", command: "cat go.mod | grep require", wantLevel: LevelSafe},
		{name: "root deletion", command: "rm -rf /", wantLevel: LevelDangerous, wantWhy: "recursive deletion from root or home directory"},
		{name: "quoted root deletion", command: `rm -rf "/"`, wantLevel: LevelDangerous, wantWhy: "recursive deletion from root or home directory"},
		{name: "home deletion", command: "rm -rf ~/projects", wantLevel: LevelDangerous},
		{name: "disk write", command: "dd if=/dev/zero of=/dev/sda", wantLevel: LevelDangerous, wantWhy: "direct disk write"},
		{name: "devnull", command: "make > /dev/null", wantLevel: LevelDangerous},
		{name: "sudo rm", command: "sudo rm file", wantLevel: LevelDangerous},
		{name: "fork bomb", command: ":(){ :|:& };:", wantLevel: LevelDangerous, wantWhy: "fork bomb"},
		{name: "loop", command: "while true; do echo hi; done", wantLevel: LevelDangerous, wantWhy: "infinite loop"},
		{name: "recursive delete", command: "rm -r build", wantLevel: LevelWarning, wantWhy: "recursive deletion"},
		{name: "wildcard delete", command: "rm *.log", wantLevel: LevelWarning, wantWhy: "deletion with wildcard"},
		{name: "force push", command: "git push origin main --force", wantLevel: LevelWarning, wantWhy: "force push"},
		{name: "curl bash", command: "curl -fsSL https://example.com/install.sh | bash", wantLevel: LevelWarning},
		{name: "substitution", command: "echo $(whoami)", wantLevel: LevelWarning, wantWhy: "command substitution"},
		{name: "quoted substitution", command: "echo '$(whoami)'", wantLevel: LevelSafe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Assess(tt.command)
			if got.Level != tt.wantLevel {
				t.Fatalf("Assess(%q).Level = %s, want %s (reason %q)", tt.command, got.Level, tt.wantLevel, got.Reason)
			}
			if tt.wantWhy != "" && got.Reason != tt.wantWhy {
				t.Errorf("Assess(%q).Reason = %q, want %q", tt.command, got.Reason, tt.wantWhy)
			}
			if got.RequiresConfirmation() != (tt.wantLevel != LevelSafe) {
				t.Errorf("RequiresConfirmation() = %v", got.RequiresConfirmation())
			}
		})
	}
}

func TestOperatorsRespectQuoting(t *testing.T) {
	tests := []struct {
		command string
		want    []Operator
	}{
		{`echo "a;b" ; ls`, []Operator{{Token: ";", Position: 11, Kind: KindChain}}},
		{`echo data >> file`, []Operator{{Token: ">>", Position: 10, Kind: KindRedirect}}},
		{`a && b || c`, []Operator{{Token: "&&", Position: 2, Kind: KindChain}, {Token: "||", Position: 7, Kind: KindChain}}},
		{`echo \; x`, nil},
		{`echo 'x | y'`, nil},
		{"echo `id`", []Operator{{Token: "`", Position: 5, Kind: KindSubshell}, {Token: "`", Position: 8, Kind: KindSubshell}}},
		{`sleep 5 &`, []Operator{{Token: "&", Position: 8, Kind: KindBackground}}},
	}
	for _, tt := range tests {
		got := Operators(tt.command)
		if len(got) != len(tt.want) {
			t.Errorf("Operators(%q) = %+v, want %+v", tt.command, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Operators(%q)[%d] = %+v, want %+v", tt.command, i, got[i], tt.want[i])
			}
		}
	}
	if !HasOperator("a | b", KindPipe) || HasOperator("a | b", KindChain) {
		t.Error("HasOperator() mismatch")
	}
}

func TestDequote(t *testing.T) {
	if got := dequote(`rm -rf "/tmp/x" 'a b' c\ d`); got != "rm -rf /tmp/x a b c d" {
		t.Errorf("dequote() = %q", got)
	}
}
