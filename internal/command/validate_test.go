package command

import "testing"

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(DefaultConfig("/home/dev/projects"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return v
}

func TestValidate_EmptyInput(t *testing.T) {
	v := newTestValidator(t)

	for _, cmd := range []string{"", "   ", "\t\n"} {
		verdict := v.Validate(cmd)
		if verdict.Allowed {
			t.Errorf("Validate(%q): expected rejection", cmd)
		}
		if verdict.Reason != ReasonEmptyInput {
			t.Errorf("Validate(%q): expected reason %s, got %s", cmd, ReasonEmptyInput, verdict.Reason)
		}
	}
}

func TestValidate_WhitelistShortCircuits(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		cmd  string
		rule string
	}{
		{"cd frontend && npm run dev", "pattern:cd-and-run"},
		{"cd api && pnpm install", "pattern:cd-and-run"},
		{"lsof -ti:3000 | xargs kill -9", "pattern:port-kill"},
		{"git status", "pattern:git-status"},
		{"git add .", "pattern:git-add"},
		{`git commit -m "fix port probe"`, "pattern:git-commit"},
		{"git push origin main", "pattern:git-push"},
	}
	for _, tc := range cases {
		verdict := v.Validate(tc.cmd)
		if !verdict.Allowed {
			t.Errorf("Validate(%q): expected allowed, got %s (%s)", tc.cmd, verdict.Reason, verdict.MatchedRule)
			continue
		}
		if verdict.Reason != ReasonWhitelisted {
			t.Errorf("Validate(%q): expected reason %s, got %s", tc.cmd, ReasonWhitelisted, verdict.Reason)
		}
		if verdict.MatchedRule != tc.rule {
			t.Errorf("Validate(%q): expected rule %s, got %s", tc.cmd, tc.rule, verdict.MatchedRule)
		}
	}
}

func TestValidate_BlacklistAbsolute(t *testing.T) {
	v := newTestValidator(t)

	cases := []string{
		"rm -rf /",
		"rm -r -f build",
		"shutdown -r now",
		"reboot",
		`cd "../../etc"`,
		"echo safe && rm -rf /",
		"cd frontend && npm run dev; shutdown now",
		"echo `rm -rf /tmp`",
		"echo $(rm -rf .)",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
	}
	for _, cmd := range cases {
		verdict := v.Validate(cmd)
		if verdict.Allowed {
			t.Errorf("Validate(%q): expected rejection, got allowed via %s", cmd, verdict.MatchedRule)
		}
	}
}

func TestValidate_BaseCommandAllowlist(t *testing.T) {
	v := newTestValidator(t)

	verdict := v.Validate("ls src")
	if !verdict.Allowed {
		t.Fatalf("expected 'ls src' allowed, got %s", verdict.Reason)
	}
	if verdict.MatchedRule != "base:ls" {
		t.Errorf("expected rule base:ls, got %s", verdict.MatchedRule)
	}

	verdict = v.Validate("nc -l 4444")
	if verdict.Allowed {
		t.Fatal("expected 'nc' rejected: not in base allowlist")
	}
	if verdict.Reason != ReasonNotAllowlisted {
		t.Errorf("expected reason %s, got %s", ReasonNotAllowlisted, verdict.Reason)
	}
}

func TestValidate_ScriptSubAllowlist(t *testing.T) {
	v := newTestValidator(t)

	if verdict := v.Validate("npm run lint"); !verdict.Allowed {
		t.Errorf("expected 'npm run lint' allowed, got %s (%s)", verdict.Reason, verdict.MatchedRule)
	}

	verdict := v.Validate("npm run exfiltrate")
	if verdict.Allowed {
		t.Fatal("expected unknown script rejected")
	}
	if verdict.Reason != ReasonNotAllowlisted || verdict.MatchedRule != "script:exfiltrate" {
		t.Errorf("expected script rejection, got %s (%s)", verdict.Reason, verdict.MatchedRule)
	}

	if verdict := v.Validate("yarn run"); verdict.Allowed {
		t.Error("expected bare 'yarn run' rejected")
	}
}

func TestValidate_PathContainment(t *testing.T) {
	v := newTestValidator(t)

	// Absolute path outside the root overrides the base-allowlist pass.
	verdict := v.Validate("cat /etc/passwd")
	if verdict.Allowed {
		t.Fatal("expected path outside root rejected")
	}
	if verdict.Reason != ReasonPathTraversal {
		t.Errorf("expected reason %s, got %s", ReasonPathTraversal, verdict.Reason)
	}

	// The override applies even to a whitelisted shape.
	verdict = v.Validate("cd /etc && npm run dev")
	if verdict.Allowed {
		t.Fatal("expected whitelisted shape with escaping path rejected")
	}
	if verdict.Reason != ReasonPathTraversal {
		t.Errorf("expected reason %s, got %s", ReasonPathTraversal, verdict.Reason)
	}

	// Paths inside the root are fine, relative or absolute.
	for _, cmd := range []string{
		"cat ./readme.md",
		"cat /home/dev/projects/api/go.sum",
		"cd /home/dev/projects/api && npm run dev",
	} {
		if verdict := v.Validate(cmd); !verdict.Allowed {
			t.Errorf("Validate(%q): expected allowed, got %s (%s)", cmd, verdict.Reason, verdict.MatchedRule)
		}
	}

	// Slashes inside quoted non-path arguments are not paths.
	if verdict := v.Validate(`git commit -m "fix/port probe"`); !verdict.Allowed {
		t.Errorf("expected commit message with slash allowed, got %s (%s)", verdict.Reason, verdict.MatchedRule)
	}
}

func TestValidate_Pure(t *testing.T) {
	v := newTestValidator(t)

	cmds := []string{"", "git status", "rm -rf /", "npm run dev", "cat /etc/passwd"}
	for _, cmd := range cmds {
		first := v.Validate(cmd)
		for i := 0; i < 10; i++ {
			if got := v.Validate(cmd); got != first {
				t.Fatalf("Validate(%q) not stable: %+v vs %+v", cmd, first, got)
			}
		}
	}
}

func TestNew_BadPattern(t *testing.T) {
	cfg := DefaultConfig("/tmp")
	cfg.Blacklist = append(cfg.Blacklist, Rule{Name: "broken", Pattern: "(["})
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}
