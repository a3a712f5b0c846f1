// Package command decides whether a candidate command string may be
// written to a session's terminal. Validation is pure: same input,
// same verdict, no I/O and no hidden state.
package command

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Reason classifies a verdict.
type Reason string

const (
	ReasonWhitelisted    Reason = "whitelisted"
	ReasonBlacklisted    Reason = "blacklisted-pattern"
	ReasonNotAllowlisted Reason = "not-in-command-allowlist"
	ReasonPathTraversal  Reason = "path-traversal"
	ReasonEmptyInput     Reason = "empty-input"
)

// Verdict is the validator's decision. It carries no side effects; the
// caller treats Allowed=false as a hard stop.
type Verdict struct {
	Allowed bool
	Reason  Reason
	// MatchedRule names the rule that decided the verdict, for diagnostics:
	// "pattern:<name>" for whitelist/blacklist matches, "base:<cmd>" for
	// base-allowlist approvals, "script:<name>" for script rejections.
	MatchedRule string
}

// Config holds the rule tables. Constructed explicitly so tests can build
// validators with custom tables instead of touching global state.
type Config struct {
	// AllowedRoot is the directory every path argument must stay inside.
	AllowedRoot string
	// Whitelist holds named full-command patterns that short-circuit to
	// allowed. Patterns must be anchored; a loose pattern here would let
	// wrappers smuggle blacklisted text past the dangerous-pattern scan.
	Whitelist []Rule
	// Blacklist holds named dangerous patterns. Any match rejects.
	Blacklist []Rule
	// BaseCommands is the allowlist of leading program names.
	BaseCommands []string
	// Scripts is the set of package-manager script names allowed after "run".
	Scripts []string
}

// Rule is one named pattern in an ordered table.
type Rule struct {
	Name    string
	Pattern string
}

type compiledRule struct {
	name string
	re   *regexp.Regexp
}

// Validator evaluates commands against compiled rule tables.
type Validator struct {
	allowedRoot string
	whitelist   []compiledRule
	blacklist   []compiledRule
	base        map[string]bool
	scripts     map[string]bool
	scriptedPMs map[string]bool
}

// DefaultWhitelist covers full-command shapes that a blacklist-only pass
// rejected in practice (combined cd + package-manager runs, port cleanup,
// plain version-control flows).
var DefaultWhitelist = []Rule{
	{Name: "cd-and-run", Pattern: `^cd\s+[^;|&]+\s*&&\s*(npm|pnpm|yarn|bun)\s+(run\s+(dev|build|test|lint|start|preview)|install|ci|test|start)$`},
	{Name: "port-kill", Pattern: `^lsof\s+-ti\s*:\s*\d+(\s*\|\s*xargs\s+kill(\s+-9)?)?$`},
	{Name: "git-status", Pattern: "^git (status|diff|log)$"},
	{Name: "git-add", Pattern: `^git add (\.|[\w./-]+( [\w./-]+)*)$`},
	{Name: "git-commit", Pattern: "^git commit -m \"[^\"`$\\\\]*\"$"},
	{Name: "git-push", Pattern: `^git push( [\w./-]+( [\w./-]+)?)?$`},
}

// DefaultBlacklist is ordered: traversal first, then destructive verbs,
// then power controls, then substitution wrappers around any of those.
var DefaultBlacklist = []Rule{
	{Name: "parent-traversal", Pattern: `\.\.[/\\]`},
	{Name: "quoted-traversal", Pattern: `["']\.\.["']`},
	{Name: "rm-recursive", Pattern: `\brm\s+(-\w*\s+)*-\w*[rf]`},
	{Name: "del-forced", Pattern: `\b(del|rd|rmdir)\s+/[sfq]`},
	{Name: "disk-format", Pattern: `\b(mkfs|format)\b`},
	{Name: "dd-write", Pattern: `\bdd\s+.*of=`},
	{Name: "power", Pattern: `\b(shutdown|reboot|halt|poweroff)\b`},
	{Name: "fork-bomb", Pattern: `:\(\)\s*{`},
	{Name: "subst-destructive", Pattern: "[`]|\\$\\(.*\\b(rm|mkfs|dd|shutdown|reboot|halt)\\b"},
	{Name: "chained-sudo", Pattern: `[;|&]\s*sudo\b`},
}

// DefaultBaseCommands lists leading program names allowed without a
// whitelist match: shells, version control, package managers, editor
// launchers, interpreters, and harmless inspection commands.
var DefaultBaseCommands = []string{
	"sh", "bash", "zsh", "cd", "ls", "pwd", "echo", "cat", "which", "env",
	"git", "npm", "pnpm", "yarn", "bun", "npx",
	"node", "python", "python3", "go", "deno",
	"code", "vim", "nvim",
	"lsof", "ps", "curl",
}

// DefaultScripts is the fixed set of package-manager script names that may
// follow "run".
var DefaultScripts = []string{"dev", "build", "test", "lint", "start", "preview"}

// packageManagers are the programs whose "run" argument is checked against
// the script allowlist.
var packageManagers = []string{"npm", "pnpm", "yarn", "bun"}

// DefaultConfig returns the stock rule tables rooted at root.
func DefaultConfig(root string) Config {
	return Config{
		AllowedRoot:  root,
		Whitelist:    DefaultWhitelist,
		Blacklist:    DefaultBlacklist,
		BaseCommands: DefaultBaseCommands,
		Scripts:      DefaultScripts,
	}
}

// New compiles the rule tables into a Validator.
func New(cfg Config) (*Validator, error) {
	v := &Validator{
		allowedRoot: filepath.Clean(cfg.AllowedRoot),
		base:        make(map[string]bool, len(cfg.BaseCommands)),
		scripts:     make(map[string]bool, len(cfg.Scripts)),
		scriptedPMs: make(map[string]bool, len(packageManagers)),
	}
	for _, rule := range cfg.Whitelist {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("whitelist rule %q: %w", rule.Name, err)
		}
		v.whitelist = append(v.whitelist, compiledRule{rule.Name, re})
	}
	for _, rule := range cfg.Blacklist {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("blacklist rule %q: %w", rule.Name, err)
		}
		v.blacklist = append(v.blacklist, compiledRule{rule.Name, re})
	}
	for _, c := range cfg.BaseCommands {
		v.base[c] = true
	}
	for _, s := range cfg.Scripts {
		v.scripts[s] = true
	}
	for _, pm := range packageManagers {
		v.scriptedPMs[pm] = true
	}
	return v, nil
}

// Validate decides whether a command may run. Evaluation order is fixed:
// empty input, whitelist (short-circuits to allowed), dangerous patterns,
// base-command allowlist with the script sub-allowlist, and finally path
// containment, which overrides any earlier allow.
func (v *Validator) Validate(cmd string) Verdict {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return Verdict{Allowed: false, Reason: ReasonEmptyInput}
	}

	verdict := v.classify(trimmed)

	// Path containment is checked last and overrides an earlier allow:
	// a whitelisted shape carrying an escaping path is still rejected.
	if verdict.Allowed {
		if rule, ok := v.escapesRoot(trimmed); ok {
			return Verdict{Allowed: false, Reason: ReasonPathTraversal, MatchedRule: rule}
		}
	}
	return verdict
}

func (v *Validator) classify(cmd string) Verdict {
	for _, rule := range v.whitelist {
		if rule.re.MatchString(cmd) {
			return Verdict{Allowed: true, Reason: ReasonWhitelisted, MatchedRule: "pattern:" + rule.name}
		}
	}

	for _, rule := range v.blacklist {
		if rule.re.MatchString(cmd) {
			return Verdict{Allowed: false, Reason: ReasonBlacklisted, MatchedRule: "pattern:" + rule.name}
		}
	}

	tokens := strings.Fields(cmd)
	lead := tokens[0]
	if !v.base[lead] {
		return Verdict{Allowed: false, Reason: ReasonNotAllowlisted, MatchedRule: "base:" + lead}
	}

	// Package-manager scripts: only the fixed script set may follow "run".
	for i := 0; i+1 < len(tokens); i++ {
		if v.scriptedPMs[tokens[i]] && tokens[i+1] == "run" {
			if i+2 >= len(tokens) {
				return Verdict{Allowed: false, Reason: ReasonNotAllowlisted, MatchedRule: "script:"}
			}
			if !v.scripts[tokens[i+2]] {
				return Verdict{Allowed: false, Reason: ReasonNotAllowlisted, MatchedRule: "script:" + tokens[i+2]}
			}
		}
	}

	return Verdict{Allowed: true, Reason: ReasonWhitelisted, MatchedRule: "base:" + lead}
}

// escapesRoot reports whether any path-like argument resolves outside the
// allowed root. Relative paths resolve against the root itself.
func (v *Validator) escapesRoot(cmd string) (string, bool) {
	if v.allowedRoot == "" || v.allowedRoot == "." {
		return "", false
	}
	for _, tok := range pathTokens(cmd) {
		p := tok
		if !filepath.IsAbs(p) {
			p = filepath.Join(v.allowedRoot, p)
		}
		p = filepath.Clean(p)
		if p != v.allowedRoot && !strings.HasPrefix(p, v.allowedRoot+string(filepath.Separator)) {
			return "path:" + tok, true
		}
	}
	return "", false
}

// pathTokens extracts arguments that look like filesystem paths: tokens
// beginning with "/", "./", "../", "~", or containing a ".." component.
// Plain words and flag arguments are not paths; this keeps slashes inside
// quoted commit messages from tripping the containment check.
func pathTokens(cmd string) []string {
	var out []string
	for _, tok := range strings.Fields(cmd) {
		tok = strings.Trim(tok, `"'`)
		if tok == "" || strings.HasPrefix(tok, "-") {
			continue
		}
		switch {
		case strings.HasPrefix(tok, "/"),
			strings.HasPrefix(tok, "./"),
			strings.HasPrefix(tok, "../"),
			strings.HasPrefix(tok, "~"),
			tok == "..",
			strings.Contains(tok, "../"),
			strings.Contains(tok, `..\`):
			out = append(out, tok)
		}
	}
	return out
}
