package approval

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is one allowlist entry value. The YAML forms `true`, `false`,
// and `{approve: bool, matchCommandLine: bool}` all decode to it.
type Rule struct {
	Approve          bool `yaml:"approve"`
	MatchCommandLine bool `yaml:"matchCommandLine"`
}

// UnmarshalYAML accepts the boolean shorthand.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("parsing allowlist rule: %w", err)
		}
		r.Approve = b
		r.MatchCommandLine = false
		return nil
	}
	type plain Rule
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("parsing allowlist rule: %w", err)
	}
	*r = Rule(p)
	return nil
}

// Allowlist maps command patterns to rules. A pattern is a literal
// (matched as a prefix of the sub-command or against its base name) or
// a /regex/flags form.
type Allowlist struct {
	Rules map[string]Rule
}

// UnmarshalYAML decodes the bare mapping form.
func (a *Allowlist) UnmarshalYAML(node *yaml.Node) error {
	return node.Decode(&a.Rules)
}

// LoadAllowlist reads an allowlist YAML file. A missing file yields an
// empty list, which approves nothing.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("reading allowlist %s: %w", path, err)
	}
	var a Allowlist
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parsing allowlist %s: %w", path, err)
	}
	return &a, nil
}

// FromMap builds an allowlist from a per-session override map where
// values follow the same true/false/{approve,matchCommandLine} forms.
func FromMap(m map[string]any) *Allowlist {
	rules := make(map[string]Rule, len(m))
	for pattern, v := range m {
		switch value := v.(type) {
		case bool:
			rules[pattern] = Rule{Approve: value}
		case map[string]any:
			rule := Rule{}
			if b, ok := value["approve"].(bool); ok {
				rule.Approve = b
			}
			if b, ok := value["matchCommandLine"].(bool); ok {
				rule.MatchCommandLine = b
			}
			rules[pattern] = rule
		}
	}
	return &Allowlist{Rules: rules}
}

// TrueKeys returns the approving patterns, sorted. Used to hint which
// commands would have passed when an unattended run rejects one.
func (a *Allowlist) TrueKeys() []string {
	var keys []string
	for pattern, rule := range a.Rules {
		if rule.Approve {
			keys = append(keys, pattern)
		}
	}
	sort.Strings(keys)
	return keys
}

// Empty reports whether the allowlist has no rules.
func (a *Allowlist) Empty() bool { return len(a.Rules) == 0 }

// Decision is the outcome of checking a command line.
type Decision struct {
	Approved bool
	// Rule is the pattern that decided a rejection, when one did.
	Rule string
	// Reason describes the rejection for humans.
	Reason string
}

// Check decides a command line. The line is split into sub-commands at
// shell connectives and substitution forms; it is approved iff no rule
// denies any sub-command or the full line, and either every sub-command
// is approved or the full line is approved by a matchCommandLine rule.
func (a *Allowlist) Check(commandLine string) Decision {
	subs := SplitSubcommands(commandLine)

	patterns := make([]string, 0, len(a.Rules))
	for p := range a.Rules {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)

	// Denies short-circuit.
	for _, pattern := range patterns {
		rule := a.Rules[pattern]
		if rule.Approve {
			continue
		}
		if rule.MatchCommandLine {
			if matchPattern(pattern, commandLine) {
				return Decision{Rule: pattern, Reason: fmt.Sprintf("command line denied by rule %q", pattern)}
			}
			continue
		}
		for _, sub := range subs {
			if matchPattern(pattern, sub) {
				return Decision{Rule: pattern, Reason: fmt.Sprintf("%q denied by rule %q", sub, pattern)}
			}
		}
	}

	// Full-line approval covers everything at once.
	for _, pattern := range patterns {
		rule := a.Rules[pattern]
		if rule.Approve && rule.MatchCommandLine && matchPattern(pattern, commandLine) {
			return Decision{Approved: true}
		}
	}

	// Otherwise every sub-command needs an approving rule.
	for _, sub := range subs {
		approved := false
		for _, pattern := range patterns {
			rule := a.Rules[pattern]
			if rule.Approve && !rule.MatchCommandLine && matchPattern(pattern, sub) {
				approved = true
				break
			}
		}
		if !approved {
			return Decision{Reason: fmt.Sprintf("%q not covered by any allowlist rule", sub)}
		}
	}
	return Decision{Approved: true}
}

// matchPattern matches one pattern against one command string. The
// /regex/flags form compiles to a regexp; anything else matches as a
// literal prefix or as the base name of the command's first token.
func matchPattern(pattern, command string) bool {
	command = strings.TrimSpace(command)
	if len(pattern) > 1 && strings.HasPrefix(pattern, "/") {
		if end := strings.LastIndex(pattern, "/"); end > 0 {
			expr := pattern[1:end]
			flags := pattern[end+1:]
			if flags != "" {
				expr = "(?" + flags + ")" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return false
			}
			return re.MatchString(command)
		}
	}
	if strings.HasPrefix(command, pattern) {
		return true
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	return filepath.Base(fields[0]) == pattern
}

// subcommand connectives, longest first so "||" is not read as two "|".
var connectives = []string{"||", "&&", ";", "|"}

// SplitSubcommands breaks a command line at shell connectives and
// unwraps inline substitutions (`…`, $(…), <(…), >(…)), returning every
// piece that would execute, outermost first. Quoted regions are opaque.
func SplitSubcommands(commandLine string) []string {
	var subs []string
	collectSubcommands(commandLine, &subs)
	return subs
}

func collectSubcommands(commandLine string, out *[]string) {
	for _, segment := range splitConnectives(commandLine) {
		*out = append(*out, segment)
		for _, inner := range substitutions(segment) {
			collectSubcommands(inner, out)
		}
	}
}

// splitConnectives splits at top-level || && ; | outside quotes,
// parentheses, and backticks.
func splitConnectives(line string) []string {
	var segments []string
	var current strings.Builder
	var quote rune
	depth := 0
	inBacktick := false
	runes := []rune(line)

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			segments = append(segments, s)
		}
		current.Reset()
	}

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quote != 0:
			current.WriteRune(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			current.WriteRune(c)
		case c == '`':
			inBacktick = !inBacktick
			current.WriteRune(c)
		case inBacktick:
			current.WriteRune(c)
		case c == '(':
			depth++
			current.WriteRune(c)
		case c == ')':
			depth--
			current.WriteRune(c)
		case depth == 0 && matchesConnective(runes, i) != "":
			op := matchesConnective(runes, i)
			flush()
			i += len(op) - 1
		default:
			current.WriteRune(c)
		}
	}
	flush()
	return segments
}

// substitutions returns the contents of top-level `…`, $(…), <(…), and
// >(…) forms in a segment.
func substitutions(segment string) []string {
	var inner []string
	var quote rune
	runes := []rune(segment)

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '`':
			end := indexRune(runes, i+1, '`')
			if end < 0 {
				continue
			}
			inner = append(inner, strings.TrimSpace(string(runes[i+1:end])))
			i = end
		case (c == '$' || c == '<' || c == '>') && i+1 < len(runes) && runes[i+1] == '(':
			end := matchParen(runes, i+1)
			if end < 0 {
				continue
			}
			inner = append(inner, strings.TrimSpace(string(runes[i+2:end])))
			i = end
		}
	}
	return inner
}

func matchesConnective(runes []rune, i int) string {
	rest := string(runes[i:])
	for _, op := range connectives {
		if strings.HasPrefix(rest, op) {
			return op
		}
	}
	return ""
}

func indexRune(runes []rune, from int, target rune) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == target {
			return i
		}
	}
	return -1
}

// matchParen returns the index of the ')' closing the '(' at open,
// honoring nesting.
func matchParen(runes []rune, open int) int {
	depth := 0
	for i := open; i < len(runes); i++ {
		switch runes[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
