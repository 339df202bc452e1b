package storage

import (
	"fmt"
	"regexp"
	"strings"
)

// FilterKind distinguishes include from exclude rules.
type FilterKind int

const (
	FilterExclude FilterKind = iota
	FilterInclude
)

// Filter is one include or exclude rule. Patterns use shell wildcards where
// '*' also matches path separators.
type Filter struct {
	Kind    FilterKind
	Pattern string
	re      *regexp.Regexp
}

// Include returns an include rule.
func Include(pattern string) Filter {
	return Filter{Kind: FilterInclude, Pattern: pattern, re: compileWildcard(pattern)}
}

// Exclude returns an exclude rule.
func Exclude(pattern string) Filter {
	return Filter{Kind: FilterExclude, Pattern: pattern, re: compileWildcard(pattern)}
}

// String renders the rule as a command-line flag.
func (f Filter) String() string {
	if f.Kind == FilterInclude {
		return fmt.Sprintf("--include %q", f.Pattern)
	}
	return fmt.Sprintf("--exclude %q", f.Pattern)
}

// Matches reports whether rel matches the rule's pattern.
func (f Filter) Matches(rel string) bool {
	re := f.re
	if re == nil {
		re = compileWildcard(f.Pattern)
	}
	return re.MatchString(rel)
}

// Filters is an ordered rule list. Every path starts included and the last
// matching rule decides.
type Filters []Filter

// Allows reports whether rel survives the rules.
func (fs Filters) Allows(rel string) bool {
	allowed := true
	for _, f := range fs {
		if f.Matches(rel) {
			allowed = f.Kind == FilterInclude
		}
	}
	return allowed
}

// String renders the rules in order.
func (fs Filters) String() string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.String()
	}
	return strings.Join(parts, " ")
}

// compileWildcard translates *, ? and [...] into an anchored expression.
func compileWildcard(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '[':
			end := strings.IndexByte(pattern[i+1:], ']')
			if end < 0 {
				sb.WriteString(regexp.QuoteMeta("["))
				continue
			}
			class := pattern[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			sb.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i += end + 1
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return regexp.MustCompile("^" + regexp.QuoteMeta(pattern) + "$")
	}
	return re
}
