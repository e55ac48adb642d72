// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rules evaluates assignment rule patterns against message text.
//
// Patterns are PCRE-flavoured (they are administered by people who write them
// for a PHP-era admin screen), so they are compiled with regexp2 rather than
// the RE2 engine in the standard library. Matching is always case-insensitive,
// and a pattern that fails to compile or times out simply never matches.
package rules

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/bcem/ticketing/internal/models"
)

// DefaultMatchTimeout bounds a single pattern evaluation.
const DefaultMatchTimeout = 100 * time.Millisecond

// Match is the result of a successful rule evaluation.
type Match struct {
	// Captures holds the whole match at index 0 followed by every capture
	// group, named or not, in the order the groups open in the pattern.
	Captures []string
	// Named holds named groups, if the pattern declares any.
	Named map[string]string
}

// Code returns capture group 1, the primary code of a rule, or "".
func (m Match) Code() string {
	if len(m.Captures) < 2 {
		return ""
	}
	return m.Captures[1]
}

// compiled is a cache entry: either a usable regexp or the compile error.
type compiled struct {
	re     *regexp2.Regexp
	groups []group
	err    error
}

// Matcher compiles and caches rule patterns. Safe for concurrent use.
type Matcher struct {
	logger  *slog.Logger
	timeout time.Duration

	mu    sync.RWMutex
	cache map[string]compiled
}

// NewMatcher creates a matcher. A nil logger falls back to slog.Default().
func NewMatcher(logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{
		logger:  logger,
		timeout: DefaultMatchTimeout,
		cache:   make(map[string]compiled),
	}
}

// Match evaluates rule against text. It returns false for a non-match and for
// any pattern that cannot be compiled or evaluated.
func (m *Matcher) Match(rule models.AssignmentRule, text string) (Match, bool) {
	c := m.entry(rule.Pattern)
	if c.err != nil {
		return Match{}, false
	}

	found, err := c.re.FindStringMatch(text)
	if err != nil {
		m.logger.Warn("rule pattern evaluation failed",
			"rule", rule.Name,
			"rule_id", rule.ID,
			"error", err,
		)
		return Match{}, false
	}
	if found == nil {
		return Match{}, false
	}

	out := Match{Captures: []string{found.String()}}
	for _, g := range c.groups {
		var value string
		if mg := g.lookup(found); mg != nil {
			value = mg.String()
		}
		out.Captures = append(out.Captures, value)
		if g.name != "" {
			if out.Named == nil {
				out.Named = make(map[string]string)
			}
			out.Named[g.name] = value
		}
	}
	return out, true
}

// Valid reports whether the rule's pattern compiles.
func (m *Matcher) Valid(rule models.AssignmentRule) error {
	return m.entry(rule.Pattern).err
}

func (m *Matcher) entry(pattern string) compiled {
	m.mu.RLock()
	c, ok := m.cache[pattern]
	m.mu.RUnlock()
	if ok {
		return c
	}

	c.re, c.groups, c.err = compile(pattern)
	if c.err == nil {
		c.re.MatchTimeout = m.timeout
	} else {
		// Logged once per distinct pattern; the cache remembers the failure.
		m.logger.Warn("invalid assignment rule pattern", "pattern", pattern, "error", c.err)
	}

	m.mu.Lock()
	m.cache[pattern] = c
	m.mu.Unlock()
	return c
}

// Compile turns a stored pattern into a case-insensitive regexp. Patterns may
// be bare ("(?:REF|CAMP)-(\w+)") or delimited with trailing flags ("/…/i").
// PCRE's (?P<name>…) and (?P=name) spellings are accepted.
func Compile(pattern string) (*regexp2.Regexp, error) {
	re, _, err := compile(pattern)
	return re, err
}

func compile(pattern string) (*regexp2.Regexp, []group, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil, fmt.Errorf("empty pattern")
	}

	expr, opts, err := splitDelimited(pattern)
	if err != nil {
		return nil, nil, err
	}
	expr, groups := scanGroups(expr)

	re, err := regexp2.Compile(expr, opts|regexp2.IgnoreCase)
	if err != nil {
		return nil, nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	return re, groups, nil
}

// group is a capture group in pattern order. Unnamed groups carry their
// number; regexp2 numbers them before any named group.
type group struct {
	name   string
	number int
}

func (g group) lookup(m *regexp2.Match) *regexp2.Group {
	if g.name != "" {
		return m.GroupByName(g.name)
	}
	return m.GroupByNumber(g.number)
}

// scanGroups lists the capture groups of expr in the order they open and
// rewrites the PCRE-only (?P<name>…) and (?P=name) forms to regexp2 syntax.
func scanGroups(expr string) (string, []group) {
	var (
		b       strings.Builder
		groups  []group
		named   = make(map[string]bool)
		unnamed int
		inClass bool
	)
	addNamed := func(rest string, end byte) {
		i := strings.IndexByte(rest, end)
		if i <= 0 || named[rest[:i]] {
			return
		}
		named[rest[:i]] = true
		groups = append(groups, group{name: rest[:i]})
	}

	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c == '\\':
			b.WriteByte(c)
			if i+1 < len(expr) {
				i++
				b.WriteByte(expr[i])
			}
			continue
		case inClass:
			if c == ']' {
				inClass = false
			}
		case c == '[':
			inClass = true
			b.WriteByte(c)
			// A ']' right after the opening bracket (or its '^') is literal.
			j := i + 1
			if j < len(expr) && expr[j] == '^' {
				j++
			}
			if j < len(expr) && expr[j] == ']' {
				j++
			}
			b.WriteString(expr[i+1 : j])
			i = j - 1
			continue
		case c == '(':
			rest := expr[i+1:]
			switch {
			case !strings.HasPrefix(rest, "?"):
				unnamed++
				groups = append(groups, group{number: unnamed})
			case strings.HasPrefix(rest, "?P<"):
				addNamed(rest[3:], '>')
				b.WriteString("(?<")
				i += 3
				continue
			case strings.HasPrefix(rest, "?P="):
				if end := strings.IndexByte(rest, ')'); end > 3 {
					b.WriteString(`\k<` + rest[3:end] + ">")
					i += end + 1
					continue
				}
			case strings.HasPrefix(rest, "?<") && len(rest) > 2 && rest[2] != '=' && rest[2] != '!':
				addNamed(rest[2:], '>')
			case strings.HasPrefix(rest, "?'"):
				addNamed(rest[2:], '\'')
			case strings.HasPrefix(rest, "?#"):
				if end := strings.IndexByte(rest, ')'); end >= 0 {
					b.WriteString(expr[i : i+end+2])
					i += end + 1
					continue
				}
			}
		}
		b.WriteByte(c)
	}
	return b.String(), groups
}

// splitDelimited strips PHP-style delimiters and converts trailing flags.
func splitDelimited(pattern string) (string, regexp2.RegexOptions, error) {
	if len(pattern) < 2 || pattern[0] != '/' {
		return pattern, regexp2.None, nil
	}

	end := strings.LastIndexByte(pattern, '/')
	if end == 0 {
		// A lone leading slash is part of the expression.
		return pattern, regexp2.None, nil
	}

	opts := regexp2.None
	for _, flag := range pattern[end+1:] {
		switch flag {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			opts |= regexp2.Singleline
		case 'x':
			opts |= regexp2.IgnorePatternWhitespace
		case 'u':
			// Input is already UTF-8.
		default:
			return "", regexp2.None, fmt.Errorf("unsupported pattern flag %q in %q", flag, pattern)
		}
	}
	return pattern[1:end], opts, nil
}
