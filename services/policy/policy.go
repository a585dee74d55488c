package policy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Global rules apply to every handler in addition to its own.
const Global = "global"

// Fields a rule may constrain.
const (
	FieldName   = "name"
	FieldBranch = "branch"
)

// File is the on-disk layout: handler name, then artifact type, then lists.
type File map[string]map[string]Lists

// Lists holds the raw rules for one handler and artifact type.
type Lists struct {
	Whitelist []map[string]string `yaml:"whitelist"`
	Blacklist []map[string]string `yaml:"blacklist"`
}

type rule map[string]*regexp.Regexp

func (r rule) matches(values map[string]string) bool {
	for field, re := range r {
		if !re.MatchString(values[field]) {
			return false
		}
	}
	return true
}

type lists struct {
	white []rule
	black []rule
}

// Filter decides whether a candidate artifact may be rebuilt.
type Filter struct {
	rules map[string]map[string]lists
}

// Load parses a policy document. An empty document allows everything.
func Load(r io.Reader) (*Filter, error) {
	var f File
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return Compile(f)
}

// LoadFile reads the policy at path. An empty path yields an allow-all filter.
func LoadFile(path string) (*Filter, error) {
	if path == "" {
		return &Filter{}, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	flt, err := Load(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return flt, nil
}

// Compile validates f and compiles its expressions.
func Compile(f File) (*Filter, error) {
	out := &Filter{rules: make(map[string]map[string]lists, len(f))}
	for _, handler := range sortedKeys(f) {
		byType := make(map[string]lists, len(f[handler]))
		for _, typ := range sortedKeys(f[handler]) {
			raw := f[handler][typ]
			white, err := compileRules(raw.Whitelist)
			if err != nil {
				return nil, fmt.Errorf("%s.%s.whitelist: %w", handler, typ, err)
			}
			black, err := compileRules(raw.Blacklist)
			if err != nil {
				return nil, fmt.Errorf("%s.%s.blacklist: %w", handler, typ, err)
			}
			byType[typ] = lists{white: white, black: black}
		}
		out.rules[handler] = byType
	}
	return out, nil
}

func compileRules(raw []map[string]string) ([]rule, error) {
	rules := make([]rule, 0, len(raw))
	for i, fields := range raw {
		if len(fields) == 0 {
			return nil, fmt.Errorf("rule %d is empty", i)
		}
		r := make(rule, len(fields))
		for field, expr := range fields {
			if field != FieldName && field != FieldBranch {
				return nil, fmt.Errorf("rule %d: unknown field %q", i, field)
			}
			re, err := regexp.Compile(`^(?:` + expr + `)$`)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %s: %w", i, field, err)
			}
			r[field] = re
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Allowed reports whether handler may rebuild the artifact name on branch.
func (f *Filter) Allowed(handler, artifactType, name, branch string) bool {
	if f == nil {
		return true
	}
	values := map[string]string{FieldName: name, FieldBranch: branch}

	var white, black []rule
	for _, h := range []string{Global, handler} {
		l := f.rules[h][artifactType]
		white = append(white, l.white...)
		black = append(black, l.black...)
	}

	for _, r := range black {
		if r.matches(values) {
			return false
		}
	}
	if len(white) == 0 {
		return true
	}
	for _, r := range white {
		if r.matches(values) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
