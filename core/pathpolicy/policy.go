package pathpolicy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/davidahmann/sessiongate/core/jcs"
)

const (
	ReasonForbidden  = "forbidden"
	ReasonNotAllowed = "not allowed"
	ReasonInvalid    = "invalid path"
)

var ErrPathViolation = errors.New("path policy violation")

var (
	DefaultAllowedPrefixes = []string{
		"docs/",
		".repo/",
		"README.md",
	}
	DefaultForbiddenPrefixes = []string{
		".github/workflows/",
		"package.json",
		"package-lock.json",
		"yarn.lock",
		"pnpm-lock.yaml",
		"go.sum",
	}
)

type Options struct {
	AllowForbidden bool
}

type Decision struct {
	Path    string `json:"path"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Violation is a rejected path. It matches ErrPathViolation under errors.Is.
type Violation struct {
	Path   string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %q is %s", ErrPathViolation.Error(), v.Path, v.Reason)
}

func (v *Violation) Is(target error) bool {
	return target == ErrPathViolation
}

// Policy holds normalized allow and forbid lists. Entries ending in "/" match as
// directory prefixes, all other entries match exactly.
type Policy struct {
	allowed   []string
	forbidden []string
}

func Default() Policy {
	policy, err := New(DefaultAllowedPrefixes, DefaultForbiddenPrefixes)
	if err != nil {
		panic("pathpolicy: default lists are invalid: " + err.Error())
	}
	return policy
}

func New(allowed []string, forbidden []string) (Policy, error) {
	normalizedAllowed, err := normalizeEntries(allowed)
	if err != nil {
		return Policy{}, fmt.Errorf("allowed prefixes: %w", err)
	}
	normalizedForbidden, err := normalizeEntries(forbidden)
	if err != nil {
		return Policy{}, fmt.Errorf("forbidden prefixes: %w", err)
	}
	if len(normalizedAllowed) == 0 {
		return Policy{}, fmt.Errorf("allowed prefixes: at least one entry is required")
	}
	return Policy{allowed: normalizedAllowed, forbidden: normalizedForbidden}, nil
}

func (p Policy) Allowed() []string {
	return append([]string{}, p.allowed...)
}

func (p Policy) Forbidden() []string {
	return append([]string{}, p.forbidden...)
}

// Evaluate applies the forbid list first (unless overridden) and then the allow list.
// Anything not explicitly allowed is rejected.
func (p Policy) Evaluate(path string, opts Options) Decision {
	normalized, ok := Normalize(path)
	if !ok {
		return Decision{Path: path, Allowed: false, Reason: ReasonInvalid}
	}
	if !opts.AllowForbidden && matchesAny(p.forbidden, normalized) {
		return Decision{Path: normalized, Allowed: false, Reason: ReasonForbidden}
	}
	if !matchesAny(p.allowed, normalized) {
		return Decision{Path: normalized, Allowed: false, Reason: ReasonNotAllowed}
	}
	return Decision{Path: normalized, Allowed: true}
}

func (p Policy) AssertAllowed(path string, opts Options) error {
	decision := p.Evaluate(path, opts)
	if decision.Allowed {
		return nil
	}
	return &Violation{Path: decision.Path, Reason: decision.Reason}
}

// AssertAll checks every path and rejects the batch if any single path is rejected.
// The returned error joins one Violation per offending path.
func (p Policy) AssertAll(paths []string, opts Options) error {
	violations := []error{}
	for _, path := range paths {
		if err := p.AssertAllowed(path, opts); err != nil {
			violations = append(violations, err)
		}
	}
	if len(violations) == 0 {
		return nil
	}
	return errors.Join(violations...)
}

func (p Policy) Digest() (string, error) {
	return jcs.DigestValue(struct {
		Allowed   []string `json:"allowed"`
		Forbidden []string `json:"forbidden"`
	}{
		Allowed:   p.allowed,
		Forbidden: p.forbidden,
	})
}

// Normalize converts separators to "/", drops leading "./" segments and repeated
// slashes. It reports false for empty, rooted, or parent-traversing paths.
func Normalize(path string) (string, bool) {
	value := strings.ReplaceAll(strings.TrimSpace(path), "\\", "/")
	for strings.Contains(value, "//") {
		value = strings.ReplaceAll(value, "//", "/")
	}
	for strings.HasPrefix(value, "./") {
		value = strings.TrimPrefix(value, "./")
	}
	if value == "" || value == "." || strings.HasPrefix(value, "/") {
		return "", false
	}
	if len(value) >= 2 && value[1] == ':' {
		return "", false
	}
	for _, segment := range strings.Split(value, "/") {
		if segment == ".." {
			return "", false
		}
	}
	return value, true
}

func matchesAny(entries []string, path string) bool {
	for _, entry := range entries {
		if strings.HasSuffix(entry, "/") {
			if strings.HasPrefix(path, entry) {
				return true
			}
			continue
		}
		if path == entry {
			return true
		}
	}
	return false
}

func normalizeEntries(entries []string) ([]string, error) {
	seen := map[string]struct{}{}
	normalized := make([]string, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		directory := strings.HasSuffix(strings.ReplaceAll(trimmed, "\\", "/"), "/")
		value, ok := Normalize(strings.TrimRight(trimmed, "/\\"))
		if !ok {
			return nil, fmt.Errorf("invalid entry %q", entry)
		}
		if directory {
			value += "/"
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		normalized = append(normalized, value)
	}
	sort.Strings(normalized)
	return normalized, nil
}
