package pathpolicy

import (
	"errors"
	"strings"
	"testing"
)

func TestEvaluateDefaultPolicy(t *testing.T) {
	policy := Default()
	cases := []struct {
		name     string
		path     string
		opts     Options
		allowed  bool
		reason   string
		resolved string
	}{
		{name: "docs_file", path: "docs/readme.md", allowed: true, resolved: "docs/readme.md"},
		{name: "readme_exact", path: "README.md", allowed: true, resolved: "README.md"},
		{name: "repo_meta", path: ".repo/session.yaml", allowed: true, resolved: ".repo/session.yaml"},
		{name: "forbidden_manifest", path: "package.json", reason: ReasonForbidden, resolved: "package.json"},
		{name: "forbidden_override", path: "package.json", opts: Options{AllowForbidden: true}, reason: ReasonNotAllowed, resolved: "package.json"},
		{name: "not_allowed", path: "random/file.txt", reason: ReasonNotAllowed, resolved: "random/file.txt"},
		{name: "workflow", path: ".github/workflows/ci.yml", reason: ReasonForbidden, resolved: ".github/workflows/ci.yml"},
		{name: "dot_slash", path: "./docs/guide.md", allowed: true, resolved: "docs/guide.md"},
		{name: "backslashes", path: "docs\\nested\\guide.md", allowed: true, resolved: "docs/nested/guide.md"},
		{name: "double_slash", path: "docs//guide.md", allowed: true, resolved: "docs/guide.md"},
		{name: "prefix_needs_separator", path: "docsx/guide.md", reason: ReasonNotAllowed, resolved: "docsx/guide.md"},
		{name: "readme_is_exact_only", path: "README.md.bak", reason: ReasonNotAllowed, resolved: "README.md.bak"},
		{name: "empty", path: "", reason: ReasonInvalid, resolved: ""},
		{name: "root", path: "/", reason: ReasonInvalid, resolved: "/"},
		{name: "absolute", path: "/docs/guide.md", reason: ReasonInvalid, resolved: "/docs/guide.md"},
		{name: "traversal", path: "docs/../package.json", reason: ReasonInvalid, resolved: "docs/../package.json"},
		{name: "drive", path: "C:\\docs\\x.md", reason: ReasonInvalid, resolved: "C:\\docs\\x.md"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			decision := policy.Evaluate(testCase.path, testCase.opts)
			if decision.Allowed != testCase.allowed {
				t.Fatalf("expected allowed=%t got %#v", testCase.allowed, decision)
			}
			if decision.Reason != testCase.reason {
				t.Fatalf("expected reason %q got %q", testCase.reason, decision.Reason)
			}
			if decision.Path != testCase.resolved {
				t.Fatalf("expected path %q got %q", testCase.resolved, decision.Path)
			}
		})
	}
}

func TestAssertAllowedOverrideOnAllowedForbiddenPath(t *testing.T) {
	policy, err := New([]string{"docs/", "package.json"}, []string{"package.json"})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	err = policy.AssertAllowed("package.json", Options{})
	if !errors.Is(err, ErrPathViolation) {
		t.Fatalf("expected violation, got %v", err)
	}
	var violation *Violation
	if !errors.As(err, &violation) || violation.Reason != ReasonForbidden {
		t.Fatalf("expected forbidden violation, got %#v", err)
	}
	if err := policy.AssertAllowed("package.json", Options{AllowForbidden: true}); err != nil {
		t.Fatalf("expected override to allow path, got %v", err)
	}
}

func TestDefaultPolicyOverrideStillRequiresAllowList(t *testing.T) {
	err := Default().AssertAllowed("package.json", Options{AllowForbidden: true})
	var violation *Violation
	if !errors.As(err, &violation) || violation.Reason != ReasonNotAllowed {
		t.Fatalf("expected not-allowed violation, got %v", err)
	}
}

func TestAssertAllFailsClosedOnSinglePath(t *testing.T) {
	policy := Default()
	if err := policy.AssertAll([]string{"docs/a.md", "README.md"}, Options{}); err != nil {
		t.Fatalf("expected batch to pass: %v", err)
	}
	err := policy.AssertAll([]string{"docs/a.md", "package.json", "src/main.go"}, Options{})
	if err == nil {
		t.Fatalf("expected batch violation")
	}
	if !errors.Is(err, ErrPathViolation) {
		t.Fatalf("expected ErrPathViolation, got %v", err)
	}
	message := err.Error()
	if !strings.Contains(message, `"package.json" is forbidden`) || !strings.Contains(message, `"src/main.go" is not allowed`) {
		t.Fatalf("expected every offending path in message, got %q", message)
	}
	if strings.Contains(message, "docs/a.md") {
		t.Fatalf("allowed path must not be reported: %q", message)
	}
}

func TestNewNormalizesEntries(t *testing.T) {
	policy, err := New([]string{" ./docs/ ", "docs/", "README.md", ""}, []string{".github\\workflows\\"})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	allowed := policy.Allowed()
	if len(allowed) != 2 || allowed[0] != "README.md" || allowed[1] != "docs/" {
		t.Fatalf("unexpected allowed entries: %v", allowed)
	}
	forbidden := policy.Forbidden()
	if len(forbidden) != 1 || forbidden[0] != ".github/workflows/" {
		t.Fatalf("unexpected forbidden entries: %v", forbidden)
	}
	if _, err := New(nil, nil); err == nil {
		t.Fatalf("expected empty allow list to be rejected")
	}
	if _, err := New([]string{"../escape/"}, nil); err == nil {
		t.Fatalf("expected traversal entry to be rejected")
	}
}

func TestDigestStableAcrossEntryOrder(t *testing.T) {
	first, err := New([]string{"docs/", "README.md"}, []string{"go.sum", "package.json"})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	second, err := New([]string{"README.md", "docs/"}, []string{"package.json", "go.sum"})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	firstDigest, err := first.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	secondDigest, err := second.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if firstDigest != secondDigest {
		t.Fatalf("expected equal digests, got %s and %s", firstDigest, secondDigest)
	}
	defaultDigest, err := Default().Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if defaultDigest == firstDigest {
		t.Fatalf("expected different policies to have different digests")
	}
}
