package projectconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/sessiongate/core/pathpolicy"
	"github.com/davidahmann/sessiongate/core/storage"
)

func TestLoadAllowMissing(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "missing.yaml")

	configuration, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load allow missing: %v", err)
	}
	if configuration.Store.Backend != storage.BackendFile || configuration.Store.Path != defaultStorePath {
		t.Fatalf("expected default store, got %#v", configuration.Store)
	}
	timeout, err := configuration.Store.Timeout()
	if err != nil || timeout != 10*time.Second {
		t.Fatalf("expected 10s default write timeout, got %s err=%v", timeout, err)
	}
	if !configuration.Audit.IsEnabled() {
		t.Fatalf("expected audit enabled by default")
	}
}

func TestLoadMissingRequired(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "missing.yaml")

	if _, err := Load(path, false); err == nil {
		t.Fatal("expected missing required config error")
	}
	if _, err := Load("  ", true); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "config.yaml")
	content := []byte(`
store:
  backend: " SQLite "
  path: " ./state/sessions.db "
  format: " CBOR "
  write_timeout: " 2s "
path_policy:
  allowed:
    - " docs/ "
    - "notes/"
  forbidden:
    - " docs/private/ "
server:
  listen: " 0.0.0.0:9090 "
  admin_token_env: " GATE_ADMIN "
  max_request_bytes: 4096
log:
  level: " DEBUG "
  format: " JSON "
audit:
  enabled: false
  root: " ./state/audit "
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	configuration, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load parse: %v", err)
	}
	if configuration.Store.Backend != storage.BackendSQLite {
		t.Fatalf("unexpected backend %q", configuration.Store.Backend)
	}
	if configuration.Store.Path != "./state/sessions.db" {
		t.Fatalf("unexpected store path %q", configuration.Store.Path)
	}
	if configuration.Store.Format != storage.FormatCBOR {
		t.Fatalf("unexpected format %q", configuration.Store.Format)
	}
	timeout, err := configuration.Store.Timeout()
	if err != nil || timeout != 2*time.Second {
		t.Fatalf("unexpected write timeout %s err=%v", timeout, err)
	}
	if configuration.Server.Listen != "0.0.0.0:9090" || configuration.Server.AdminTokenEnv != "GATE_ADMIN" {
		t.Fatalf("unexpected server config %#v", configuration.Server)
	}
	if configuration.Server.MaxRequestBytes != 4096 {
		t.Fatalf("unexpected max_request_bytes %d", configuration.Server.MaxRequestBytes)
	}
	if configuration.Log.Level != "debug" || configuration.Log.Format != "json" {
		t.Fatalf("unexpected log config %#v", configuration.Log)
	}
	if configuration.Audit.IsEnabled() || configuration.Audit.Root != "./state/audit" {
		t.Fatalf("unexpected audit config %#v", configuration.Audit)
	}

	policy, err := configuration.PathPolicy.Policy()
	if err != nil {
		t.Fatalf("build policy: %v", err)
	}
	if !policy.Evaluate("notes/today.md", pathpolicy.Options{}).Allowed {
		t.Fatalf("expected configured allow entry to apply")
	}
	if policy.Evaluate("docs/private/key.md", pathpolicy.Options{}).Allowed {
		t.Fatalf("expected configured forbid entry to apply")
	}
	if policy.Evaluate("README.md", pathpolicy.Options{}).Allowed {
		t.Fatalf("configured allow list replaces the defaults")
	}
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("\n  \n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	configuration, err := Load(path, false)
	if err != nil {
		t.Fatalf("Load empty: %v", err)
	}
	defaults := Defaults()
	if configuration.Server != defaults.Server || configuration.Store != defaults.Store || configuration.Log != defaults.Log {
		t.Fatalf("expected defaults, got %#v", configuration)
	}
	policy, err := configuration.PathPolicy.Policy()
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	if !policy.Evaluate("README.md", pathpolicy.Options{}).Allowed {
		t.Fatalf("expected default allow list")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
		message string
	}{
		{name: "backend", content: "store:\n  backend: postgres\n", message: "store.backend"},
		{name: "format", content: "store:\n  format: xml\n", message: "store.format"},
		{name: "timeout", content: "store:\n  write_timeout: soon\n", message: "store.write_timeout"},
		{name: "negative_timeout", content: "store:\n  write_timeout: -1s\n", message: "store.write_timeout"},
		{name: "log_level", content: "log:\n  level: loud\n", message: "log.level"},
		{name: "policy_entry", content: "path_policy:\n  allowed:\n    - ../escape\n", message: "path_policy"},
		{name: "yaml", content: "store: [\n", message: "parse project config"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(testCase.content), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, err := Load(path, false)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
