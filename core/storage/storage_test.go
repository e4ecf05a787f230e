package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	schemasession "github.com/davidahmann/sessiongate/core/schema/v1/session"
	"github.com/davidahmann/sessiongate/core/statemachine"
)

func sampleCollection() schemasession.Collection {
	createdAt := time.Date(2026, time.March, 1, 9, 0, 0, 123456789, time.UTC)
	endedAt := createdAt.Add(2 * time.Second)
	collection := schemasession.NewCollection()
	collection.Sessions["s1"] = schemasession.Session{
		ID:     "s1",
		UserID: "u1",
		Repo:   schemasession.RepoBinding{Owner: "acme", Name: "docs", BaseBranch: "main"},
		Goal:   "refresh the guide",
		State:  statemachine.StatePreviewReady,
		Steps: []schemasession.Step{{
			ID:        "st1",
			SessionID: "s1",
			Type:      schemasession.StepTypePlan,
			Status:    schemasession.StepStatusSucceeded,
			StartedAt: createdAt.Add(time.Second),
			EndedAt:   &endedAt,
			Meta:      map[string]any{"summary": "two files", "files": []any{"docs/a.md", "docs/b.md"}},
		}},
		PreviewID: "p1",
		Changes:   []schemasession.FileChange{{Path: "docs/a.md", Operation: schemasession.ChangeOperationUpdate}},
		Revision:  3,
		CreatedAt: createdAt,
		UpdatedAt: createdAt.Add(3 * time.Second),
	}
	collection.Sessions["s2"] = schemasession.Session{
		ID:        "s2",
		UserID:    "u2",
		Repo:      schemasession.RepoBinding{Owner: "acme", Name: "site", BaseBranch: "develop"},
		Goal:      "fix typo",
		State:     statemachine.StateCreated,
		Steps:     []schemasession.Step{},
		Revision:  1,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	return collection
}

func assertSameSessions(t *testing.T, expected schemasession.Collection, actual schemasession.Collection) {
	t.Helper()
	expectedDigest, err := Digest(expected.Sessions)
	if err != nil {
		t.Fatalf("digest expected: %v", err)
	}
	if actual.Digest != expectedDigest {
		t.Fatalf("digest mismatch: expected %s got %s", expectedDigest, actual.Digest)
	}
	if len(actual.Sessions) != len(expected.Sessions) {
		t.Fatalf("expected %d sessions, got %d", len(expected.Sessions), len(actual.Sessions))
	}
	loaded := actual.Sessions["s1"]
	if loaded.State != statemachine.StatePreviewReady || loaded.PreviewID != "p1" || len(loaded.Steps) != 1 {
		t.Fatalf("unexpected loaded session: %#v", loaded)
	}
	if !loaded.Steps[0].StartedAt.Equal(expected.Sessions["s1"].Steps[0].StartedAt) {
		t.Fatalf("timestamp precision lost: %s", loaded.Steps[0].StartedAt)
	}
}

func TestFileRoundTripFormats(t *testing.T) {
	for _, format := range []string{FormatJSON, FormatCBOR} {
		t.Run(format, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state", "sessions."+format)
			store, err := NewFile(path, format)
			if err != nil {
				t.Fatalf("new file storage: %v", err)
			}
			if store.Format() != format || store.Path() != path {
				t.Fatalf("unexpected storage identity: %s %s", store.Format(), store.Path())
			}
			empty, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("load missing: %v", err)
			}
			if len(empty.Sessions) != 0 || empty.SchemaID != schemasession.CollectionSchemaID {
				t.Fatalf("expected empty collection, got %#v", empty)
			}
			expected := sampleCollection()
			if err := store.Save(ctx, expected); err != nil {
				t.Fatalf("save: %v", err)
			}
			loaded, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			assertSameSessions(t, expected, loaded)
			if err := store.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
		})
	}
}

func TestFileLoadDetectsTampering(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewFile(path, FormatJSON)
	if err != nil {
		t.Fatalf("new file storage: %v", err)
	}
	if err := store.Save(ctx, sampleCollection()); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(raw), "fix typo", "fix typos", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatalf("write tampered: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for digest mismatch, got %v", err)
	}

	invalidState := strings.Replace(string(raw), `"state": "created"`, `"state": "archived"`, 1)
	if err := os.WriteFile(path, []byte(invalidState), 0o600); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for schema violation, got %v", err)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for malformed file, got %v", err)
	}
}

func TestFileSaveHonorsCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewFile(path, "")
	if err != nil {
		t.Fatalf("new file storage: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Save(ctx, sampleCollection()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("cancelled save must not write, stat err=%v", err)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	empty, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(empty.Sessions) != 0 {
		t.Fatalf("expected empty collection")
	}
	expected := sampleCollection()
	if err := store.Save(ctx, expected); err != nil {
		t.Fatalf("save: %v", err)
	}
	delete(expected.Sessions, "s2")
	if err := store.Save(ctx, expected); err != nil {
		t.Fatalf("save after delete: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer func() {
		_ = reopened.Close()
	}()
	loaded, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := loaded.Sessions["s2"]; ok {
		t.Fatalf("deleted session must not survive a full rewrite")
	}
	if loaded.Digest == "" || loaded.UpdatedAt.IsZero() {
		t.Fatalf("expected collection meta to be restored: %#v", loaded)
	}
	record := loaded.Sessions["s1"]
	if record.Goal != "refresh the guide" || len(record.Changes) != 1 {
		t.Fatalf("unexpected session: %#v", record)
	}
}

func TestMemoryStorageCopiesState(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	collection := sampleCollection()
	if err := store.Save(ctx, collection); err != nil {
		t.Fatalf("save: %v", err)
	}
	collection.Sessions["s1"].Steps[0].Meta["summary"] = "mutated"
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Sessions["s1"].Steps[0].Meta["summary"] != "two files" {
		t.Fatalf("memory storage aliased caller state")
	}
	if store.Saves() != 1 {
		t.Fatalf("expected one save, got %d", store.Saves())
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()
	cases := []struct {
		config  Config
		wantErr bool
	}{
		{config: Config{Path: filepath.Join(workDir, "a.json")}},
		{config: Config{Backend: "FILE", Path: filepath.Join(workDir, "b.cbor"), Format: "cbor"}},
		{config: Config{Backend: BackendSQLite, Path: filepath.Join(workDir, "c.db")}},
		{config: Config{Backend: BackendMemory}},
		{config: Config{Backend: BackendFile}, wantErr: true},
		{config: Config{Backend: BackendFile, Path: filepath.Join(workDir, "d.xml"), Format: "xml"}, wantErr: true},
		{config: Config{Backend: "etcd"}, wantErr: true},
	}
	for index, testCase := range cases {
		store, err := Open(ctx, testCase.config)
		if testCase.wantErr {
			if !errors.Is(err, ErrUnsupported) {
				t.Fatalf("case %d: expected ErrUnsupported, got %v", index, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("case %d: open: %v", index, err)
		}
		_ = store.Close()
	}
}

func TestSealStampsIdentity(t *testing.T) {
	now := time.Date(2026, time.March, 2, 0, 0, 0, 0, time.FixedZone("x", 3600))
	sealed, err := Seal(schemasession.Collection{}, now)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed.SchemaID != schemasession.CollectionSchemaID || sealed.Sessions == nil {
		t.Fatalf("unexpected sealed collection: %#v", sealed)
	}
	if sealed.UpdatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC updated_at")
	}
	if err := Verify(sealed); err != nil {
		t.Fatalf("verify sealed: %v", err)
	}
	sealed.Sessions["x"] = schemasession.Session{ID: "y"}
	if err := Verify(sealed); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
