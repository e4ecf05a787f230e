package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/davidahmann/sessiongate/core/audit"
	coreerrors "github.com/davidahmann/sessiongate/core/errors"
	"github.com/davidahmann/sessiongate/core/storage"
)

type validateOutput struct {
	OK            bool     `json:"ok"`
	Backend       string   `json:"backend,omitempty"`
	Path          string   `json:"path,omitempty"`
	SchemaVersion string   `json:"schema_version,omitempty"`
	Digest        string   `json:"digest,omitempty"`
	Sessions      int      `json:"sessions"`
	AuditVerified []string `json:"audit_verified,omitempty"`
}

// runValidate loads the configured store, which verifies schema and digest, and
// optionally checks the audit chain of selected sessions.
func runValidate(arguments []string, stdout io.Writer) int {
	flagSet := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var configPath string
	var backend string
	var storePath string
	var storeFormat string
	var auditRoot string
	var auditSessions []string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file")
	flagSet.StringVar(&backend, "store-backend", "", "storage backend: file or sqlite")
	flagSet.StringVar(&storePath, "store-path", "", "path of the session collection")
	flagSet.StringVar(&storeFormat, "store-format", "", "file backend codec: json or cbor")
	flagSet.StringVar(&auditRoot, "audit-root", "", "directory of per-session audit journals")
	flagSet.StringSliceVar(&auditSessions, "audit-session", nil, "session ids whose audit chain should be verified")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeCommandError(stdout, jsonOutput, invalidInput("%v", err), exitInvalidInput)
	}

	configuration, err := loadConfig(configPath)
	if err != nil {
		return writeCommandError(stdout, jsonOutput, invalidInput("%v", err), exitInvalidInput)
	}
	if flagSet.Changed("store-backend") {
		configuration.Store.Backend = strings.ToLower(strings.TrimSpace(backend))
	}
	if flagSet.Changed("store-path") {
		configuration.Store.Path = strings.TrimSpace(storePath)
	}
	if flagSet.Changed("store-format") {
		configuration.Store.Format = strings.ToLower(strings.TrimSpace(storeFormat))
	}
	if flagSet.Changed("audit-root") {
		configuration.Audit.Root = strings.TrimSpace(auditRoot)
	}
	if configuration.Store.Backend == storage.BackendMemory {
		return writeCommandError(stdout, jsonOutput, invalidInput("the memory backend has nothing to validate"), exitInvalidInput)
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, configuration.Store.StorageConfig())
	if err != nil {
		return writeCommandError(stdout, jsonOutput, invalidInput("%v", err), exitInvalidInput)
	}
	defer func() {
		_ = store.Close()
	}()
	collection, err := store.Load(ctx)
	if err != nil {
		return writeCommandError(stdout, jsonOutput, coreerrors.Wrap(err, coreerrors.CategoryStateConflict, "store_invalid", "restore the store from a known-good copy", false), exitVerifyFailed)
	}

	output := validateOutput{
		OK:            true,
		Backend:       configuration.Store.Backend,
		Path:          configuration.Store.Path,
		SchemaVersion: collection.SchemaVersion,
		Digest:        collection.Digest,
		Sessions:      len(collection.Sessions),
	}
	sessionIDs := trimmedNonEmpty(auditSessions)
	if len(sessionIDs) > 0 {
		journal, err := audit.NewJournal(configuration.Audit.Root)
		if err != nil {
			return writeCommandError(stdout, jsonOutput, err, exitInternalFailure)
		}
		for _, sessionID := range sessionIDs {
			if err := journal.Verify(sessionID); err != nil {
				return writeCommandError(stdout, jsonOutput, coreerrors.Wrap(fmt.Errorf("audit %s: %w", sessionID, err), coreerrors.CategoryStateConflict, "audit_chain_invalid", "", false), exitVerifyFailed)
			}
			output.AuditVerified = append(output.AuditVerified, sessionID)
		}
	}

	if jsonOutput {
		return writeJSONOutput(stdout, output, exitOK)
	}
	fmt.Fprintf(stdout, "validate: ok backend=%s sessions=%d digest=%s\n", output.Backend, output.Sessions, output.Digest)
	for _, sessionID := range output.AuditVerified {
		fmt.Fprintf(stdout, "audit: ok session=%s\n", sessionID)
	}
	return exitOK
}
