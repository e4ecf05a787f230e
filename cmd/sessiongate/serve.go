package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/davidahmann/sessiongate/core/audit"
	"github.com/davidahmann/sessiongate/core/killswitch"
	"github.com/davidahmann/sessiongate/core/projectconfig"
	"github.com/davidahmann/sessiongate/core/sessions"
	"github.com/davidahmann/sessiongate/core/storage"
)

const shutdownGrace = 15 * time.Second

type serveFlags struct {
	configPath      string
	listen          string
	storeBackend    string
	storePath       string
	storeFormat     string
	writeTimeout    string
	auditRoot       string
	noAudit         bool
	adminTokenEnv   string
	maxRequestBytes int64
	logLevel        string
	logFormat       string
	readOnly        bool
}

func runServe(arguments []string, stdout io.Writer, stderr io.Writer) int {
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var flags serveFlags
	flagSet.StringVar(&flags.configPath, "config", "", "path to the YAML config file")
	flagSet.StringVar(&flags.listen, "listen", "", "HTTP listen address")
	flagSet.StringVar(&flags.storeBackend, "store-backend", "", "storage backend: file, sqlite or memory")
	flagSet.StringVar(&flags.storePath, "store-path", "", "path of the session collection")
	flagSet.StringVar(&flags.storeFormat, "store-format", "", "file backend codec: json or cbor")
	flagSet.StringVar(&flags.writeTimeout, "write-timeout", "", "per-write persistence timeout")
	flagSet.StringVar(&flags.auditRoot, "audit-root", "", "directory for per-session audit journals")
	flagSet.BoolVar(&flags.noAudit, "no-audit", false, "disable the audit journal")
	flagSet.StringVar(&flags.adminTokenEnv, "admin-token-env", "", "environment variable holding the admin bearer token")
	flagSet.Int64Var(&flags.maxRequestBytes, "max-request-bytes", 0, "maximum accepted request body size")
	flagSet.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&flags.logFormat, "log-format", "", "text or json")
	flagSet.BoolVar(&flags.readOnly, "read-only", false, "start with the kill switch engaged")
	if err := flagSet.Parse(arguments); err != nil {
		return writeCommandError(stderr, false, invalidInput("%v", err), exitInvalidInput)
	}
	if flagSet.NArg() > 0 {
		return writeCommandError(stderr, false, invalidInput("unexpected positional arguments: %s", strings.Join(flagSet.Args(), " ")), exitInvalidInput)
	}

	configuration, err := loadConfig(flags.configPath)
	if err != nil {
		return writeCommandError(stderr, false, invalidInput("%v", err), exitInvalidInput)
	}
	applyServeOverrides(&configuration, flagSet, flags)
	if err := configuration.Validate(); err != nil {
		return writeCommandError(stderr, false, invalidInput("%v", err), exitInvalidInput)
	}

	logger, err := newLogger(stderr, configuration.Log.Level, configuration.Log.Format)
	if err != nil {
		return writeCommandError(stderr, false, invalidInput("%v", err), exitInvalidInput)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime, err := openRuntime(ctx, configuration, logger)
	if err != nil {
		return writeCommandError(stderr, false, err, exitInternalFailure)
	}
	defer runtime.close()
	if flags.readOnly {
		runtime.service.KillSwitch().SetReadOnly(true)
	}

	adminToken := strings.TrimSpace(os.Getenv(configuration.Server.AdminTokenEnv))
	if adminToken == "" {
		logger.Warn("admin token is not configured; kill switch endpoint is disabled", "env", configuration.Server.AdminTokenEnv)
	}
	handler := newAPIHandler(runtime.service, apiConfig{
		AdminToken:      adminToken,
		MaxRequestBytes: configuration.Server.MaxRequestBytes,
		Logger:          logger,
	})

	listener, err := net.Listen("tcp", configuration.Server.Listen)
	if err != nil {
		return writeCommandError(stderr, false, fmt.Errorf("listen on %s: %w", configuration.Server.Listen, err), exitInternalFailure)
	}
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	fmt.Fprintf(stdout, "sessiongate serve: listening=%s backend=%s\n", listener.Addr().String(), configuration.Store.Backend)
	logger.Info("serving session api", "listen", listener.Addr().String(), "backend", configuration.Store.Backend)

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(listener)
	}()
	select {
	case err := <-served:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return writeCommandError(stderr, false, err, exitInternalFailure)
		}
		return exitOK
	case <-ctx.Done():
	}

	logger.Info("shutting down session api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
		return exitInternalFailure
	}
	return exitOK
}

func applyServeOverrides(configuration *projectconfig.Config, flagSet *pflag.FlagSet, flags serveFlags) {
	if flagSet.Changed("listen") {
		configuration.Server.Listen = strings.TrimSpace(flags.listen)
	}
	if flagSet.Changed("store-backend") {
		configuration.Store.Backend = strings.ToLower(strings.TrimSpace(flags.storeBackend))
	}
	if flagSet.Changed("store-path") {
		configuration.Store.Path = strings.TrimSpace(flags.storePath)
	}
	if flagSet.Changed("store-format") {
		configuration.Store.Format = strings.ToLower(strings.TrimSpace(flags.storeFormat))
	}
	if flagSet.Changed("write-timeout") {
		configuration.Store.WriteTimeout = strings.TrimSpace(flags.writeTimeout)
	}
	if flagSet.Changed("audit-root") {
		configuration.Audit.Root = strings.TrimSpace(flags.auditRoot)
	}
	if flags.noAudit {
		disabled := false
		configuration.Audit.Enabled = &disabled
	}
	if flagSet.Changed("admin-token-env") {
		configuration.Server.AdminTokenEnv = strings.TrimSpace(flags.adminTokenEnv)
	}
	if flagSet.Changed("max-request-bytes") {
		configuration.Server.MaxRequestBytes = flags.maxRequestBytes
	}
	if flagSet.Changed("log-level") {
		configuration.Log.Level = strings.ToLower(strings.TrimSpace(flags.logLevel))
	}
	if flagSet.Changed("log-format") {
		configuration.Log.Format = strings.ToLower(strings.TrimSpace(flags.logFormat))
	}
}

func loadConfig(path string) (projectconfig.Config, error) {
	if strings.TrimSpace(path) == "" {
		return projectconfig.Load(projectconfig.DefaultPath, true)
	}
	return projectconfig.Load(path, false)
}

// serviceRuntime owns everything serve opens so it can be released in reverse order.
type serviceRuntime struct {
	store   storage.Storage
	service *sessions.Service
	logger  *slog.Logger
}

func openRuntime(ctx context.Context, configuration projectconfig.Config, logger *slog.Logger) (*serviceRuntime, error) {
	writeTimeout, err := configuration.Store.Timeout()
	if err != nil {
		return nil, invalidInput("%v", err)
	}
	policy, err := configuration.PathPolicy.Policy()
	if err != nil {
		return nil, invalidInput("%v", err)
	}
	store, err := storage.Open(ctx, configuration.Store.StorageConfig())
	if err != nil {
		return nil, fmt.Errorf("open session storage: %w", err)
	}

	options := sessions.Options{
		Storage:      store,
		KillSwitch:   killswitch.New(logger),
		PathPolicy:   &policy,
		Logger:       logger,
		WriteTimeout: writeTimeout,
	}
	if configuration.Audit.IsEnabled() {
		journal, err := audit.NewJournal(configuration.Audit.Root)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open audit journal: %w", err)
		}
		options.Audit = journal
	}
	service, err := sessions.Open(ctx, options)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &serviceRuntime{store: store, service: service, logger: logger}, nil
}

func (runtime *serviceRuntime) close() {
	if err := runtime.service.Close(); err != nil {
		runtime.logger.Error("close session service failed", "error", err)
	}
	if err := runtime.store.Close(); err != nil {
		runtime.logger.Error("close session storage failed", "error", err)
	}
}

func newLogger(writer io.Writer, level string, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	options := &slog.HandlerOptions{Level: slogLevel}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(writer, options)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(writer, options)), nil
	default:
		return nil, fmt.Errorf("log format must be text or json")
	}
}
