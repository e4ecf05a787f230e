package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	coreerrors "github.com/davidahmann/sessiongate/core/errors"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK              = 0
	exitInternalFailure = 1
	exitVerifyFailed    = 2
	exitPolicyBlocked   = 3
	exitInvalidInput    = 6
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(arguments []string, stdout io.Writer, stderr io.Writer) int {
	if len(arguments) < 2 {
		printUsage(stderr)
		return exitInvalidInput
	}
	switch arguments[1] {
	case "serve":
		return runServe(arguments[2:], stdout, stderr)
	case "validate":
		return runValidate(arguments[2:], stdout)
	case "policy":
		return runPolicy(arguments[2:], stdout)
	case "version", "--version", "-v":
		fmt.Fprintln(stdout, "sessiongate", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		printUsage(stderr)
		return exitInvalidInput
	}
}

func printUsage(writer io.Writer) {
	fmt.Fprintln(writer, "Usage:")
	fmt.Fprintln(writer, "  sessiongate serve [--config <path>] [--listen <addr>] [--store-backend file|sqlite|memory] [--store-path <path>]")
	fmt.Fprintln(writer, "  sessiongate validate [--config <path>] [--store-path <path>] [--audit-session <id>] [--json]")
	fmt.Fprintln(writer, "  sessiongate policy check [--config <path>] [--allow-forbidden] [--json] <path>...")
	fmt.Fprintln(writer, "  sessiongate version")
}

func writeJSONOutput(writer io.Writer, output any, exitCode int) int {
	encoded, err := json.Marshal(output)
	if err != nil {
		fmt.Fprintln(writer, `{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure","retryable":false}`)
		return exitInternalFailure
	}
	fmt.Fprintln(writer, string(encoded))
	return exitCode
}

func writeCommandError(writer io.Writer, jsonOutput bool, err error, fallbackExit int) int {
	exitCode := exitCodeForError(err, fallbackExit)
	if jsonOutput {
		return writeJSONOutput(writer, coreerrors.EnvelopeOf(err), exitCode)
	}
	fmt.Fprintf(writer, "error: %v\n", err)
	if hint := coreerrors.HintOf(err); hint != "" {
		fmt.Fprintf(writer, "hint: %s\n", hint)
	}
	return exitCode
}

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput, coreerrors.CategoryNotFound:
		return exitInvalidInput
	case coreerrors.CategoryPolicyBlocked, coreerrors.CategoryKillSwitchActive:
		return exitPolicyBlocked
	case coreerrors.CategoryStateConflict:
		return exitVerifyFailed
	case coreerrors.CategoryIOFailure, coreerrors.CategoryInternalFailure:
		return exitInternalFailure
	}
	return fallbackExit
}

func invalidInput(format string, args ...any) error {
	return coreerrors.Wrap(fmt.Errorf(format, args...), coreerrors.CategoryInvalidInput, "invalid_input", "", false)
}

func trimmedNonEmpty(values []string) []string {
	trimmed := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			trimmed = append(trimmed, value)
		}
	}
	return trimmed
}
