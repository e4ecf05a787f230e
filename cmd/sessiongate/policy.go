package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/davidahmann/sessiongate/core/pathpolicy"
)

type policyCheckOutput struct {
	OK           bool                  `json:"ok"`
	Allowed      bool                  `json:"allowed"`
	PolicyDigest string                `json:"policy_digest"`
	Decisions    []pathpolicy.Decision `json:"decisions"`
}

func runPolicy(arguments []string, stdout io.Writer) int {
	if len(arguments) == 0 || arguments[0] != "check" {
		return writeCommandError(stdout, false, invalidInput("expected: sessiongate policy check <path>..."), exitInvalidInput)
	}
	return runPolicyCheck(arguments[1:], stdout)
}

// runPolicyCheck evaluates paths offline against the configured policy. It exits
// with the policy-blocked code when any path is rejected.
func runPolicyCheck(arguments []string, stdout io.Writer) int {
	flagSet := pflag.NewFlagSet("policy-check", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var configPath string
	var allowForbidden bool
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file")
	flagSet.BoolVar(&allowForbidden, "allow-forbidden", false, "apply the operator override for forbidden paths")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeCommandError(stdout, jsonOutput, invalidInput("%v", err), exitInvalidInput)
	}
	paths := trimmedNonEmpty(flagSet.Args())
	if len(paths) == 0 {
		return writeCommandError(stdout, jsonOutput, invalidInput("at least one path is required"), exitInvalidInput)
	}

	configuration, err := loadConfig(configPath)
	if err != nil {
		return writeCommandError(stdout, jsonOutput, invalidInput("%v", err), exitInvalidInput)
	}
	policy, err := configuration.PathPolicy.Policy()
	if err != nil {
		return writeCommandError(stdout, jsonOutput, invalidInput("%v", err), exitInvalidInput)
	}
	digest, err := policy.Digest()
	if err != nil {
		return writeCommandError(stdout, jsonOutput, err, exitInternalFailure)
	}

	output := policyCheckOutput{OK: true, Allowed: true, PolicyDigest: digest}
	for _, path := range paths {
		decision := policy.Evaluate(path, pathpolicy.Options{AllowForbidden: allowForbidden})
		output.Allowed = output.Allowed && decision.Allowed
		output.Decisions = append(output.Decisions, decision)
	}
	exitCode := exitOK
	if !output.Allowed {
		exitCode = exitPolicyBlocked
	}
	if jsonOutput {
		return writeJSONOutput(stdout, output, exitCode)
	}
	for _, decision := range output.Decisions {
		if decision.Allowed {
			fmt.Fprintf(stdout, "allow %s\n", decision.Path)
			continue
		}
		fmt.Fprintf(stdout, "deny  %s (%s)\n", decision.Path, decision.Reason)
	}
	return exitCode
}
