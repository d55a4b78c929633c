// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package planner implements the Execution Planner (spec §4.9, component C9): classifying a
// run target, choosing between CAS-native and materialized-environment execution, building
// the argv to exec, and refusing pip-mutation invocations against a managed environment.
package planner

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pxdev/px/pkg/pxerr"
)

// TargetKind is spec §4.9's ordered target classification.
type TargetKind int

const (
	TargetReference TargetKind = iota // gh:ORG/REPO@sha:path or git+...@sha:path
	TargetInlineScript
	TargetWorkspaceMember
	TargetProject
	TargetProjectScript // a path existing under the project root
	TargetBareExecutable
)

func (k TargetKind) String() string {
	switch k {
	case TargetReference:
		return "reference"
	case TargetInlineScript:
		return "inline_script"
	case TargetWorkspaceMember:
		return "workspace_member"
	case TargetProject:
		return "project"
	case TargetProjectScript:
		return "project_script"
	default:
		return "bare_executable"
	}
}

var referencePattern = regexp.MustCompile(`^(gh:[^/]+/[^@]+|git\+[^ ]+)@[0-9a-fA-F]{6,40}:.+\.py$`)

const inlineScriptHeader = "# /// px"

// Classify implements spec §4.9's "Target classification (ordered)".
func Classify(target string, projectRoot string, workspaceMembers []string, fileExists func(string) bool, firstLines func(string) string) TargetKind {
	if referencePattern.MatchString(target) {
		return TargetReference
	}

	if strings.HasSuffix(target, ".py") && fileExists != nil && fileExists(target) {
		if firstLines != nil && strings.Contains(firstLines(target), inlineScriptHeader) {
			return TargetInlineScript
		}
	}

	for _, m := range workspaceMembers {
		if m == target {
			return TargetWorkspaceMember
		}
	}
	if target == "" || target == "." || target == projectRoot {
		return TargetProject
	}

	if fileExists != nil {
		candidate := target
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(projectRoot, candidate)
		}
		if fileExists(candidate) {
			return TargetProjectScript
		}
	}

	return TargetBareExecutable
}

// Mode is spec §4.9's engine mode.
type Mode int

const (
	ModeCasNative Mode = iota
	ModeMaterializedEnv
)

// FallbackReason is the `CAS_NATIVE_FALLBACK` reason code recorded when the planner downgrades.
type FallbackReason string

const (
	FallbackNone             FallbackReason = ""
	FallbackSandboxRequested FallbackReason = "sandbox_requested"
	FallbackStrict           FallbackReason = "strict"
	FallbackMissingArtifacts FallbackReason = "missing_artifacts"
	FallbackObjectLoadFailed FallbackReason = "object_load_failed"
)

// ModeDecision is the outcome of SelectMode.
type ModeDecision struct {
	Mode     Mode
	Fallback FallbackReason
}

// VerificationOutcome is what the planner's CAS pre-check reports before choosing a mode.
type VerificationOutcome struct {
	MissingArtifacts  bool
	ObjectLoadFailed  bool
	IntegrityFailure  bool // digest/decode mismatch -- never silently downgraded
	IntegrityMessage  string
}

// SelectMode implements spec §4.9's "Engine mode selection". Integrity failures are returned
// as errors, not downgrades: a digest mismatch means the store is corrupt, and running the
// wrong bytes is worse than refusing to run at all.
func SelectMode(sandboxRequested, strict bool, verification VerificationOutcome) (ModeDecision, error) {
	if verification.IntegrityFailure {
		return ModeDecision{}, &pxerr.UserError{
			Reason:  pxerr.ReasonMissingOrCorrupt,
			Message: verification.IntegrityMessage,
			Hint:    "run `px doctor` to repair the store",
		}
	}

	switch {
	case sandboxRequested:
		return ModeDecision{Mode: ModeMaterializedEnv, Fallback: FallbackSandboxRequested}, nil
	case strict:
		return ModeDecision{Mode: ModeMaterializedEnv, Fallback: FallbackStrict}, nil
	case verification.MissingArtifacts:
		return ModeDecision{Mode: ModeMaterializedEnv, Fallback: FallbackMissingArtifacts}, nil
	case verification.ObjectLoadFailed:
		return ModeDecision{Mode: ModeMaterializedEnv, Fallback: FallbackObjectLoadFailed}, nil
	default:
		return ModeDecision{Mode: ModeCasNative, Fallback: FallbackNone}, nil
	}
}

var pythonAliases = map[string]bool{
	"python": true, "python3": true, "py": true,
}

var pythonVersionedAlias = regexp.MustCompile(`^py\d+\.\d+$`)

// BuildArgv implements spec §4.9's "Target argv construction".
func BuildArgv(target string, args []string, projectRoot string, fileExists func(string) bool) []string {
	if pythonAliases[target] || pythonVersionedAlias.MatchString(target) {
		return args
	}
	if target == "-m" {
		out := []string{"-m"}
		return append(out, args...)
	}

	candidate := target
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(projectRoot, candidate)
	}
	if fileExists != nil && fileExists(candidate) {
		out := []string{candidate}
		return append(out, args...)
	}

	out := []string{target}
	return append(out, args...)
}

// pipMutationVerbs are the subcommands spec §4.9 "Refusals" forbids against a managed env.
var pipMutationVerbs = map[string]bool{
	"install": true, "uninstall": true, "wheel": true, "download": true,
}

// IsPipMutation detects `pip install/uninstall/wheel/download` (including `python -m pip ...`)
// targeting the managed environment (spec §4.9 "Refusals").
func IsPipMutation(target string, args []string) bool {
	tokens := tokensFor(target, args)
	for i, tok := range tokens {
		if tok != "pip" {
			continue
		}
		for _, verb := range tokens[i+1:] {
			if strings.HasPrefix(verb, "-") {
				continue
			}
			return pipMutationVerbs[verb]
		}
	}
	return false
}

func tokensFor(target string, args []string) []string {
	out := []string{target}
	return append(out, args...)
}

// RefusePipMutation returns the structured error spec §4.9 demands when IsPipMutation is true.
func RefusePipMutation(target string) error {
	return &pxerr.UserError{
		Reason:  pxerr.ReasonPipMutationForbid,
		Message: fmt.Sprintf("refusing to run %q: pip mutations are forbidden inside a px-managed environment", target),
		Hint:    "use `px add`/`px remove`/`px update` to change dependencies",
	}
}
