// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package reposnap

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/pxdev/px/pkg/pxerr"
)

const (
	inlineHeaderOpen  = "# /// px"
	inlineHeaderClose = "# ///"
)

// DetectInlineScript reports whether src's leading comment lines carry the exact header
// block pattern spec §6 "Inline-script header" describes.
func DetectInlineScript(src []byte) bool {
	scanner := bufio.NewScanner(bytes.NewReader(src))
	for scanner.Scan() {
		if strings.TrimRight(scanner.Text(), " \t") == inlineHeaderOpen {
			return true
		}
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			return false
		}
	}
	return false
}

// inlineDocument mirrors the commented-TOML body's shape (spec §4.13 "Inline script"):
// `requires-python` and `dependencies` are both required.
type inlineDocument struct {
	RequiresPython string   `toml:"requires-python"`
	Dependencies   []string `toml:"dependencies"`
}

// ParseInlineScript strips the single leading "# " (or bare "#") per header line and feeds
// the body to a TOML parser, requiring both `requires-python` and `dependencies` (spec §6).
func ParseInlineScript(src []byte) (requiresPython string, dependencies []string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(src))
	inBlock := false
	var body strings.Builder
	found := false

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimRight(line, " \t")
		switch {
		case !inBlock && trimmed == inlineHeaderOpen:
			inBlock = true
			found = true
			continue
		case inBlock && trimmed == inlineHeaderClose:
			inBlock = false
			goto done
		case inBlock:
			stripped := strings.TrimPrefix(line, "# ")
			if stripped == line {
				stripped = strings.TrimPrefix(line, "#")
			}
			body.WriteString(stripped)
			body.WriteByte('\n')
		}
	}
done:
	if !found {
		return "", nil, &pxerr.UserError{
			Reason:  pxerr.ReasonInvalidRequirement,
			Message: "no `# /// px` inline-script header found",
		}
	}

	var doc inlineDocument
	if _, decodeErr := toml.Decode(body.String(), &doc); decodeErr != nil {
		return "", nil, &pxerr.UserError{
			Reason:  pxerr.ReasonInvalidRequirement,
			Message: fmt.Sprintf("inline-script header is not valid TOML: %v", decodeErr),
		}
	}
	if doc.RequiresPython == "" {
		return "", nil, &pxerr.UserError{Reason: pxerr.ReasonInvalidRequirement, Message: "inline-script header missing `requires-python`"}
	}
	if doc.Dependencies == nil {
		return "", nil, &pxerr.UserError{Reason: pxerr.ReasonInvalidRequirement, Message: "inline-script header missing `dependencies`"}
	}
	return doc.RequiresPython, doc.Dependencies, nil
}

// ScriptHash is the stable identifier used to key a script's synthesized project directory
// (spec §4.9 target classification step 2: "<cache>/scripts/<script-hash>/<manifest-fingerprint>/").
func ScriptHash(scriptPath string) string {
	abs, err := filepath.Abs(scriptPath)
	if err != nil {
		abs = scriptPath
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}

// SynthesizedProjectDir computes the synthesis directory spec §4.13 describes, without
// touching the caller's working directory (spec: "The caller directory must not be touched").
func SynthesizedProjectDir(cacheRoot, scriptPath, manifestFingerprint string) string {
	return filepath.Join(cacheRoot, "scripts", ScriptHash(scriptPath), manifestFingerprint)
}

// Synthesize writes a minimal pyproject.toml into dir for the inline script's declared
// requirements, so the normal manifest/lock/materialize pipeline can run against it unchanged.
func Synthesize(dir, projectName, requiresPython string, dependencies []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("reposnap.Synthesize: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[project]\nname = %q\nversion = \"0.0.0\"\nrequires-python = %q\ndependencies = [\n", projectName, requiresPython)
	for _, d := range dependencies {
		fmt.Fprintf(&b, "  %q,\n", d)
	}
	b.WriteString("]\n")

	path := filepath.Join(dir, "pyproject.toml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("reposnap.Synthesize: %w", err)
	}
	return os.Rename(tmp, path)
}
