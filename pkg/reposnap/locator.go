// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package reposnap implements the Repo-Snapshot and Inline Script component (spec §4.13,
// component C13): locator normalization, floating-ref resolution, snapshotting a git commit
// into a CAS RepoSnapshot object, and detecting/synthesizing inline PEP 723-style scripts.
package reposnap

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	giturls "github.com/chainguard-dev/git-urls"

	"github.com/pxdev/px/pkg/pxerr"
)

// Spec is spec §3/§4.13's `RepoSnapshotSpec`.
type Spec struct {
	Locator string
	Commit  string
	Subdir  string
}

var ghShorthand = regexp.MustCompile(`^gh:([^/]+)/(.+?)(?i:\.git)?$`)

// NormalizeLocator implements spec §4.13 "Locator normalization": `gh:ORG/REPO` becomes
// `git+https://github.com/org/repo.git` (lowercased, `.git` stripped before re-appending);
// credentials and query/fragment are rejected outright. Normalizing twice is a no-op (spec
// §8 "Round-trips").
func NormalizeLocator(locator string) (string, error) {
	if m := ghShorthand.FindStringSubmatch(locator); m != nil {
		org := strings.ToLower(m[1])
		repo := strings.ToLower(m[2])
		return fmt.Sprintf("git+https://github.com/%s/%s.git", org, repo), nil
	}

	if strings.HasPrefix(locator, "git+") {
		transport := strings.TrimPrefix(locator, "git+")
		u, err := giturls.Parse(transport)
		if err != nil {
			return "", &pxerr.UserError{
				Reason:  pxerr.ReasonInvalidRequirement,
				Message: fmt.Sprintf("invalid repo locator %q: %v", locator, err),
				Hint:    "use gh:ORG/REPO or git+https://host/path.git",
			}
		}
		if u.User != nil {
			return "", &pxerr.UserError{
				Reason:  pxerr.ReasonInvalidRequirement,
				Message: fmt.Sprintf("repo locator %q must not embed credentials", locator),
				Hint:    "use a credential helper or PX_* env var instead of embedding a token in the locator",
			}
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return "", &pxerr.UserError{
				Reason:  pxerr.ReasonInvalidRequirement,
				Message: fmt.Sprintf("repo locator %q must not carry a query or fragment", locator),
			}
		}
		host := strings.ToLower(u.Host)
		path := strings.TrimSuffix(strings.ToLower(u.Path), "/")
		path = strings.TrimSuffix(path, ".git")
		norm := url.URL{Scheme: u.Scheme, Host: host, Path: path + ".git"}
		return "git+" + norm.String(), nil
	}

	return "", &pxerr.UserError{
		Reason:  pxerr.ReasonInvalidRequirement,
		Message: fmt.Sprintf("unrecognized repo locator %q", locator),
		Hint:    "use gh:ORG/REPO or git+<transport>://host/path",
	}
}

var fullSHAPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$|^[0-9a-fA-F]{64}$`)

// IsFullSHA reports whether commit is a full 40- or 64-character hex SHA (spec §4.13:
// "commit must be a full hex SHA (40 or 64 chars) unless --allow-floating").
func IsFullSHA(commit string) bool {
	return fullSHAPattern.MatchString(commit)
}

// CheckPinning implements the gate spec §4.13/§8 scenario 4 describes: a non-SHA ref is only
// permitted when floating is explicitly allowed, strict mode (CI/--frozen) is off, and the
// network is allowed.
func CheckPinning(ref string, allowFloating, strict, online bool) error {
	if IsFullSHA(ref) {
		return nil
	}
	if !allowFloating {
		return &pxerr.UserError{
			Reason:  pxerr.ReasonRunRefPinning,
			Message: fmt.Sprintf("ref %q is not a full commit SHA", ref),
			Hint:    "pin to a 40- or 64-character commit SHA, or pass --allow-floating",
		}
	}
	if strict {
		return &pxerr.UserError{
			Reason:  pxerr.ReasonRunRefFloating,
			Message: "floating refs are not allowed under --frozen or CI=1",
			Hint:    "pin the reference to a commit SHA before running in CI",
		}
	}
	if !online {
		return &pxerr.UserError{
			Reason:  pxerr.ReasonOffline,
			Message: "resolving a floating ref requires network access",
			Hint:    "set PX_ONLINE=1, or pin the reference to a commit SHA",
		}
	}
	return nil
}
