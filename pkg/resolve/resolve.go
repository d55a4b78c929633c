// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package resolve implements the Resolver Bridge (spec §4.4, component C4): a pure function
// from a project snapshot + marker environment + interpreter tags to a pinned dependency
// set. The actual constraint solver is treated as an external collaborator (spec §1 "Out of
// scope: Dependency resolver internals"); this package owns everything around that call --
// marker filtering, canonicalization, dedup/sort, source attachment, and autopin.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pxdev/px/pkg/manifest"
	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/python/pep425"
	"github.com/pxdev/px/pkg/python/pep440"
)

// Source describes where a Pin's artifact came from (spec §3 "Pin").
type Source struct {
	// Wheel fields.
	WheelFilename string
	WheelURL      string
	WheelSHA256   string
	PythonTag     string
	ABITag        string
	PlatformTag   string

	// Sdist fields.
	SdistFilename     string
	SdistURL          string
	SdistSHA256       string
	BuildOptionsHash  string

	// Direct URL install (spec's direct_url descriptor).
	DirectURL       string
	DirectURLSHA256 string
	IsDirectURL     bool
}

// Pin is one resolved requirement (spec §3 "Pin").
type Pin struct {
	Name     string // canonical, lower-cased
	Version  string
	Extras   []string
	Marker   string
	Direct   bool
	Requires []string // transitive requirement names this pin depends on, under its extras
	Source   *Source
}

// Specifier renders the PEP 508-ish specifier string spec §3 describes:
// "name[extras]==version; marker".
func (p Pin) Specifier() string {
	var b strings.Builder
	b.WriteString(p.Name)
	if len(p.Extras) > 0 {
		sorted := append([]string(nil), p.Extras...)
		sort.Strings(sorted)
		b.WriteString("[")
		b.WriteString(strings.Join(sorted, ","))
		b.WriteString("]")
	}
	b.WriteString("==")
	b.WriteString(p.Version)
	if p.Marker != "" {
		b.WriteString("; ")
		b.WriteString(p.Marker)
	}
	return b.String()
}

// CanonicalizeName lower-cases and normalizes a PyPI distribution name per PEP 503: runs of
// "-", "_", "." collapse to a single "-".
func CanonicalizeName(name string) string {
	name = strings.ToLower(name)
	var b strings.Builder
	lastWasSep := false
	for _, r := range name {
		if r == '-' || r == '_' || r == '.' {
			if !lastWasSep {
				b.WriteByte('-')
			}
			lastWasSep = true
			continue
		}
		b.WriteRune(r)
		lastWasSep = false
	}
	return strings.Trim(b.String(), "-")
}

// requirement is a minimally-parsed direct dependency string ("name[extras]>=1.0; marker").
type requirement struct {
	raw        string
	name       string
	extras     []string
	specifier  string
	marker     string
}

func parseRequirement(raw string) (requirement, error) {
	rest := raw
	marker := ""
	if idx := strings.Index(rest, ";"); idx >= 0 {
		marker = strings.TrimSpace(rest[idx+1:])
		rest = rest[:idx]
	}
	rest = strings.TrimSpace(rest)

	name := rest
	extras := []string(nil)
	specifier := ""
	if idx := strings.IndexAny(rest, "[<>=!~"); idx >= 0 {
		name = strings.TrimSpace(rest[:idx])
	}
	if lb := strings.Index(rest, "["); lb >= 0 {
		rb := strings.Index(rest, "]")
		if rb < lb {
			return requirement{}, fmt.Errorf("malformed extras in requirement %q", raw)
		}
		for _, e := range strings.Split(rest[lb+1:rb], ",") {
			e = strings.TrimSpace(e)
			if e != "" {
				extras = append(extras, e)
			}
		}
		rest = rest[:lb] + rest[rb+1:]
	}
	if idx := strings.IndexAny(rest, "<>=!~"); idx >= 0 {
		specifier = strings.TrimSpace(rest[idx:])
	}
	if name == "" {
		return requirement{}, fmt.Errorf("empty requirement name in %q", raw)
	}

	return requirement{raw: raw, name: CanonicalizeName(name), extras: extras, specifier: specifier, marker: marker}, nil
}

// MarkerEnv is the PEP 508 marker evaluation environment for the currently selected
// interpreter (spec glossary "Active marker env"). Only the handful of variables px actually
// branches on are modeled; anything else in a marker expression is treated conservatively
// (evaluates true) since full PEP 508 marker grammar is out of this component's scope.
type MarkerEnv struct {
	PythonVersion     string
	PythonFullVersion string
	OSName            string
	SysPlatform       string
	PlatformSystem    string
	ImplementationName string
	Extra             string // the extra currently being evaluated, if any
}

// EvalMarker reports whether marker applies under env. An empty marker always applies.
// Clauses are split on " and " only. Supported operators are "==" and "!=" with the field
// on the left; any other clause ("in", "not in", ordering comparisons, "or") evaluates
// true rather than silently excluding a dependency, since
// under-inclusion would corrupt the closure (spec §4.5 "Closure validation").
func EvalMarker(marker string, env MarkerEnv) bool {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		return true
	}
	clauses := strings.Split(marker, " and ")
	for _, clause := range clauses {
		if !evalClause(strings.TrimSpace(clause), env) {
			return false
		}
	}
	return true
}

func evalClause(clause string, env MarkerEnv) bool {
	fields := map[string]string{
		"python_version":      env.PythonVersion,
		"python_full_version": env.PythonFullVersion,
		"os_name":             env.OSName,
		"sys_platform":        env.SysPlatform,
		"platform_system":     env.PlatformSystem,
		"implementation_name": env.ImplementationName,
		"extra":               env.Extra,
	}
	for field, value := range fields {
		if idx := strings.Index(clause, field); idx >= 0 {
			rest := strings.TrimSpace(clause[idx+len(field):])
			switch {
			case strings.HasPrefix(rest, "=="):
				want := unquote(strings.TrimSpace(strings.TrimPrefix(rest, "==")))
				return value == want
			case strings.HasPrefix(rest, "!="):
				want := unquote(strings.TrimSpace(strings.TrimPrefix(rest, "!=")))
				return value != want
			}
		}
	}
	return true
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Backend is the pure, black-box resolver function spec §1 treats as an external
// collaborator: given canonicalized requirements and interpreter tags, it returns a pinned
// set with per-artifact source metadata. px's own responsibility stops at calling it and
// post-processing the result; this indirection point is what production code replaces to
// talk to a real resolver (e.g. a PubGrub implementation or `pip-compile`-style backend).
type Backend func(ctx context.Context, reqs []string, tags pep425.Installer, indexes []string) ([]Pin, error)

// Resolve implements spec §4.4 `resolve`: filter by active markers, canonicalize, delegate
// to backend, then deduplicate/sort/attach.
func Resolve(ctx context.Context, snap *manifest.Snapshot, env MarkerEnv, tags pep425.Installer, indexes []string, backend Backend) ([]Pin, error) {
	var active []string
	for _, raw := range snap.Requirements {
		req, err := parseRequirement(raw)
		if err != nil {
			return nil, &pxerr.UserError{
				Reason:  pxerr.ReasonInvalidRequirement,
				Message: err.Error(),
				Hint:    "fix the malformed requirement in pyproject.toml",
			}
		}
		if !EvalMarker(req.marker, env) {
			continue
		}
		active = append(active, req.raw)
	}

	if len(active) == 0 {
		return nil, nil
	}

	if backend == nil {
		return nil, &pxerr.UserError{
			Reason:  pxerr.ReasonResolveFailed,
			Message: "no resolver backend configured",
			Hint:    "this build of px was not wired to a constraint solver",
		}
	}

	pins, err := backend(ctx, active, tags, indexes)
	if err != nil {
		if ue, ok := pxerr.AsUserError(err); ok {
			return nil, ue
		}
		return nil, &pxerr.UserError{
			Reason:  pxerr.ReasonResolveFailed,
			Message: err.Error(),
			Hint:    "check network connectivity and index URLs, then retry",
		}
	}

	directNames := map[string]bool{}
	for _, raw := range snap.Dependencies {
		if req, err := parseRequirement(raw); err == nil {
			directNames[req.name] = true
		}
	}

	byName := map[string]Pin{}
	for _, p := range pins {
		p.Name = CanonicalizeName(p.Name)
		p.Direct = p.Direct || directNames[p.Name]
		byName[p.Name] = p
	}

	out := make([]Pin, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Autopin finds every direct requirement in snap that still carries a non-exact operator
// (anything but "==") and reports the version the resolution actually picked, so the caller
// can rewrite the manifest when px_options.pin_manifest is set (spec §4.4 "Autopin").
func Autopin(snap *manifest.Snapshot, pins []Pin) map[string]string {
	resolved := map[string]Pin{}
	for _, p := range pins {
		resolved[p.Name] = p
	}

	out := map[string]string{}
	for _, raw := range snap.Dependencies {
		req, err := parseRequirement(raw)
		if err != nil {
			continue
		}
		if strings.HasPrefix(req.specifier, "==") && req.specifier != "" {
			continue
		}
		if pin, ok := resolved[req.name]; ok {
			out[req.raw] = fmt.Sprintf("%s==%s", req.name, pin.Version)
		}
	}
	return out
}

// SelectBestVersion narrows a set of candidate versions to the one a PEP 440 specifier
// should select, honoring pre-release exclusion and a caller-supplied set of yanked
// candidates that must only be chosen when nothing else satisfies (delegated to
// pep440.Specifier.Select + the caller's ExclusionBehavior, e.g. pep592.ExcludeYanked).
func SelectBestVersion(spec pep440.Specifier, choices []pep440.Version, exclusion pep440.ExclusionBehavior) *pep440.Version {
	return spec.Select(choices, exclusion)
}
