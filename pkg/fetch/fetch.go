// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package fetch implements the Artifact Fetcher (spec §4.3, component C3): wheel download
// with retry and hash verification, an sdist-to-wheel build cache, and a bounded-parallel
// prefetch batch API.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/sync/semaphore"

	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/resolve"
)

// WheelSpec is spec §4.3 "Wheel fetch"'s input.
type WheelSpec struct {
	Name, Version, Filename, URL, SHA256 string
}

// destPath is the deterministic cache location for a wheel (spec §4.3: "<cache>/wheels/<name>/<version>/<filename>").
func destPath(cacheDir string, spec WheelSpec) string {
	return filepath.Join(cacheDir, "wheels", resolve.CanonicalizeName(spec.Name), spec.Version, spec.Filename)
}

const maxRetries = 3

// FetchWheel implements spec §4.3 "Wheel fetch": return the cached file if present and
// hash-verified, else download to a sibling temp file with retry/backoff, verify, and
// rename into place.
func FetchWheel(ctx context.Context, cacheDir string, spec WheelSpec, client *http.Client) (string, error) {
	dest := destPath(cacheDir, spec)
	if ok, err := verifyFile(dest, spec.SHA256); err == nil && ok {
		return dest, nil
	}

	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = nil
		client = &http.Client{Transport: transport}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("fetch.FetchWheel: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * 200 * time.Millisecond
			dlog.Infof(ctx, "fetch: retrying %s after %v (attempt %d/%d): %v", spec.Filename, backoff, attempt+1, maxRetries, lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := downloadAndVerify(ctx, client, spec.URL, dest, spec.SHA256); err != nil {
			lastErr = err
			continue
		}
		dlog.Infof(ctx, "fetch: wheel %s cached at %s", spec.Filename, dest)
		return dest, nil
	}
	return "", &pxerr.UserError{
		Reason:  pxerr.ReasonPyPIUnreachable,
		Message: fmt.Sprintf("failed to fetch %s after %d attempts: %v", spec.Filename, maxRetries, lastErr),
		Hint:    "check network connectivity, then retry `px sync`",
	}
}

// downloadAndVerify streams url into a sibling temp file of dest, verifies the digest, and
// fsyncs + renames into place. No proxy environment variables are honored by default (spec
// §4.3: "No proxy envs by default").
func downloadAndVerify(ctx context.Context, client *http.Client, url, dest, sha256hex string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	got := hex.EncodeToString(h.Sum(nil))
	if sha256hex != "" && got != sha256hex {
		return fmt.Errorf("%w: %s: expected %s, got %s", errDigestMismatch, dest, sha256hex, got)
	}
	return os.Rename(tmpPath, dest)
}

var errDigestMismatch = fmt.Errorf("digest mismatch")

func verifyFile(path, sha256hex string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close() //nolint:errcheck
	if sha256hex == "" {
		return true, nil
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == sha256hex, nil
}

// SdistSpec is spec §4.3 "Sdist → Wheel build"'s input.
type SdistSpec struct {
	Name, Version, Filename, URL, SHA256 string
	BuildOptionsHash                     string
}

// buildMeta is the on-disk `<cache>/sdist-build/<id>/meta.json` spec §4.3 describes.
type buildMeta struct {
	WheelPath   string `json:"wheel_path"`
	PythonTag   string `json:"python_tag"`
	ABITag      string `json:"abi_tag"`
	PlatformTag string `json:"platform_tag"`
}

// BuildID computes spec §4.3's deterministic identifier:
// `{normalized_name}-{version}-{sha256_prefix}`.
func BuildID(name, version, sha256hex string) string {
	prefix := sha256hex
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return fmt.Sprintf("%s-%s-%s", resolve.CanonicalizeName(name), version, prefix)
}

// BuildWheelFromSdist implements spec §4.3 "Sdist → Wheel build": reuse a cached wheel if
// meta.json already references one, else download the sdist (retried, hash-verified),
// extract it, and run `python -m build --wheel` in a hermetic environment.
func BuildWheelFromSdist(ctx context.Context, cacheDir string, spec SdistSpec, pythonExe string, client *http.Client) (wheelPath, pythonTag, abiTag, platformTag string, err error) {
	id := BuildID(spec.Name, spec.Version, spec.SHA256)
	buildDir := filepath.Join(cacheDir, "sdist-build", id)
	metaPath := filepath.Join(buildDir, "meta.json")

	if bs, readErr := os.ReadFile(metaPath); readErr == nil {
		var meta buildMeta
		if json.Unmarshal(bs, &meta) == nil {
			if _, statErr := os.Stat(meta.WheelPath); statErr == nil {
				return meta.WheelPath, meta.PythonTag, meta.ABITag, meta.PlatformTag, nil
			}
		}
	}

	sdistPath, err := FetchWheel(ctx, cacheDir, WheelSpec{
		Name: spec.Name, Version: spec.Version, Filename: spec.Filename, URL: spec.URL, SHA256: spec.SHA256,
	}, client)
	if err != nil {
		return "", "", "", "", err
	}

	extractDir := filepath.Join(buildDir, "src")
	if err := os.RemoveAll(extractDir); err != nil {
		return "", "", "", "", err
	}
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return "", "", "", "", err
	}
	if err := extractArchive(sdistPath, extractDir); err != nil {
		return "", "", "", "", fmt.Errorf("fetch.BuildWheelFromSdist: extracting %s: %w", sdistPath, err)
	}

	outDir := filepath.Join(buildDir, "dist")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", "", "", err
	}

	if pythonExe == "" {
		pythonExe = "python3"
	}
	exe, lookErr := dexec.LookPath(pythonExe)
	if lookErr != nil {
		return "", "", "", "", fmt.Errorf("fetch.BuildWheelFromSdist: %w", lookErr)
	}
	cmd := dexec.CommandContext(ctx, exe, "-m", "build", "--wheel", "--outdir", outDir, sourceRoot(extractDir))
	// Hermetic build environment (spec §4.3): no user-site, no inherited PYTHONPATH.
	cmd.Env = append(filteredEnviron(), "PYTHONNOUSERSITE=1", "PYTHONPATH=")
	if err := cmd.Run(); err != nil {
		return "", "", "", "", &pxerr.UserError{
			Reason:  pxerr.ReasonResolveFailed,
			Message: fmt.Sprintf("building wheel for %s==%s failed: %v", spec.Name, spec.Version, err),
			Hint:    "inspect the sdist's build backend requirements",
		}
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", "", "", "", err
	}
	var builtWheel string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".whl") {
			builtWheel = e.Name()
			break
		}
	}
	if builtWheel == "" {
		return "", "", "", "", &pxerr.UserError{Reason: pxerr.ReasonResolveFailed, Message: "python -m build produced no wheel"}
	}

	pythonTag, abiTag, platformTag = parseWheelTags(builtWheel)

	finalDest := destPath(cacheDir, WheelSpec{Name: spec.Name, Version: spec.Version, Filename: builtWheel})
	if err := os.MkdirAll(filepath.Dir(finalDest), 0o755); err != nil {
		return "", "", "", "", err
	}
	if err := os.Rename(filepath.Join(outDir, builtWheel), finalDest); err != nil {
		return "", "", "", "", err
	}
	if err := os.RemoveAll(extractDir); err != nil {
		dlog.Warnf(ctx, "fetch: removing intermediate sdist source %s: %v", extractDir, err)
	}

	meta := buildMeta{WheelPath: finalDest, PythonTag: pythonTag, ABITag: abiTag, PlatformTag: platformTag}
	bs, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(metaPath, bs, 0o644); err != nil {
		return "", "", "", "", err
	}

	dlog.Infof(ctx, "fetch: built wheel %s for %s==%s", builtWheel, spec.Name, spec.Version)
	return finalDest, pythonTag, abiTag, platformTag, nil
}

// sourceRoot finds the single top-level directory an sdist tarball extracts into (PEP 517
// sdists always have exactly one).
func sourceRoot(extractDir string) string {
	entries, err := os.ReadDir(extractDir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return extractDir
	}
	return filepath.Join(extractDir, entries[0].Name())
}

func parseWheelTags(filename string) (pythonTag, abiTag, platformTag string) {
	name := strings.TrimSuffix(filename, ".whl")
	parts := strings.Split(name, "-")
	if len(parts) < 3 {
		return "", "", ""
	}
	n := len(parts)
	return parts[n-3], parts[n-2], parts[n-1]
}

func filteredEnviron() []string {
	var out []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "PYTHONPATH=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func extractArchive(path, destDir string) error {
	exe, err := dexec.LookPath("tar")
	if err != nil {
		return err
	}
	cmd := dexec.CommandContext(context.Background(), exe, "-xf", path, "-C", destDir, "--strip-components=0")
	return cmd.Run()
}

// PrefetchSpec is one entry of the batch API spec §4.3 "Prefetch" describes. Exactly one of
// Wheel/Sdist is set.
type PrefetchSpec struct {
	Wheel *WheelSpec
	Sdist *SdistSpec
}

// PrefetchOptions is spec §4.3 "Prefetch"'s `{dry_run, parallel}`.
type PrefetchOptions struct {
	DryRun   bool
	Parallel int
}

// PrefetchResult is spec §4.3 "Prefetch"'s response shape.
type PrefetchResult struct {
	Requested    int
	Hit          int
	Fetched      int
	Failed       int
	BytesFetched int64
	Errors       []string
}

// Prefetch implements spec §4.3 "Prefetch": a bounded worker pool (spec §9 "Async /
// parallelism": "a bounded worker pool with per-item retry over unstructured task spawning").
// Each item gets its own destination temp file, so concurrent workers never race on the same
// path (spec §4.3: "must not share the same destination temp file between concurrent workers").
func Prefetch(ctx context.Context, cacheDir string, specs []PrefetchSpec, opts PrefetchOptions, client *http.Client) (PrefetchResult, error) {
	result := PrefetchResult{Requested: len(specs)}
	if opts.DryRun {
		for _, s := range specs {
			if alreadyCached(cacheDir, s) {
				result.Hit++
			}
		}
		return result, nil
	}

	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = 4
	}
	sem := semaphore.NewWeighted(int64(parallel))

	type outcome struct {
		hit, fetched bool
		bytes        int64
		errMsg       string
	}
	outcomes := make([]outcome, len(specs))
	if len(specs) == 0 {
		return result, nil
	}

	var wg sync.WaitGroup
	for i, s := range specs {
		i, s := i, s
		if err := sem.Acquire(ctx, 1); err != nil {
			return result, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			wasHit := alreadyCached(cacheDir, s)
			var path string
			var err error
			switch {
			case s.Wheel != nil:
				path, err = FetchWheel(ctx, cacheDir, *s.Wheel, client)
			case s.Sdist != nil:
				path, _, _, _, err = BuildWheelFromSdist(ctx, cacheDir, *s.Sdist, "", client)
			default:
				err = fmt.Errorf("prefetch spec has neither Wheel nor Sdist set")
			}
			if err != nil {
				outcomes[i] = outcome{errMsg: err.Error()}
				return
			}
			var size int64
			if info, statErr := os.Stat(path); statErr == nil {
				size = info.Size()
			}
			outcomes[i] = outcome{hit: wasHit, fetched: !wasHit, bytes: size}
		}()
	}
	wg.Wait()

	for _, o := range outcomes {
		switch {
		case o.errMsg != "":
			result.Failed++
			result.Errors = append(result.Errors, o.errMsg)
		case o.hit:
			result.Hit++
		case o.fetched:
			result.Fetched++
			result.BytesFetched += o.bytes
		}
	}
	return result, nil
}

func alreadyCached(cacheDir string, s PrefetchSpec) bool {
	switch {
	case s.Wheel != nil:
		ok, err := verifyFile(destPath(cacheDir, *s.Wheel), s.Wheel.SHA256)
		return err == nil && ok
	case s.Sdist != nil:
		_, statErr := os.Stat(filepath.Join(cacheDir, "sdist-build", BuildID(s.Sdist.Name, s.Sdist.Version, s.Sdist.SHA256), "meta.json"))
		return statErr == nil
	default:
		return false
	}
}
