// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package pipbackend implements a resolve.Backend (spec §4.4's "external collaborator") by
// shelling out to `pip install --dry-run --report` and parsing its install report. This is
// the concrete resolver px wires up at the CLI boundary; pkg/resolve itself stays a pure
// function of whatever Backend it's handed.
package pipbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/datawire/dlib/dexec"

	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/python/pep425"
	"github.com/pxdev/px/pkg/resolve"
)

// pipReport mirrors the subset of `pip install --report` JSON (pip >= 22.2) px consumes.
type pipReport struct {
	Install []struct {
		IsDirect bool `json:"is_direct"`
		Metadata struct {
			Name         string              `json:"name"`
			Version      string              `json:"version"`
			RequiresDist []string            `json:"requires_dist"`
		} `json:"metadata"`
		DownloadInfo struct {
			URL         string `json:"url"`
			ArchiveInfo struct {
				Hash   string            `json:"hash"`
				Hashes map[string]string `json:"hashes"`
			} `json:"archive_info"`
		} `json:"download_info"`
	} `json:"install"`
}

// New returns a resolve.Backend that invokes pythonExe -m pip install --dry-run --report -
// for reqs against indexes, translating the report into resolve.Pin values. tags is accepted
// to satisfy resolve.Backend's signature; pip selects wheels for its own interpreter, so it is
// not passed through explicitly.
func New(pythonExe string) resolve.Backend {
	return func(ctx context.Context, reqs []string, tags pep425.Installer, indexes []string) ([]resolve.Pin, error) {
		if len(reqs) == 0 {
			return nil, nil
		}

		args := []string{"-m", "pip", "install", "--dry-run", "--quiet", "--report", "-"}
		for _, idx := range indexes {
			args = append(args, "--index-url", idx)
		}
		args = append(args, reqs...)

		cmd := dexec.CommandContext(ctx, pythonExe, args...)
		cmd.Env = append(os.Environ(), "PYTHONNOUSERSITE=1")
		out, err := cmd.Output()
		if err != nil {
			var exitErr *dexec.ExitError
			stderr := ""
			if ok := asExitError(err, &exitErr); ok {
				stderr = strings.TrimSpace(string(exitErr.Stderr))
			}
			return nil, &pxerr.UserError{
				Reason:  pxerr.ReasonResolveFailed,
				Message: fmt.Sprintf("pip could not resolve %s: %v", strings.Join(reqs, ", "), err),
				Hint:    stderr,
			}
		}

		var report pipReport
		if err := json.Unmarshal(out, &report); err != nil {
			return nil, fmt.Errorf("pipbackend: parsing pip report: %w", err)
		}

		directNames := map[string]bool{}
		for _, raw := range reqs {
			directNames[resolve.CanonicalizeName(leadingName(raw))] = true
		}

		var pins []resolve.Pin
		for _, entry := range report.Install {
			name := resolve.CanonicalizeName(entry.Metadata.Name)
			src := &resolve.Source{}
			hash := entry.DownloadInfo.ArchiveInfo.Hashes["sha256"]
			if hash == "" && strings.HasPrefix(entry.DownloadInfo.ArchiveInfo.Hash, "sha256=") {
				hash = strings.TrimPrefix(entry.DownloadInfo.ArchiveInfo.Hash, "sha256=")
			}
			url := entry.DownloadInfo.URL
			switch {
			case strings.HasSuffix(url, ".whl"):
				src.WheelURL = url
				src.WheelSHA256 = hash
				src.WheelFilename = url[strings.LastIndex(url, "/")+1:]
			case url != "":
				src.SdistURL = url
				src.SdistSHA256 = hash
				src.SdistFilename = url[strings.LastIndex(url, "/")+1:]
			}

			var requires []string
			for _, r := range entry.Metadata.RequiresDist {
				requires = append(requires, resolve.CanonicalizeName(leadingName(r)))
			}

			pins = append(pins, resolve.Pin{
				Name: name, Version: entry.Metadata.Version,
				Direct: directNames[name], Requires: requires, Source: src,
			})
		}
		return pins, nil
	}
}

func leadingName(raw string) string {
	name := raw
	if idx := strings.Index(name, ";"); idx >= 0 {
		name = name[:idx]
	}
	if idx := strings.IndexAny(name, "[<>=!~ "); idx >= 0 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}

func asExitError(err error, target **dexec.ExitError) bool {
	if ee, ok := err.(*dexec.ExitError); ok { //nolint:errorlint
		*target = ee
		return true
	}
	return false
}
