// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package reposnap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ProvenanceEntry is one line of `<cache>/runs/run-by-reference.jsonl`, appended on every
// reference-target execution (SPEC_FULL.md §4 supplemented feature; spec §8 scenario 3).
type ProvenanceEntry struct {
	Timestamp       string `json:"timestamp"`
	Locator         string `json:"locator"`
	Commit          string `json:"commit"`
	RepoSnapshotOID string `json:"repo_snapshot_oid"`
	Target          string `json:"target"`
}

// AppendProvenance appends entry to the provenance log, creating the file/directory if
// necessary.
func AppendProvenance(cacheRoot string, entry ProvenanceEntry) error {
	dir := filepath.Join(cacheRoot, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("reposnap.AppendProvenance: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "run-by-reference.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reposnap.AppendProvenance: %w", err)
	}
	defer f.Close() //nolint:errcheck

	bs, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	bs = append(bs, '\n')
	_, err = f.Write(bs)
	return err
}
