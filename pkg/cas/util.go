// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pxdev/px/pkg/canon"
)

func canonEncode(obj Object) ([]byte, error) {
	return canon.Encode(envelope(obj))
}

func unmarshalJSON(bs []byte, v any) error {
	return json.Unmarshal(bs, v)
}

func decodeRawBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(s)
}

// writeJSONAtomic marshals v and writes it to path via a temp-file-then-rename in tmpDir,
// the same pattern used for the lockfile (C5) and state file (C8) (spec §5 "Ordering
// guarantees").
func writeJSONAtomic(tmpDir, path string, v any) error {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(tmpDir, "atomic-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(bs); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
