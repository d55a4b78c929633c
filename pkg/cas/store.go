// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/datawire/dlib/dlog"

	"github.com/pxdev/px/pkg/pxctx"
	"github.com/pxdev/px/pkg/pxerr"
)

// CASFormatVersion and SchemaVersion are persisted in the store root and checked on every
// open; a mismatch is IncompatibleFormat (spec §4.2 "Layout").
const (
	CASFormatVersion = 1
	SchemaVersion    = 1
)

// Store is a handle onto one CAS root. It is safe for concurrent use: mutating operations
// take a per-OID file lock; readers never block (spec §5 "Locking").
type Store struct {
	ctx   *pxctx.Context
	index *index
}

// Open opens (creating if necessary) the CAS rooted at ctx.StoreRoot, checking the format
// tag.
func Open(ctx context.Context, pctx *pxctx.Context) (*Store, error) {
	for _, dir := range []string{pctx.StoreRoot, pctx.ObjectsDir(), pctx.TmpDir(), pctx.LocksDir(), pctx.MaterializedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cas.Open: %w", err)
		}
	}
	if err := checkOrWriteFormatTag(pctx); err != nil {
		return nil, err
	}
	idx, err := openIndex(pctx.IndexPath())
	if err != nil {
		return nil, fmt.Errorf("cas.Open: %w", err)
	}
	return &Store{ctx: pctx, index: idx}, nil
}

func checkOrWriteFormatTag(pctx *pxctx.Context) error {
	tagPath := filepath.Join(pctx.StoreRoot, "format.json")
	type tag struct {
		CASFormatVersion int `json:"cas_format_version"`
		SchemaVersion    int `json:"schema_version"`
	}
	bs, err := os.ReadFile(tagPath)
	if os.IsNotExist(err) {
		return writeJSONAtomic(pctx.TmpDir(), tagPath, tag{CASFormatVersion, SchemaVersion})
	}
	if err != nil {
		return fmt.Errorf("cas: reading format tag: %w", err)
	}
	var got tag
	if err := unmarshalJSON(bs, &got); err != nil {
		return fmt.Errorf("cas: parsing format tag: %w", err)
	}
	if got.CASFormatVersion != CASFormatVersion || got.SchemaVersion != SchemaVersion {
		return &pxerr.UserError{
			Reason:  "IncompatibleFormat",
			Message: fmt.Sprintf("store at %q has format %d/%d, this px understands %d/%d", pctx.StoreRoot, got.CASFormatVersion, got.SchemaVersion, CASFormatVersion, SchemaVersion),
			Hint:    "upgrade px, or point PX_STORE_PATH at a fresh directory",
		}
	}
	return nil
}

func shardedPath(root, oid string) string {
	if len(oid) < 2 {
		return filepath.Join(root, "xx", oid)
	}
	return filepath.Join(root, oid[:2], oid)
}

// Write canonically encodes obj, verifies the encoded bytes' digest against the OID, gzips
// them to a temp file, atomically renames it into place, strips write permissions, and
// upserts the index (spec §4.2 "Write"). Two concurrent writes of the same OID collapse: the
// later writer observes the pre-existing path and skips the payload write. The existing
// file's digest is not re-checked on that path.
func (s *Store) Write(ctx context.Context, obj Object) (string, error) {
	oid, err := ComputeOID(obj)
	if err != nil {
		return "", err
	}

	lock, err := acquireLock(ctx, s.ctx.LocksDir(), "oid-"+oid)
	if err != nil {
		return "", err
	}
	defer lock.Release(ctx)

	objPath := shardedPath(s.ctx.ObjectsDir(), oid)
	if _, err := os.Stat(objPath); err == nil {
		dlog.Debugf(ctx, "cas: object %s already present, skipping payload write", oid)
		if err := s.index.touch(oid); err != nil {
			dlog.Warnf(ctx, "cas: updating last_accessed for %s: %v", oid, err)
		}
		return oid, nil
	}

	bs, err := envelopeBytes(obj)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(bs)
	if hex.EncodeToString(sum[:]) != oid {
		return "", fmt.Errorf("cas.Write: %w: expected %s, computed %s", ErrDigestMismatch, oid, hex.EncodeToString(sum[:]))
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return "", fmt.Errorf("cas.Write: %w", err)
	}

	tmpFile, err := os.CreateTemp(s.ctx.TmpDir(), "obj-*")
	if err != nil {
		return "", fmt.Errorf("cas.Write: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup if rename fails below

	gz := gzip.NewWriter(tmpFile)
	if _, err := gz.Write(bs); err != nil {
		_ = tmpFile.Close()
		return "", fmt.Errorf("cas.Write: %w", err)
	}
	if err := gz.Close(); err != nil {
		_ = tmpFile.Close()
		return "", fmt.Errorf("cas.Write: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return "", fmt.Errorf("cas.Write: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("cas.Write: %w", err)
	}

	if err := os.Rename(tmpPath, objPath); err != nil {
		return "", fmt.Errorf("cas.Write: %w", err)
	}
	if err := os.Chmod(objPath, 0o444); err != nil {
		dlog.Warnf(ctx, "cas: stripping write permission on %s: %v", objPath, err)
	}
	if err := syncDir(filepath.Dir(objPath)); err != nil {
		dlog.Warnf(ctx, "cas: fsyncing object directory: %v", err)
	}

	if err := s.index.upsert(indexRow{OID: oid, Kind: string(obj.Kind()), Size: int64(len(bs))}); err != nil {
		return "", fmt.Errorf("cas.Write: updating index: %w", err)
	}

	dlog.Infof(ctx, "cas: wrote %s object %s (%d bytes)", obj.Kind(), oid, len(bs))
	return oid, nil
}

func envelopeBytes(obj Object) ([]byte, error) {
	return canonEncode(obj)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck
	return f.Sync()
}

// LoadedObject is the typed result of a Load, paired with the decoded envelope fields needed
// by callers that must branch on kind (spec §9: "one source of truth" for the
// {kind,payload_kind} mapping -- see DecodeKind).
type LoadedObject struct {
	OID         string
	Kind        string
	PayloadKind string
	Header      map[string]any
	Payload     []byte
}

// ErrDigestMismatch and ErrDecodeFailure are the two CAS integrity failures (spec §4.2
// "Integrity"); both surface to the user as reason=missing_or_corrupt.
var (
	ErrDigestMismatch = fmt.Errorf("digest mismatch")
	ErrDecodeFailure  = fmt.Errorf("decode failure")
)

// Load reads and fully decodes the object at oid, verifying its digest (mandatory on every
// path -- callers needing a cheap kind-only peek should use PeekKind instead).
func (s *Store) Load(ctx context.Context, oid string) (*LoadedObject, error) {
	objPath := shardedPath(s.ctx.ObjectsDir(), oid)
	bs, err := readGzipFile(objPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("cas.Load %s: %w: %v", oid, ErrDecodeFailure, err)
		}
		return nil, fmt.Errorf("cas.Load %s: %w: %v", oid, ErrDecodeFailure, err)
	}

	sum := sha256.Sum256(bs)
	if hex.EncodeToString(sum[:]) != oid {
		return nil, fmt.Errorf("cas.Load %s: %w", oid, ErrDigestMismatch)
	}

	var doc struct {
		Kind        string         `json:"kind"`
		PayloadKind string         `json:"payload_kind"`
		Header      map[string]any `json:"header"`
		Payload     string         `json:"payload"`
	}
	if err := unmarshalJSON(bs, &doc); err != nil {
		return nil, fmt.Errorf("cas.Load %s: %w: %v", oid, ErrDecodeFailure, err)
	}
	payload, err := decodeRawBase64(doc.Payload)
	if err != nil {
		return nil, fmt.Errorf("cas.Load %s: %w: %v", oid, ErrDecodeFailure, err)
	}

	if err := s.index.touch(oid); err != nil {
		dlog.Debugf(ctx, "cas: best-effort last_accessed update for %s failed: %v", oid, err)
	}

	return &LoadedObject{
		OID:         oid,
		Kind:        doc.Kind,
		PayloadKind: doc.PayloadKind,
		Header:      doc.Header,
		Payload:     payload,
	}, nil
}

// PeekKind reports an object's kind by reading only its leading bytes, without a full decode
// or digest verification (spec §4.2 "Read": "optionally verify kind by scanning leading
// bytes without full decode").
func (s *Store) PeekKind(oid string) (string, error) {
	objPath := shardedPath(s.ctx.ObjectsDir(), oid)
	f, err := os.Open(objPath)
	if err != nil {
		return "", fmt.Errorf("cas.PeekKind %s: %w: %v", oid, ErrDecodeFailure, err)
	}
	defer f.Close() //nolint:errcheck

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("cas.PeekKind %s: %w: %v", oid, ErrDecodeFailure, err)
	}
	defer gz.Close() //nolint:errcheck

	const peekLen = 256
	buf := make([]byte, peekLen)
	n, _ := io.ReadFull(gz, buf)
	buf = buf[:n]

	idx := bytes.Index(buf, []byte(`"kind":"`))
	if idx < 0 {
		return "", fmt.Errorf("cas.PeekKind %s: %w: kind field not in leading bytes", oid, ErrDecodeFailure)
	}
	rest := buf[idx+len(`"kind":"`):]
	end := bytes.IndexByte(rest, '"')
	if end < 0 {
		return "", fmt.Errorf("cas.PeekKind %s: %w", oid, ErrDecodeFailure)
	}
	return string(rest[:end]), nil
}

// Exists reports whether oid is present in the store, without verifying its digest.
func (s *Store) Exists(oid string) bool {
	_, err := os.Stat(shardedPath(s.ctx.ObjectsDir(), oid))
	return err == nil
}

func readGzipFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close() //nolint:errcheck

	return io.ReadAll(gz)
}
