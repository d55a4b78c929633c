// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package canon implements the Canonical Encoder (spec §4.1, component C1): a deterministic
// JSON envelope plus SHA-256 OID for every CAS object kind. Two invocations with
// semantically equal input must produce byte-identical output, regardless of map iteration
// order, goroutine scheduling, or process.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind names a top-level object variant (spec §3 "Object (CAS)").
type Kind string

const (
	KindSource       Kind = "source"
	KindPkgBuild     Kind = "pkg_build"
	KindRuntime      Kind = "runtime"
	KindRepoSnapshot Kind = "repo_snapshot"
	KindProfile      Kind = "profile"
	KindMeta         Kind = "meta"
)

// Envelope is the single top-level shape every object is encoded as: {kind, payload_kind,
// header, payload}. payload_kind exists so decoders can dispatch without re-deriving it from
// kind (spec §9 "Dynamic dispatch across object kinds": encoder and decoder share one
// {kind, payload_kind} mapping).
type Envelope struct {
	Kind        Kind   `json:"kind"`
	PayloadKind string `json:"payload_kind"`
	Header      any    `json:"header"`
	Payload     []byte `json:"payload"` // raw bytes; Encode base64-encodes these itself
}

// Encode produces the canonical bytes for an envelope: recursively key-sorted JSON, no
// whitespace, payload as un-padded base64, UTF-8.
func Encode(env Envelope) ([]byte, error) {
	headerValue, err := normalize(env.Header)
	if err != nil {
		return nil, fmt.Errorf("canon.Encode: normalizing header: %w", err)
	}

	doc := map[string]any{
		"kind":         string(env.Kind),
		"payload_kind": env.PayloadKind,
		"header":       headerValue,
		"payload":      base64.RawStdEncoding.EncodeToString(env.Payload),
	}

	var buf bytes.Buffer
	if err := encodeValue(&buf, doc); err != nil {
		return nil, fmt.Errorf("canon.Encode: %w", err)
	}
	return buf.Bytes(), nil
}

// OID returns the lowercase-hex SHA-256 of Encode(env).
func OID(env Envelope) (string, error) {
	bs, err := Encode(env)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(bs)
	return hex.EncodeToString(sum[:]), nil
}

// normalize round-trips v through encoding/json to collapse it to the plain
// map[string]any/[]any/string/float64/bool/nil universe, so encodeValue only has one set of
// cases to worry about regardless of what concrete Go struct the caller passed in.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(bs))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// encodeValue writes v (already normalize()d) as compact, key-sorted JSON.
func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		// string, bool, json.Number: encoding/json already renders these stably.
		bs, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(bs)
		return nil
	}
}

// SortObjects sorts a []map[string]any by the given field names in order, used by
// callers (e.g. pkg/profile) that must present arrays in a defined order before calling
// Encode -- Encode itself does not reorder array elements, only object keys.
func SortObjects(items []map[string]any, fields ...string) {
	sort.SliceStable(items, func(i, j int) bool {
		for _, f := range fields {
			a := fmt.Sprint(items[i][f])
			b := fmt.Sprint(items[j][f])
			if a != b {
				return a < b
			}
		}
		return false
	})
}
