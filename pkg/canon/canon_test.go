// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package canon_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxdev/px/pkg/canon"
)

func TestOIDIsStableAcrossMapOrdering(t *testing.T) {
	t.Parallel()

	header1 := map[string]any{"name": "requests", "version": "2.32.3", "sha256": "abc"}
	header2 := map[string]any{"sha256": "abc", "version": "2.32.3", "name": "requests"}

	env1 := canon.Envelope{Kind: canon.KindSource, PayloadKind: "wheel", Header: header1, Payload: []byte("hello")}
	env2 := canon.Envelope{Kind: canon.KindSource, PayloadKind: "wheel", Header: header2, Payload: []byte("hello")}

	oid1, err := canon.OID(env1)
	require.NoError(t, err)
	oid2, err := canon.OID(env2)
	require.NoError(t, err)

	assert.Equal(t, oid1, oid2)
	assert.Len(t, oid1, 64)
}

func TestOIDChangesWithPayload(t *testing.T) {
	t.Parallel()

	header := map[string]any{"name": "requests"}
	oidA, err := canon.OID(canon.Envelope{Kind: canon.KindSource, PayloadKind: "wheel", Header: header, Payload: []byte("a")})
	require.NoError(t, err)
	oidB, err := canon.OID(canon.Envelope{Kind: canon.KindSource, PayloadKind: "wheel", Header: header, Payload: []byte("b")})
	require.NoError(t, err)

	assert.NotEqual(t, oidA, oidB)
}

func TestEncodeHasNoWhitespace(t *testing.T) {
	t.Parallel()

	bs, err := canon.Encode(canon.Envelope{
		Kind:        canon.KindMeta,
		PayloadKind: "opaque",
		Header:      map[string]any{"a": 1, "b": []any{"x", "y"}},
		Payload:     nil,
	})
	require.NoError(t, err)

	for _, b := range bs {
		switch b {
		case ' ', '\t', '\n', '\r':
			t.Fatalf("unexpected whitespace byte %q in canonical encoding", b)
		}
	}
}

func TestSortObjectsIsStableByFields(t *testing.T) {
	t.Parallel()

	items := []map[string]any{
		{"name": "b", "version": "1.0", "pkg_build_oid": "z"},
		{"name": "a", "version": "2.0", "pkg_build_oid": "y"},
		{"name": "a", "version": "1.0", "pkg_build_oid": "x"},
	}
	canon.SortObjects(items, "name", "version", "pkg_build_oid")

	require.Equal(t, "a", items[0]["name"])
	require.Equal(t, "1.0", items[0]["version"])
	require.Equal(t, "a", items[1]["name"])
	require.Equal(t, "2.0", items[1]["version"])
	require.Equal(t, "b", items[2]["name"])
}
