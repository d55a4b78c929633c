// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package fetch_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pxdev/px/pkg/fetch"
)

func TestFetchWheelDownloadsAndVerifies(t *testing.T) {
	body := []byte("wheel-bytes")
	sum := sha256.Sum256(body)
	sha := hex.EncodeToString(sum[:])

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	spec := fetch.WheelSpec{Name: "Demo", Version: "1.0", Filename: "demo-1.0-py3-none-any.whl", URL: srv.URL, SHA256: sha}

	path, err := fetch.FetchWheel(context.Background(), cacheDir, spec, nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cacheDir, "wheels", "demo", "1.0", spec.Filename), path)
	require.Equal(t, 1, hits)

	// Second fetch is a cache hit: no further HTTP request.
	path2, err := fetch.FetchWheel(context.Background(), cacheDir, spec, nil)
	require.NoError(t, err)
	require.Equal(t, path, path2)
	require.Equal(t, 1, hits)
}

func TestFetchWheelRejectsDigestMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not-what-you-expected"))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	spec := fetch.WheelSpec{Name: "demo", Version: "1.0", Filename: "demo-1.0-py3-none-any.whl", URL: srv.URL, SHA256: "deadbeef"}

	_, err := fetch.FetchWheel(context.Background(), cacheDir, spec, nil)
	require.Error(t, err)

	// No partial file left in the destination path.
	_, statErr := os.Stat(filepath.Join(cacheDir, "wheels", "demo", "1.0", spec.Filename))
	require.True(t, os.IsNotExist(statErr))
}

func TestPrefetchDryRunReportsHitsWithoutFetching(t *testing.T) {
	cacheDir := t.TempDir()
	body := []byte("cached")
	sum := sha256.Sum256(body)
	sha := hex.EncodeToString(sum[:])
	spec := fetch.WheelSpec{Name: "demo", Version: "1.0", Filename: "demo-1.0-py3-none-any.whl", SHA256: sha}

	dest := filepath.Join(cacheDir, "wheels", "demo", "1.0", spec.Filename)
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, body, 0o644))

	result, err := fetch.Prefetch(context.Background(), cacheDir, []fetch.PrefetchSpec{{Wheel: &spec}}, fetch.PrefetchOptions{DryRun: true}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.Requested)
	require.Equal(t, 1, result.Hit)
	require.Equal(t, 0, result.Fetched)
}

func TestBuildIDIsStableAndNormalizesName(t *testing.T) {
	id1 := fetch.BuildID("My_Package", "1.0", "abcdef0123456789")
	id2 := fetch.BuildID("my-package", "1.0", "abcdef0123456789")
	require.Equal(t, id1, id2)
	require.Equal(t, "my-package-1.0-abcdef012345", id1)
}
