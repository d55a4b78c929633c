// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/datawire/dlib/dlog"
)

// fileLock is a simple advisory, exclusive, per-path lock backed by atomic directory
// creation (os.Mkdir returns EEXIST atomically on every platform this runs on; there is no
// flock/gofrs-flock dependency anywhere in the retrieval pack, see DESIGN.md). It is used for
// per-OID write/delete locks and per-object materialization locks (spec §5 "Locking").
type fileLock struct {
	path string
}

// acquireLock blocks (polling) until it creates <locksDir>/<name>.lock, or ctx is canceled.
func acquireLock(ctx context.Context, locksDir, name string) (*fileLock, error) {
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("cas: creating locks dir: %w", err)
	}
	path := filepath.Join(locksDir, name+".lock")

	const pollInterval = 25 * time.Millisecond
	for {
		err := os.Mkdir(path, 0o755)
		if err == nil {
			return &fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("cas: acquiring lock %q: %w", path, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (l *fileLock) Release(ctx context.Context) {
	if l == nil {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		dlog.Warnf(ctx, "cas: releasing lock %q: %v", l.path, err)
	}
}
