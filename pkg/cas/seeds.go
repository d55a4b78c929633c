// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// seedsFile persists the pkg-build OID of each seed package (pip, setuptools, uv) that the
// Environment Materializer (C7) links into a fresh env's site-packages when missing (spec
// §4.7 step 8). Whatever process first builds/fetches a seed package registers its OID here;
// the store itself never chooses what "the pinned pip version" is.
type seedsFile struct {
	Seeds map[string]string `json:"seeds"` // name -> pkg_build OID
}

func (s *Store) seedsPath() string { return filepath.Join(s.ctx.StoreRoot, "seeds.json") }

func (s *Store) loadSeeds() (seedsFile, error) {
	var sf seedsFile
	bs, err := os.ReadFile(s.seedsPath())
	if os.IsNotExist(err) {
		return seedsFile{Seeds: map[string]string{}}, nil
	}
	if err != nil {
		return sf, err
	}
	if err := json.Unmarshal(bs, &sf); err != nil {
		return sf, err
	}
	if sf.Seeds == nil {
		sf.Seeds = map[string]string{}
	}
	return sf, nil
}

// SetSeedOID records which pkg-build OID is the pinned build of a seed package.
func (s *Store) SetSeedOID(name, oid string) error {
	sf, err := s.loadSeeds()
	if err != nil {
		return fmt.Errorf("cas.SetSeedOID: %w", err)
	}
	sf.Seeds[name] = oid
	return writeJSONAtomic(s.ctx.TmpDir(), s.seedsPath(), sf)
}

// SeedOID looks up the pkg-build OID registered for a seed package name.
func (s *Store) SeedOID(name string) (string, error) {
	sf, err := s.loadSeeds()
	if err != nil {
		return "", fmt.Errorf("cas.SeedOID: %w", err)
	}
	oid, ok := sf.Seeds[name]
	if !ok {
		return "", fmt.Errorf("cas.SeedOID: no seed recorded for %q", name)
	}
	return oid, nil
}
