// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pxdev/px/pkg/pxerr"
	"github.com/pxdev/px/pkg/python/pep425"
	"github.com/pxdev/px/pkg/python/pep440"
	"github.com/pxdev/px/pkg/python/pypa/simple_repo_api"
)

// ResolveWheelSpec queries indexURL's PEP 503/592/629 simple-repository API directly for a
// wheel matching pkgname==version that is compatible with supportedTags (spec §4.3 "Wheel
// fetch" assumes a concrete URL already in hand; this is the index-discovery path that
// produces one for lock entries that reach materialization without a resolver-supplied
// artifact pin). indexURL == "" uses pep503.PyPIBaseURL.
func ResolveWheelSpec(ctx context.Context, indexURL, pkgname, version string, supportedTags pep425.Installer, client *http.Client) (WheelSpec, error) {
	spec, err := pep440.ParseSpecifier("==" + version)
	if err != nil {
		return WheelSpec{}, fmt.Errorf("fetch.ResolveWheelSpec: %w", err)
	}

	c := simple_repo_api.NewClient(nil, supportedTags)
	if indexURL != "" {
		c.Client.BaseURL = indexURL
	}
	if client != nil {
		c.Client.HTTPClient = client
	}

	link, err := c.SelectWheel(ctx, pkgname, spec)
	if err != nil {
		return WheelSpec{}, &pxerr.UserError{
			Reason:  pxerr.ReasonResolveNoMatch,
			Message: fmt.Sprintf("%s==%s: %v", pkgname, version, err),
			Hint:    "check the package publishes a compatible wheel on the configured index",
		}
	}

	wheelURL, err := url.Parse(link.HRef)
	if err != nil {
		return WheelSpec{}, fmt.Errorf("fetch.ResolveWheelSpec: %w", err)
	}
	sha256hex := strings.TrimPrefix(wheelURL.Fragment, "sha256=")
	wheelURL.Fragment = ""

	return WheelSpec{
		Name:     pkgname,
		Version:  version,
		Filename: link.Text,
		URL:      wheelURL.String(),
		SHA256:   sha256hex,
	}, nil
}
