// Copyright (C) 2021-2022  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/datawire/dlib/dexec"
	"github.com/google/go-containerregistry/pkg/name"
	ociv1 "github.com/google/go-containerregistry/pkg/v1"
	ociv1tarball "github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/spf13/cobra"

	"github.com/pxdev/px/pkg/cliutil"
	"github.com/pxdev/px/pkg/pxerr"
)

func init() {
	var sbxID, repo string

	cmd := &cobra.Command{
		Use:   "publish [flags] --sbx-id SBX_ID --repo REPO[:TAG]",
		Short: "Load a built sandbox image into the local docker daemon and push it to REPO",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pctx := currentPxCtx()

			err := func() error {
				if sbxID == "" || repo == "" {
					return &pxerr.UserError{
						Reason:  pxerr.ReasonInvalidState,
						Message: "--sbx-id and --repo are both required",
						Hint:    "run `px build` first to get an sbx_id",
					}
				}

				tarPath := filepath.Join(pctx.SandboxStore, "images", sbxID, "oci", "image.tar")
				img, err := ociv1tarball.ImageFromPath(tarPath, nil)
				if err != nil {
					return fmt.Errorf("publish: reading %s: %w", tarPath, err)
				}

				tag, err := name.NewTag(repo)
				if err != nil {
					return fmt.Errorf("publish: %w", err)
				}

				if err := dockerLoad(ctx, tag, img); err != nil {
					return err
				}
				return dexec.CommandContext(ctx, "docker", "push", tag.String()).Run()
			}()

			outcome := cliutil.Outcome(fmt.Sprintf("published %s", repo), map[string]any{"sbx_id": sbxID, "repo": repo}, err)
			return cliutil.Render(cmd.OutOrStdout(), outcome, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&sbxID, "sbx-id", "", "sandbox image id, as printed by `px build`")
	cmd.Flags().StringVar(&repo, "repo", "", "destination repo[:tag] to push to")
	argparser.AddCommand(cmd)
}

// dockerLoad feeds img into the local docker daemon under tag, the same `docker image load`
// pipe the OCI plumbing commands use to hand a built image to a running daemon.
func dockerLoad(ctx context.Context, tag name.Tag, img ociv1.Image) (err error) {
	cmd := dexec.CommandContext(ctx, "docker", "image", "load")
	pipe, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	defer func() {
		if waitErr := cmd.Wait(); err == nil {
			err = waitErr
		}
	}()
	if writeErr := ociv1tarball.Write(tag, img, pipe); writeErr != nil {
		_ = pipe.Close()
		return writeErr
	}
	return pipe.Close()
}
