// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/004helix/erasetup-go/lib/eractl"
)

func init() {
	commands = append(commands, subcommand{
		Command: cobra.Command{
			Use:   "create NAME METADATA_DEV DATA_DEV [CHUNK]",
			Short: "Create a new era device over a data device",
			Args:  cliutil.WrapPositionalArgs(cobra.RangeArgs(3, 4)),
		},
		RunE: func(ctx context.Context, ctl *eractl.Ctl, args []string) error {
			chunk := uint32(eractl.DefChunkSectors)
			if len(args) == 4 {
				var err error
				if chunk, err = eractl.ParseChunk(args[3]); err != nil {
					return err
				}
			}
			return ctl.Create(ctx, args[0], args[1], args[2], chunk)
		},
	})

	commands = append(commands, subcommand{
		Command: cobra.Command{
			Use:   "open NAME METADATA_DEV DATA_DEV",
			Short: "Activate an existing era device",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(3)),
		},
		RunE: func(ctx context.Context, ctl *eractl.Ctl, args []string) error {
			return ctl.Open(ctx, args[0], args[1], args[2])
		},
	})

	commands = append(commands, subcommand{
		Command: cobra.Command{
			Use:   "close NAME",
			Short: "Deactivate an era device",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(ctx context.Context, ctl *eractl.Ctl, args []string) error {
			return ctl.Close(ctx, args[0])
		},
	})
}
