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
			Use:   "takesnap NAME SNAPSHOT_DEV",
			Short: "Take a snapshot of an era device at the current era",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		RunE: func(ctx context.Context, ctl *eractl.Ctl, args []string) error {
			return ctl.TakeSnapshot(ctx, args[0], args[1])
		},
	})

	commands = append(commands, subcommand{
		Command: cobra.Command{
			Use:   "dropsnap SNAPSHOT_DEV",
			Short: "Drop a snapshot taken earlier with takesnap",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(ctx context.Context, ctl *eractl.Ctl, args []string) error {
			return ctl.DropSnapshot(ctx, args[0])
		},
	})
}
