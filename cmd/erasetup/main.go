// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command erasetup manages device-mapper era targets: device
// lifecycle, era snapshots, and metadata inspection.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/004helix/erasetup-go/lib/eractl"
	"github.com/004helix/erasetup-go/lib/eradm"
	"github.com/004helix/erasetup-go/lib/profile"
	"github.com/004helix/erasetup-go/lib/textui"
)

type subcommand struct {
	cobra.Command
	RunE func(ctx context.Context, ctl *eractl.Ctl, args []string) error

	// NoDM marks subcommands that never touch the device-mapper
	// control device (metadata inspection only).
	NoDM bool
}

var commands []subcommand

func main() {
	var verboseFlag int
	var forceFlag bool

	argparser := &cobra.Command{
		Use:   "erasetup {[flags]|SUBCOMMAND}",
		Short: "Set up device-mapper era targets and their snapshots",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().CountVarP(&verboseFlag, "verbose", "v", "print progress detail; repeat for debug output")
	argparser.PersistentFlags().BoolVarP(&forceFlag, "force", "f", false, "relax destructive-operation checks")
	prof := profile.AddFlags(argparser.PersistentFlags())

	for i := range commands {
		child := &commands[i]
		cmd := &child.Command
		runE := child.RunE
		noDM := child.NoDM
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			switch verboseFlag {
			case 0:
				logger.SetLevel(logrus.WarnLevel)
			case 1:
				logger.SetLevel(logrus.InfoLevel)
			case 2:
				logger.SetLevel(logrus.DebugLevel)
			default:
				logger.SetLevel(logrus.TraceLevel)
			}
			ctx := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

			if err := prof.Start(); err != nil {
				return err
			}
			defer func() {
				if err := prof.Stop(); err != nil {
					dlog.Errorf(ctx, "profile: %v", err)
				}
			}()

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				ctl := eractl.New(nil, forceFlag)
				if !noDM {
					dm, err := eradm.Open()
					if err != nil {
						return err
					}
					defer func() { _ = dm.Close() }()
					ctl.DM = dm
				}
				return runE(ctx, ctl, args)
			})
			return grp.Wait()
		}
		argparser.AddCommand(cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
