// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/004helix/erasetup-go/lib/eractl"
	"github.com/004helix/erasetup-go/lib/eraprim"
	"github.com/004helix/erasetup-go/lib/textui"
)

func writeJSON(obj any) (err error) {
	buffer := bufio.NewWriter(os.Stdout)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	return lowmemjson.NewEncoder(lowmemjson.NewReEncoder(buffer, lowmemjson.ReEncoderConfig{
		Indent:                "\t",
		ForceTrailingNewlines: true,
	})).Encode(obj)
}

func init() {
	var formatFlag string
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "status [NAME]",
			Short: "Show era devices and their snapshots",
			Args:  cliutil.WrapPositionalArgs(cobra.MaximumNArgs(1)),
		},
		RunE: func(ctx context.Context, ctl *eractl.Ctl, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			devs, err := ctl.Status(ctx, name)
			if err != nil {
				return err
			}

			if formatFlag == "json" {
				return writeJSON(devs)
			}

			for _, dev := range devs {
				held := ""
				if dev.Held {
					held = " [metadata snapshot held]"
				}
				textui.Fprintf(os.Stdout, "%s: era %d, chunk %s, data %s, metadata used %s%s\n",
					dev.Name, dev.CurrentEra,
					textui.IEC(uint64(dev.Chunk)<<eraprim.SectorShift, "B"),
					textui.IEC(dev.DataSectors<<eraprim.SectorShift, "B"),
					textui.Percent(dev.MetaUsed, dev.MetaTotal),
					held)
				for _, snap := range dev.Snapshots {
					textui.Fprintf(os.Stdout, "  %s: %s\n", snap.Name, snap.Status)
				}
			}
			return nil
		},
	}
	cmd.Command.Flags().StringVar(&formatFlag, "format", "text", "output `format`: text or json")
	commands = append(commands, cmd)
}
