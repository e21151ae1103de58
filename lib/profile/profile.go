// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package profile wires optional CPU and heap profiling into the CLI.
package profile

import (
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/datawire/dlib/derror"
	"github.com/spf13/pflag"
)

type Flags struct {
	cpuFile string
	memFile string

	cpuOut *os.File
}

// AddFlags registers the profiling flags on fs.
func AddFlags(fs *pflag.FlagSet) *Flags {
	var f Flags
	fs.StringVar(&f.cpuFile, "profile-cpu", "", "write a CPU profile to `file`")
	fs.StringVar(&f.memFile, "profile-mem", "", "write a heap profile to `file` on exit")
	return &f
}

// Start begins CPU profiling if requested.
func (f *Flags) Start() error {
	if f.cpuFile == "" {
		return nil
	}
	out, err := os.Create(f.cpuFile)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(out); err != nil {
		_ = out.Close()
		return err
	}
	f.cpuOut = out
	return nil
}

// Stop finishes the profiles requested at Start.
func (f *Flags) Stop() error {
	var errs derror.MultiError
	if f.cpuOut != nil {
		pprof.StopCPUProfile()
		if err := f.cpuOut.Close(); err != nil {
			errs = append(errs, err)
		}
		f.cpuOut = nil
	}
	if f.memFile != "" {
		out, err := os.Create(f.memFile)
		if err != nil {
			errs = append(errs, err)
		} else {
			runtime.GC()
			if err := pprof.WriteHeapProfile(out); err != nil {
				errs = append(errs, err)
			}
			if err := out.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
