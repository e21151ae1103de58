// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package textui formats human-facing output: locale-aware printf and
// the size/percentage renderings used by the status command.
package textui

import (
	"fmt"
	"io"

	"golang.org/x/exp/constraints"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Fprintf is like fmt.Fprintf, but with locale-aware number
// formatting.
func Fprintf(w io.Writer, key string, a ...any) (n int, err error) {
	return printer.Fprintf(w, key, a...)
}

// Sprintf is like fmt.Sprintf, but with locale-aware number
// formatting.
func Sprintf(key string, a ...any) string {
	return printer.Sprintf(key, a...)
}

var iecPrefixes = []string{"", "Ki", "Mi", "Gi", "Ti", "Pi", "Ei"}

// IEC renders x with a binary prefix: IEC(65536, "B") is "64.00KiB".
func IEC[T constraints.Integer](x T, unit string) string {
	d := float64(x)
	i := 0
	for d >= 1024 && i < len(iecPrefixes)-1 {
		d /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d%s", int64(x), unit)
	}
	return fmt.Sprintf("%.2f%s%s", d, iecPrefixes[i], unit)
}

// Percent renders val/total as a percentage, "?%" when total is
// unknown.
func Percent(val, total uint64) string {
	if total == 0 {
		return "?%"
	}
	if val >= total {
		return "100%"
	}
	p := float64(val) / float64(total) * 100
	if p < 10 {
		return fmt.Sprintf("%.2f%%", p)
	}
	return fmt.Sprintf("%.1f%%", p)
}
