// This file is part of refindgen
// Copyright 2024 Will Hopkins
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"os"

	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	"github.com/willothy/refindgen/refind"
)

func main() {
	flags := gnuflag.NewFlagSet("refindgen", gnuflag.ExitOnError)
	dryRun := flags.Bool("dry-run", false, "print the generated config instead of installing")
	debug := flags.Bool("debug", false, "log at DEBUG level")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: refindgen [--dry-run] [--debug] <config.json>")
		flags.PrintDefaults()
	}
	flags.Parse(true, os.Args[1:])

	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	level := "WARNING"
	if *debug {
		level = "DEBUG"
	}
	if err := loggo.ConfigureLoggers("<root>=" + level); err != nil {
		fmt.Fprintf(os.Stderr, "refindgen: %v\n", err)
		os.Exit(1)
	}

	cfg, err := refind.LoadInstallConfig(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "refindgen: %v\n", err)
		os.Exit(1)
	}
	if err := refind.NewInstaller(cfg, *dryRun).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "refindgen: %v\n", err)
		os.Exit(1)
	}
}
