// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2019-2020, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"github.com/apptainer/squashfs-mount/cmd/internal/cli"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
	"golang.org/x/sys/unix"
)

func assertAccess(dir string) {
	if err := unix.Access(dir, unix.W_OK); err != nil {
		sylog.Fatalf("Given directory (%s) does not exist or is not writable by calling user", dir)
	}
}

func markdownDocs(cmds []*cobra.Command, outDir string) {
	assertAccess(outDir)
	sylog.Infof("Creating markdown docs at %s\n", outDir)
	for _, cmd := range cmds {
		if err := doc.GenMarkdownTree(cmd, outDir); err != nil {
			sylog.Fatalf("Failed to create markdown docs for %s: %s", cmd.Name(), err)
		}
	}
}

func manDocs(cmds []*cobra.Command, outDir string) {
	assertAccess(outDir)
	sylog.Infof("Creating man pages at %s\n", outDir)
	for _, cmd := range cmds {
		header := &doc.GenManHeader{
			Title:   cmd.Name(),
			Section: "1",
		}
		if err := doc.GenManTree(cmd, header, outDir); err != nil {
			sylog.Fatalf("Failed to create man pages for %s: %s", cmd.Name(), err)
		}
	}
}

func main() {
	var dir string
	rootCmd := &cobra.Command{
		ValidArgs: []string{"markdown", "man"},
		Args:      cobra.ExactArgs(1),
		Use:       "makeDocs {markdown | man}",
		Short:     "Generates squashfs-mount documentation",
		Run: func(_ *cobra.Command, args []string) {
			cmds := []*cobra.Command{cli.SquashfsMountCmd(), cli.SquashfsMountRootlessCmd()}
			switch args[0] {
			case "markdown":
				markdownDocs(cmds, dir)
			case "man":
				manDocs(cmds, dir)
			default:
				sylog.Fatalf("Invalid output type %s\n", args[0])
			}
		},
	}
	rootCmd.Flags().StringVarP(&dir, "dir", "d", ".", "Directory in which to put the generated documentation")
	rootCmd.Execute()
}
