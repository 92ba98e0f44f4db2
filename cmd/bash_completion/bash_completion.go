// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"fmt"
	"os"
	"path"

	"github.com/apptainer/squashfs-mount/cmd/internal/cli"
	"github.com/spf13/cobra"
)

// usage: bash_completion <output file> [rootless]
func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: bash_completion <output file> [rootless]")
		os.Exit(1)
	}

	fh, err := os.Create(os.Args[1])
	if err != nil {
		fmt.Println(err)
		return
	}
	defer fh.Close()

	var cmd *cobra.Command
	if len(os.Args) > 2 && os.Args[2] == "rootless" {
		cmd = cli.SquashfsMountRootlessCmd()
	} else {
		cmd = cli.SquashfsMountCmd()
	}
	cmd.Use = path.Base(os.Args[1])

	if err := cmd.GenBashCompletion(fh); err != nil {
		fmt.Println(err)
		return
	}
}
