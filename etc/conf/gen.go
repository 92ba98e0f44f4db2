// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apptainer/squashfs-mount/pkg/util/sqfsmountconf"
)

func main() {
	switch len(os.Args) {
	case 3:
		genConf(filepath.Clean(os.Args[1]), filepath.Clean(os.Args[2]))
	case 2:
		genConf("", filepath.Clean(os.Args[1]))
	default:
		fmt.Println("Usage: go run ./etc/conf [infile] <outfile>")
		os.Exit(1)
	}
}

// genConf writes a squashfs-mount.toml file at out, keeping the
// settings of in when it exists.
func genConf(in, out string) {
	c := sqfsmountconf.Default()
	if in != "" {
		var err error
		// Parse returns the defaults when in doesn't exist
		if c, err = sqfsmountconf.Parse(in); err != nil {
			fmt.Printf("Unable to parse %s: %s\n", in, err)
			os.Exit(1)
		}
	}

	f, err := os.OpenFile(out, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Printf("Unable to create file %s: %v\n", out, err)
		os.Exit(1)
	}
	defer f.Close()

	if err := sqfsmountconf.Generate(f, c); err != nil {
		fmt.Printf("Unable to generate config file: %v\n", err)
		os.Exit(1)
	}
}
