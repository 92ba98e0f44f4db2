// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sqfsmountconf

import (
	"fmt"
	"io"

	"github.com/pelletier/go-toml/v2"
)

const header = `# squashfs-mount configuration file
#
# max_loop_devices: highest number of /dev/loopN probed by squashfs-mount
# shared_loop_devices: reuse a loop device already bound to the same image
# mount_list_format: "plain" (image:mountpoint) or "file" (file://image:mountpoint)
#   for the UENV_MOUNT_LIST variable
# idle_timeout: seconds without request before squashfs-mount-rootless
#   unmounts an image, 0 never unmounts
# verify_mounts: check /proc/self/mountinfo after each squashfs-mount-rootless mount

`

// Generate writes c as a configuration file to w.
func Generate(w io.Writer, c *File) error {
	if err := c.validate(); err != nil {
		return err
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	enc := toml.NewEncoder(w)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("while encoding configuration: %w", err)
	}
	return nil
}
