// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package mountentry turns image:mountpoint tokens into validated mount
// entries.
package mountentry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apptainer/squashfs-mount/pkg/image"
	"github.com/apptainer/squashfs-mount/pkg/sylog"
)

// Separator splits the image path from the mountpoint in a token.
const Separator = ":"

// Entry is one image to mount and where to mount it.
type Entry struct {
	Image      string
	Mountpoint string
	// Offset of the squashfs superblock inside Image, set by Validate.
	Offset uint64
}

// String renders the entry back as an image:mountpoint token.
func (e Entry) String() string {
	return e.Image + Separator + e.Mountpoint
}

// InvalidFormatError is returned for a token which is not made of
// exactly two non-empty parts.
type InvalidFormatError struct {
	Token string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("invalid mount %q: expected <image>:<mountpoint>", e.Token)
}

// PathResolutionError is returned when a relative path can't be
// canonicalized.
type PathResolutionError struct {
	Token string
	Path  string
	Err   error
}

func (e *PathResolutionError) Error() string {
	return fmt.Sprintf("invalid mount %q: could not resolve %s: %v", e.Token, e.Path, e.Err)
}

func (e *PathResolutionError) Unwrap() error {
	return e.Err
}

// ValidationError is returned when an entry does not point to an
// existing squashfs image and an existing directory.
type ValidationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// resolve returns path unchanged if it's absolute, otherwise the
// canonical absolute path. Absolute paths may only exist once earlier
// entries are mounted, so they are not looked up on the host.
func resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// ParseToken parses a single image:mountpoint token.
func ParseToken(token string) (Entry, error) {
	parts := strings.Split(token, Separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Entry{}, &InvalidFormatError{Token: token}
	}

	var e Entry
	for i, p := range parts {
		abs, err := resolve(p)
		if err != nil {
			return Entry{}, &PathResolutionError{Token: token, Path: p, Err: err}
		}
		if i == 0 {
			e.Image = abs
		} else {
			e.Mountpoint = abs
		}
	}
	return e, nil
}

// Parse parses all tokens and returns the entries sorted by mountpoint.
func Parse(tokens []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(tokens))
	for _, t := range tokens {
		e, err := ParseToken(t)
		if err != nil {
			return nil, err
		}
		sylog.Debugf("Parsed mount %s", e)
		entries = append(entries, e)
	}
	Sort(entries)
	return entries, nil
}

// Sort orders entries by mountpoint, byte-wise, so a mountpoint
// nested into another one is mounted after it.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Mountpoint < entries[j].Mountpoint
	})
}

// DuplicateMountpoint returns the first mountpoint appearing twice in
// sorted entries.
func DuplicateMountpoint(sorted []Entry) (string, bool) {
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Mountpoint == sorted[i-1].Mountpoint {
			return sorted[i].Mountpoint, true
		}
	}
	return "", false
}

// DuplicateImages returns every image path referenced more than once,
// in order of first appearance.
func DuplicateImages(entries []Entry) []string {
	seen := make(map[string]int, len(entries))
	var dups []string
	for _, e := range entries {
		seen[e.Image]++
		if seen[e.Image] == 2 {
			dups = append(dups, e.Image)
		}
	}
	return dups
}

// Tokens renders entries back as image:mountpoint tokens.
func Tokens(entries []Entry) []string {
	tokens := make([]string, len(entries))
	for i, e := range entries {
		tokens[i] = e.String()
	}
	return tokens
}

// Validate checks that the mountpoint is a directory and the image a
// regular squashfs file, and returns the entry with Offset set.
func (e Entry) Validate() (Entry, error) {
	fi, err := os.Stat(e.Mountpoint)
	if err != nil {
		return e, &ValidationError{Path: e.Mountpoint, Reason: "mountpoint is not accessible", Err: err}
	}
	if !fi.IsDir() {
		return e, &ValidationError{Path: e.Mountpoint, Reason: "mountpoint is not a directory"}
	}

	fi, err = os.Stat(e.Image)
	if err != nil {
		return e, &ValidationError{Path: e.Image, Reason: "image is not accessible", Err: err}
	}
	if !fi.Mode().IsRegular() {
		return e, &ValidationError{Path: e.Image, Reason: "image is not a regular file"}
	}

	offset, err := image.SquashfsOffset(e.Image)
	if err != nil {
		return e, &ValidationError{Path: e.Image, Reason: "is not a squashfs image", Err: err}
	}
	e.Offset = offset
	return e, nil
}
