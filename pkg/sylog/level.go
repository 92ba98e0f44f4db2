// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sylog

type messageLevel int

// Message levels, from the most to the least important.
const (
	FatalLevel   messageLevel = iota - 4 // -4
	ErrorLevel                           // -3
	WarnLevel                            // -2
	LogLevel                             // -1
	_                                    // 0
	InfoLevel                            // 1
	VerboseLevel                         // 2
	_                                    // 3
	DebugLevel                           // 4
)

func (l messageLevel) String() string {
	str, ok := messageLabels[l]
	if !ok {
		str = "????"
	}
	return str
}

var messageLabels = map[messageLevel]string{
	FatalLevel:   "FATAL",
	ErrorLevel:   "ERROR",
	WarnLevel:    "WARNING",
	LogLevel:     "LOG",
	InfoLevel:    "INFO",
	VerboseLevel: "VERBOSE",
	DebugLevel:   "DEBUG",
}
