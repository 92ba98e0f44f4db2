// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sylog

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// MessageLevelEnv is the environment variable carrying the message
// level from one squashfs-mount stage to the next. Its value is the
// numeric level, optionally followed by ",nocolor".
const MessageLevelEnv = "SQFSMNT_MESSAGELEVEL"

const noColorSuffix = ",nocolor"

const colorReset = "\x1b[0m"

var messageColors = map[messageLevel]string{
	FatalLevel: "\x1b[31m",
	ErrorLevel: "\x1b[31m",
	WarnLevel:  "\x1b[33m",
	InfoLevel:  "\x1b[34m",
}

var (
	loggerLevel = InfoLevel
	color       = true
	logWriter   = (io.Writer)(os.Stderr)
)

func init() {
	if level, useColor, ok := parseEnvLevel(os.Getenv(MessageLevelEnv)); ok {
		loggerLevel = level
		color = useColor
		return
	}
	color = term.IsTerminal(int(os.Stderr.Fd()))
}

// parseEnvLevel decodes a value produced by GetEnvVar.
func parseEnvLevel(v string) (messageLevel, bool, bool) {
	useColor := true
	if strings.HasSuffix(v, noColorSuffix) {
		useColor = false
		v = strings.TrimSuffix(v, noColorSuffix)
	}
	l, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, false
	}
	return messageLevel(l), useColor, true
}

// callerName returns the name of the function skip frames up the
// stack.
func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	details := runtime.FuncForPC(pc)
	if !ok || details == nil {
		return "????()"
	}
	name := details.Name()
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name + "()"
}

func prefix(msgLevel messageLevel) string {
	start, end := "", ""
	if c, ok := messageColors[msgLevel]; ok && color {
		start, end = c, colorReset
	}

	if loggerLevel < DebugLevel {
		return fmt.Sprintf("%s%-8s%s ", start, msgLevel.String()+":", end)
	}

	ids := fmt.Sprintf("[U=%d,P=%d]", os.Geteuid(), os.Getpid())
	return fmt.Sprintf("%s%-8s%s%-19s%-30s", start, msgLevel, end, ids, callerName(4))
}

func writef(msgLevel messageLevel, format string, a ...interface{}) {
	if loggerLevel < msgLevel {
		return
	}
	message := strings.TrimRight(fmt.Sprintf(format, a...), "\n")
	fmt.Fprintf(logWriter, "%s%s\n", prefix(msgLevel), message)
}

// Fatalf is equivalent to a call to Errorf followed by os.Exit(255). Code that
// may be imported by other projects should NOT use Fatalf.
func Fatalf(format string, a ...interface{}) {
	writef(FatalLevel, format, a...)
	os.Exit(255)
}

// Errorf writes an ERROR level message to the log but does not exit. This
// should be called when an error is being returned to the calling thread
func Errorf(format string, a ...interface{}) {
	writef(ErrorLevel, format, a...)
}

// Warningf writes a WARNING level message to the log.
func Warningf(format string, a ...interface{}) {
	writef(WarnLevel, format, a...)
}

// Infof writes an INFO level message to the log. By default, INFO level messages
// will always be output (unless running in silent)
func Infof(format string, a ...interface{}) {
	writef(InfoLevel, format, a...)
}

// Verbosef writes a VERBOSE level message to the log.
func Verbosef(format string, a ...interface{}) {
	writef(VerboseLevel, format, a...)
}

// Debugf writes a DEBUG level message to the log.
func Debugf(format string, a ...interface{}) {
	writef(DebugLevel, format, a...)
}

// SetLevel sets the message level and whether messages are colored.
func SetLevel(l int, useColor bool) {
	loggerLevel = messageLevel(l)
	color = useColor
}

// DisableColor turns off colored messages.
func DisableColor() {
	color = false
}

// GetLevel returns the current log level as integer
func GetLevel() int {
	return int(loggerLevel)
}

// GetEnvVar returns the MessageLevelEnv binding handing the current
// level and color setting to a child process.
func GetEnvVar() string {
	v := strconv.Itoa(int(loggerLevel))
	if !color {
		v += noColorSuffix
	}
	return MessageLevelEnv + "=" + v
}

// Writer returns an io.Writer to pass to an external packages logging utility.
// i.e when --quiet option is set, this function returns io.Discard writer to ignore output
func Writer() io.Writer {
	if loggerLevel <= LogLevel {
		return io.Discard
	}
	return logWriter
}

// DebugLogger returns a standard library logger for external packages
// (go-fuse) which only produces output at DEBUG level.
func DebugLogger() *log.Logger {
	if loggerLevel < DebugLevel {
		return log.New(io.Discard, "", 0)
	}
	return log.New(logWriter, "DEBUG    ", log.Lmicroseconds)
}

// SetWriter sets a new io.Writer for subsequent logging
// returns the previous writer so that it may be restored by the caller
// useful to capture log output during unit tests
func SetWriter(writer io.Writer) io.Writer {
	oldWriter := logWriter
	if writer != nil {
		logWriter = writer
	}
	return oldWriter
}
