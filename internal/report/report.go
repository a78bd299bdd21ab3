// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.



// Package report is the log and report sink. Messages go to a writer, and
// optionally also to a log file. No prefixes or newlines are forced on plain log output.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

type Severity int

const (
	Info Severity = iota
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	}
	return "INFO"
}

// Receives pre-composed messages of a given severity
type Reporter interface {
	Report(sev Severity, msg string)
}

// Convenience for formatted reports
func Reportf(r Reporter, sev Severity, format string, args ...interface{}) {
	if r == nil {
		return
	}
	r.Report(sev, fmt.Sprintf(format, args...))
}

// Writes reports as lines to a writer. Warnings and errors carry a prefix
type WriterReporter struct {
	W io.Writer
}

func NewWriterReporter(w io.Writer) *WriterReporter { return &WriterReporter{W: w} }

func (r *WriterReporter) Report(sev Severity, msg string) {
	if sev == Info {
		fmt.Fprintf(r.W, "%s\n", msg)
	} else {
		fmt.Fprintf(r.W, "%s: %s\n", sev, msg)
	}
}

// An entry captured by a Recorder
type Entry struct {
	Severity Severity
	Message  string
}

// Records reports in memory, for tests and for REST status output
type Recorder struct {
	mutex   sync.Mutex
	Entries []Entry
}

func (r *Recorder) Report(sev Severity, msg string) {
	r.mutex.Lock()
	r.Entries = append(r.Entries, Entry{sev, msg})
	r.mutex.Unlock()
}

// Returns the number of entries with the given severity
func (r *Recorder) Count(sev Severity) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n := 0
	for _, e := range r.Entries {
		if e.Severity == sev {
			n++
		}
	}
	return n
}

// Singleton log file writer, shared by all log output

var logMutex sync.Mutex
var logFile *bufio.Writer
var logFileOS *os.File

// Enables logging to file in addition to the returned writer's primary target
func LogAlsoToFile(fileName string) (err error) {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile != nil {
		if err = logFile.Flush(); err != nil {
			return err
		}
		if err = logFileOS.Close(); err != nil {
			return err
		}
	}
	logFileOS, err = os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		logFile, logFileOS = nil, nil
		return err
	}
	logFile = bufio.NewWriter(logFileOS)
	return nil
}

// A writer which copies everything to the log file, if one is enabled
type teeWriter struct {
	primary io.Writer
}

// Returns a writer to w which also writes to the log file, if enabled
func Tee(w io.Writer) io.Writer { return &teeWriter{primary: w} }

func (t *teeWriter) Write(p []byte) (n int, err error) {
	n, err = t.primary.Write(p)
	if err != nil {
		return n, err
	}
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile != nil {
		logFile.Write(p)
	}
	return n, nil
}

// Flushes and syncs the log file
func LogSync() {
	logMutex.Lock()
	defer logMutex.Unlock()
	if logFile == nil {
		return
	}
	logFile.Flush()
	logFileOS.Sync()
}

// Prints to the log and exits
func LogFatalf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
	logMutex.Lock()
	if logFile != nil {
		logFile.Flush()
		logFileOS.Close()
	}
	logMutex.Unlock()
	os.Exit(1)
}
