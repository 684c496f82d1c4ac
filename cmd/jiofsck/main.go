// jiofsck checks and recovers the journal of a file written with jio.
//
// Usage:
//
//	jiofsck [--clean] [--dir DIR] FILE
//
// Where FILE is the file whose journal should be checked. With --clean the
// journal directory is removed after recovery. --dir points at a journal
// directory in a non-default location.
//
// The historical operand spellings "clean=1" and "dir=DIR" are accepted too.
//
// Examples:
//
//	jiofsck file
//	jiofsck --clean file
//	jiofsck --dir /tmp/journal file
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/jio"
)

func main() {
	os.Exit(run(os.Stdout, os.Stderr, os.Args[1:]))
}

// run parses arguments, performs the check, and reports. Returns the exit
// code.
func run(out, errOut io.Writer, args []string) int {
	flags := flag.NewFlagSet("jiofsck", flag.ContinueOnError)
	flags.SetOutput(&strings.Builder{}) // discard pflag output
	flags.Usage = func() {}

	clean := flags.Bool("clean", false, "remove the journal directory after recovery")
	dir := flags.StringP("dir", "d", "", "journal `directory` (default: derived from FILE)")
	help := flags.BoolP("help", "h", false, "show help")

	err := flags.Parse(args)
	if err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut)

		return 1
	}

	if *help {
		printUsage(out)

		return 0
	}

	file := ""

	for _, arg := range flags.Args() {
		switch {
		case arg == "clean=1":
			*clean = true
		case strings.HasPrefix(arg, "dir="):
			*dir = strings.TrimPrefix(arg, "dir=")
		default:
			file = arg
		}
	}

	if file == "" {
		printUsage(errOut)

		return 1
	}

	fsckFlags := jio.FsckFlags(0)
	if *clean {
		fsckFlags |= jio.FsckCleanup
	}

	fprintln(out, "Checking journal:", file)

	res, err := jio.Fsck(file, *dir, fsckFlags)

	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		fprintln(errOut, "No such file or directory")

		return 1
	case errors.Is(err, jio.ErrNoJournal):
		fprintln(errOut, "No journal associated to the file, or journal empty")

		return 1
	case errors.Is(err, jio.ErrCleanup):
		fprintln(errOut, "Error cleaning up the journal directory")

		return 1
	default:
		fprintln(errOut, "error:", err)

		return 1
	}

	fprintln(out, "")
	fprintln(out, "Journal checking results")
	fprintln(out, "------------------------")
	fprintln(out, "")
	fprintf(out, "Total:\t\t%d\n", res.Total)
	fprintf(out, "Invalid:\t%d\n", res.Invalid)
	fprintf(out, "In progress:\t%d\n", res.InProgress)
	fprintf(out, "Broken:\t\t%d\n", res.Broken)
	fprintf(out, "Corrupt:\t%d\n", res.Corrupt)
	fprintf(out, "Apply error:\t%d\n", res.ApplyError)
	fprintf(out, "Reapplied:\t%d\n", res.Reapplied)

	if *clean {
		fprintln(out, "")
		fprintln(out, "The journal has been cleaned up.")
	}

	return 0
}

func printUsage(w io.Writer) {
	fprintln(w, "Use: jiofsck [--clean] [--dir DIR] FILE")
	fprintln(w, "")
	fprintln(w, "Checks the journal of FILE, re-applying complete transactions and")
	fprintln(w, "discarding the rest. --clean removes the journal directory after")
	fprintln(w, "recovery; --dir points at a journal directory in a non-default place.")
}

// fprintln writes a line, ignoring the error; there is nothing useful to do
// when stdout/stderr are gone.
func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func fprintf(w io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(w, format, a...)
}
