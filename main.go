// Package main implements year-sorter, a command that moves photos and videos
// from an input folder into year folders under an output folder. The year is
// read from the capture date embedded in each file's EXIF or track metadata.
// Files with metadata but no usable date go to a NOT_QUALIFIED folder for
// manual triage, and files without metadata are left where they are.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"unicode"
	"unicode/utf8"

	"github.com/spf13/pflag"
)

var (
	errMissingInputDir  = errors.New("please specify input directory")
	errMissingOutputDir = errors.New("please specify output directory")
)

// Exit statuses.
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

// Entry point of the program.
func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

// run parses args, sorts the input folder and returns the process exit status.
func run(args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	debug := debugEnabled(getenv)
	fmt.Fprintf(stdout, "Debug mode: %t\n", debug)

	logger := newLogger(stdout, stderr, debug)

	// Parse the command line arguments.
	params, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		logger.WithError(err).Error("Error parsing flags")
		return exitUsage
	}
	params.Debug = debug

	// Sort the files.
	if err := newSorter(params, logger).run(); err != nil {
		logger.Error(capitalize(err.Error()))
		return exitFatal
	}

	return exitOK
}

// Upper-cases the first letter of s so a wrapped error reads as a sentence.
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// Parses the command line flags.
// Returns an error if required flags are not set.
func parseFlags(args []string, output io.Writer) (sorterParams, error) {
	var params sorterParams

	flags := pflag.NewFlagSet("year-sorter", pflag.ContinueOnError)
	flags.SetOutput(output)

	flags.StringVarP(&params.InputDir, "input", "i", "", "the input directory containing media files")
	flags.StringVarP(&params.OutputDir, "output", "o", "", "the output directory for the year folders")
	flags.BoolVarP(&params.DryRun, "dry-run", "d", false, "only log the moves that would be made")
	flags.IntVarP(&params.Limit, "limit", "l", 0, "stop after this many media files (0 means no limit)")
	flags.BoolVar(&params.OCR, "ocr", false, "read imprinted timestamps when metadata has no date")

	if err := flags.Parse(args); err != nil {
		return params, err
	}

	// Check that the required input directory flag is set.
	if params.InputDir == "" {
		return params, fmt.Errorf("%w", errMissingInputDir)
	}
	// Check that the required output directory flag is set.
	if params.OutputDir == "" {
		return params, fmt.Errorf("%w", errMissingOutputDir)
	}

	return params, nil
}
