package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

type (
	// Moves media files from an input folder into year folders.
	sorter struct {
		params     sorterParams    // Holds the command line flags.
		log        log.FieldLogger // Console logger for the run.
		classifier *classifier     // Picks each file's destination subfolder.
		ignoreMap  map[string]bool // Names of platform junk entries to skip.
	}

	// Contains parameters for the sorter.
	sorterParams struct {
		InputDir  string // The input directory containing media files.
		OutputDir string // The root directory for the year folders.
		DryRun    bool   // If true, the files will not be moved.
		Debug     bool   // Enables debug output.
		Limit     int    // Stops after this many classified files. 0 means unlimited.
		OCR       bool   // Reads imprinted timestamps when metadata has no date.
	}
)

var (
	errReadInputDir      = errors.New("error while reading input directory")
	errMissingExtension  = errors.New("file has no extension")
	errCreateDestination = errors.New("failed to create destination folder")
	errMoveFile          = errors.New("failed to move file")
)

// Lowercased extensions of the media files that get sorted.
var mediaExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"mov":  true,
	"mp4":  true,
}

// Directory, relative to the working directory, that receives OCR debug images.
const ocrDebugDir = "debug"

// Overridable in tests.
var (
	renameFunc   = os.Rename
	mkdirAllFunc = os.MkdirAll
)

// newSorter initializes a sorter from params. The OCR fallback is attached
// only when params.OCR is set.
func newSorter(params sorterParams, logger log.FieldLogger) *sorter {
	var stamps stampReader
	if params.OCR {
		reader := &ocrStampReader{log: logger}
		if params.Debug {
			reader.debugDir = ocrDebugDir
		}
		stamps = reader
	}

	return &sorter{
		params:     params,
		log:        logger,
		classifier: newClassifier(logger, stamps),
		ignoreMap:  getIgnoreMap(),
	}
}

// Generates a map containing names that are never treated as media files.
func getIgnoreMap() map[string]bool {
	ignoreNames := []string{
		"$RECYCLE.BIN",
		".Spotlight-V100",
		"System Volume Information",
		".fseventsd",
		".Trashes",
		".DS_Store",
	}

	ignoreMap := make(map[string]bool, len(ignoreNames))
	for _, name := range ignoreNames {
		ignoreMap[name] = true
	}

	return ignoreMap
}

// run processes every entry of the input folder once, in directory order.
// Any returned error aborts the run. Entries not reached yet are left untouched.
func (s *sorter) run() error {
	s.log.Debug("Reading input folder...📖")

	// Read the folder once, so files moved into it are never revisited.
	entries, err := os.ReadDir(s.params.InputDir)
	if err != nil {
		return fmt.Errorf("%w. Details: %v", errReadInputDir, err)
	}

	s.log.Info("Iterating through files in the folder...🏃")

	// Count the files handed to the classifier, for the limit.
	classified := 0
	for i, entry := range entries {
		s.log.Infof("Processing file %d of %d ⏳", i+1, len(entries))

		// Sort the entry. An error stops the run.
		handled, err := s.processEntry(entry)
		if err != nil {
			return err
		}
		if !handled {
			continue
		}

		// Stop once the limit is reached.
		classified++
		if s.params.Limit > 0 && classified >= s.params.Limit {
			s.log.WithField("limit", s.params.Limit).Info("Limit reached")
			break
		}
	}

	return nil
}

// processEntry sorts a single directory entry. It reports whether the
// classifier was consulted.
func (s *sorter) processEntry(entry os.DirEntry) (bool, error) {
	fileName := entry.Name()
	path := filepath.Join(s.params.InputDir, fileName)

	s.log.Debugf("File name: %s 🪲", fileName)

	// Directories and platform junk are skipped before the extension check, so they never abort the run.
	if entry.IsDir() {
		s.log.WithFields(log.Fields{"type": "directory", "path": path}).Debug("Skipping directory")
		return false, nil
	}

	if s.ignoreMap[fileName] {
		s.log.WithFields(log.Fields{"type": "file", "path": path}).Warn("Skipping ignored file")
		return false, nil
	}

	// A name without an extension aborts the run.
	extension, ok := fileExtension(fileName)
	if !ok {
		return false, fmt.Errorf("%w: %q", errMissingExtension, fileName)
	}

	// Only media files are sorted.
	if !mediaExtensions[extension] {
		return false, nil
	}

	if info, err := entry.Info(); err == nil {
		s.log.WithField("size", humanize.Bytes(uint64(info.Size()))).Debug("File size")
	}

	// Pick the destination subfolder from the metadata.
	subfolder, ok, err := s.classifier.classify(path)
	if err != nil {
		return true, err
	}
	if !ok {
		return true, nil
	}

	dest := destinationPath(s.params.OutputDir, subfolder, fileName)

	// Only log the move if DryRun is true.
	if s.params.DryRun {
		s.log.Info("Dry run... (Skipping moving the file.)")
		s.log.Infof("Would move %s to %s", fileName, dest)
		return true, nil
	}

	return true, s.moveFile(path, dest)
}

// fileExtension returns the lowercased extension of name without its dot.
// A name with no dot, or whose only dot leads the name, has no extension.
// A trailing dot yields an empty extension.
func fileExtension(name string) (string, bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return "", false
	}
	return strings.ToLower(name[i+1:]), true
}

// destinationPath builds {output}/{subfolder}/{name}.
func destinationPath(outputDir, subfolder, name string) string {
	return filepath.Join(outputDir, subfolder, name)
}

// moveFile creates the destination folder and renames src into it.
func (s *sorter) moveFile(src, dest string) error {
	const dirPerm = 0o755

	// Create the destination directory.
	if err := mkdirAllFunc(filepath.Dir(dest), dirPerm); err != nil {
		return fmt.Errorf("%w %s: %v", errCreateDestination, filepath.Dir(dest), err)
	}

	s.log.WithFields(log.Fields{"type": "RENAME", "src": src, "dest": dest}).Info("Moving file")

	// Rename the file.
	if err := renameFunc(src, dest); err != nil {
		if isEXDEV(err) {
			err = &crossDeviceError{Src: src, Dst: dest, Err: err}
		}
		return fmt.Errorf("%w: %w", errMoveFile, err)
	}

	return nil
}

// Reports a rename that failed because source and destination are on
// different filesystems. Files are never copied across devices.
type crossDeviceError struct {
	Src string
	Dst string
	Err error
}

func (e *crossDeviceError) Error() string {
	return fmt.Sprintf("cannot move %q to %q across filesystems: %v", e.Src, e.Dst, e.Err)
}

func (e *crossDeviceError) Unwrap() error { return e.Err }
