package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	log "github.com/sirupsen/logrus"
)

type (
	// The metadata operations the classifier relies on. mediaSource
	// implements it on top of goexif and go-mp4.
	metadataSource interface {
		hasExif() bool
		hasTrack() bool
		parseExif() (exifTags, error)
		parseTrack() (trackInfo, error)
		Close() error
	}

	// Reads a date imprinted into the picture, such as a trail camera overlay.
	stampReader interface {
		readStamp(path string) (time.Time, error)
	}

	// Decides the destination subfolder of a media file from its metadata.
	classifier struct {
		log    log.FieldLogger
		open   func(path string) (metadataSource, error) // Opens a file as a metadata source.
		stamps stampReader                               // Optional OCR fallback. Nil disables it.
	}
)

// Bucket for files whose metadata exists but yields no usable date.
const notQualified = "NOT_QUALIFIED"

var errTrackDateMissing = errors.New("track metadata has no creation date")

// newClassifier returns a classifier reading metadata from disk.
// stamps may be nil.
func newClassifier(logger log.FieldLogger, stamps stampReader) *classifier {
	return &classifier{
		log: logger,
		open: func(path string) (metadataSource, error) {
			return openMediaSource(path)
		},
		stamps: stamps,
	}
}

// classify returns the subfolder name for the file at path.
// ok is false when the file has no usable metadata and must be left in place.
// A non-nil error is fatal for the whole run.
func (c *classifier) classify(path string) (subfolder string, ok bool, err error) {
	src, err := c.open(path)
	if err != nil {
		c.log.Warnf("Couldn't get metadata of the file so skipping it. Details: %v", err)
		return "", false, nil
	}
	defer func() {
		if err := src.Close(); err != nil {
			c.log.WithFields(log.Fields{"path": path, "error": err}).Debug("Error closing media source")
		}
	}()

	switch {
	case src.hasExif():
		return c.classifyExif(path, src)
	case src.hasTrack():
		return c.classifyTrack(path, src)
	}

	c.log.Warn("No Exif or Track data found so skipping the current file.")

	return "", false, nil
}

// Picks the year of the original capture date, falling back to the create date.
func (c *classifier) classifyExif(path string, src metadataSource) (string, bool, error) {
	tags, err := src.parseExif()
	if err != nil {
		c.log.Warnf("Failed parsing Exif data. Details: %v", err)
		return c.fallback(path), true, nil
	}

	entry, found := tags.find(exif.DateTimeOriginal, exif.DateTimeDigitized)
	if !found {
		c.log.Warn("Failed reading Exif data. Details: No DateTimeOriginal or CreateDate tag found.")
		return c.fallback(path), true, nil
	}

	taken, err := parseExifTime(entry.Value)
	if err != nil {
		c.log.Warnf("Failed reading Exif data. Details: tag %s: %v", entry.Name, err)
		return c.fallback(path), true, nil
	}

	c.log.WithFields(log.Fields{"tag": entry.Name, "value": entry.Value}).Debug("Found capture date")

	return yearFolder(taken), true, nil
}

// Picks the year of the movie header creation date.
func (c *classifier) classifyTrack(path string, src metadataSource) (string, bool, error) {
	info, err := src.parseTrack()
	if err != nil {
		c.log.Warnf("Failed parsing track data. Details: %v", err)
		return c.fallback(path), true, nil
	}

	created, found := info.get(trackCreateDate)
	if !found {
		return "", false, fmt.Errorf("%w: %s", errTrackDateMissing, path)
	}

	c.log.WithField("create_date", created.Format(time.RFC3339)).Debug("Found track creation date")

	return yearFolder(created), true, nil
}

// fallback returns the unqualified bucket, unless the stamp reader can
// recover a date from the picture itself.
func (c *classifier) fallback(path string) string {
	if c.stamps == nil {
		return notQualified
	}

	stamp, err := c.stamps.readStamp(path)
	if err != nil {
		c.log.WithFields(log.Fields{"path": path, "error": err}).Warn("OCR: no usable timestamp")
		return notQualified
	}

	c.log.WithFields(log.Fields{"path": path, "timestamp": stamp.Format(time.RFC3339)}).Info("OCR: recovered timestamp")

	return yearFolder(stamp)
}

// Formats the calendar year of t with four digits.
func yearFolder(t time.Time) string {
	return fmt.Sprintf("%04d", t.Year())
}
