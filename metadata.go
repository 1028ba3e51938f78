package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/abema/go-mp4"
	exifsearch "github.com/dsoprea/go-exif/v3"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

type (
	// The container family detected from a file's leading bytes.
	mediaKind int

	// A media file opened for metadata inspection.
	mediaSource struct {
		path   string    // Path of the underlying file.
		file   *os.File  // Open handle. Parsers rewind it before reading.
		kind   mediaKind // Container family.
		format string    // Short container name used in log fields.
		header [16]byte  // Leading bytes used for sniffing.
	}

	// A single decoded EXIF field.
	exifEntry struct {
		Name  exif.FieldName
		Value string
	}

	// The decoded EXIF fields of an image, in decoding order.
	exifTags []exifEntry

	// Named fields decoded from track metadata.
	trackTag int

	// Track metadata decoded from the movie header, keyed by field.
	trackInfo map[trackTag]time.Time
)

const (
	kindUnknown mediaKind = iota
	kindImage             // Carries photographic (EXIF) metadata.
	kindTrack             // Carries ISO BMFF / QuickTime track metadata.
	kindOther             // A recognized container without supported metadata.
)

const (
	trackCreateDate trackTag = iota
	trackModifyDate
)

var (
	errEmptyFile            = errors.New("file is empty or too short to identify")
	errUnsupportedContainer = errors.New("unsupported media container")
	errNotExifSource        = errors.New("source has no photographic metadata")
	errNotTrackSource       = errors.New("source has no track metadata")
)

// The QuickTime/ISO BMFF epoch.
var mp4Epoch = time.Date(1904, time.January, 1, 0, 0, 0, 0, time.UTC)

// Signature of a PNG stream.
var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// openMediaSource opens the file at path and identifies its container.
// It fails when the file cannot be read or its container is not recognized.
// The caller must Close the returned source.
func openMediaSource(path string) (*mediaSource, error) {
	// Open the file.
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	src := &mediaSource{path: path, file: file}

	// Read the leading bytes. Shorter files are still sniffed.
	n, err := io.ReadFull(file, src.header[:])
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		_ = file.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s", errEmptyFile, path)
		}
		return nil, err
	}

	// Identify the container.
	src.kind, src.format = sniffContainer(src.header[:n])
	if src.kind == kindUnknown {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s", errUnsupportedContainer, path)
	}

	return src, nil
}

// sniffContainer maps leading bytes to a container family and name.
func sniffContainer(h []byte) (mediaKind, string) {
	switch {
	case len(h) >= 3 && h[0] == 0xff && h[1] == 0xd8 && h[2] == 0xff:
		return kindImage, "jpeg"
	case bytes.HasPrefix(h, pngSignature):
		return kindImage, "png"
	case bytes.HasPrefix(h, []byte("II*\x00")), bytes.HasPrefix(h, []byte("MM\x00*")):
		return kindImage, "tiff"
	case len(h) >= 8 && isBoxType(string(h[4:8])):
		return kindTrack, "isobmff"
	case bytes.HasPrefix(h, []byte("GIF8")):
		return kindOther, "gif"
	case bytes.HasPrefix(h, []byte("BM")):
		return kindOther, "bmp"
	case len(h) >= 12 && bytes.HasPrefix(h, []byte("RIFF")) && string(h[8:12]) == "WEBP":
		return kindOther, "webp"
	}

	return kindUnknown, ""
}

// Reports whether s is a top-level box type that starts a MOV/MP4 file.
func isBoxType(s string) bool {
	switch s {
	case "ftyp", "moov", "mdat", "wide", "free", "skip":
		return true
	}
	return false
}

// Close releases the underlying file.
func (s *mediaSource) Close() error {
	return s.file.Close()
}

// hasExif reports whether the source carries photographic metadata.
func (s *mediaSource) hasExif() bool {
	return s.kind == kindImage
}

// hasTrack reports whether the source carries track metadata.
func (s *mediaSource) hasTrack() bool {
	return s.kind == kindTrack
}

// parseExif decodes the EXIF tag set of an image source.
func (s *mediaSource) parseExif() (exifTags, error) {
	if !s.hasExif() {
		return nil, errNotExifSource
	}

	// Rewind past the sniffed header.
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var r io.Reader = s.file

	// PNG keeps its TIFF stream in an eXIf chunk, which goexif can't reach.
	if s.format == "png" {
		raw, err := exifsearch.SearchAndExtractExifWithReader(s.file)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(raw)
	}

	// Decode the TIFF stream. Errors on single fields are tolerated.
	x, err := exif.Decode(r)
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		return nil, err
	}

	// Collect every field.
	var tags exifTags
	if err := x.Walk(&tags); err != nil {
		return nil, err
	}

	return tags, nil
}

// Walk implements exif.Walker by collecting every field as text.
func (t *exifTags) Walk(name exif.FieldName, tag *tiff.Tag) error {
	value, err := tag.StringVal()
	if err != nil {
		// Not an ASCII field.
		value = tag.String()
	}
	*t = append(*t, exifEntry{Name: name, Value: strings.TrimRight(value, "\x00")})
	return nil
}

// find returns the value of the first listed field present in the set.
func (t exifTags) find(names ...exif.FieldName) (exifEntry, bool) {
	for _, name := range names {
		for _, entry := range t {
			if entry.Name == name {
				return entry, true
			}
		}
	}
	return exifEntry{}, false
}

// parseTrack decodes the movie header and QuickTime metadata of a track source.
// The creation date is the com.apple.quicktime.creationdate value, with its
// local offset, when present and readable, and the mvhd time otherwise.
func (s *mediaSource) parseTrack() (trackInfo, error) {
	if !s.hasTrack() {
		return nil, errNotTrackSource
	}

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	// Collect the date carrying boxes in one pass.
	movie, err := readMovieMetadata(s.file)
	if err != nil {
		return nil, err
	}

	info := trackInfo{}

	if movie.header != nil {
		created, modified := uint64(movie.header.CreationTimeV0), uint64(movie.header.ModificationTimeV0)
		if movie.header.GetVersion() == 1 {
			created, modified = movie.header.CreationTimeV1, movie.header.ModificationTimeV1
		}

		// Zero means the writer never set the field.
		if created != 0 {
			info[trackCreateDate] = fromMP4Time(created)
		}
		if modified != 0 {
			info[trackModifyDate] = fromMP4Time(modified)
		}
	}

	// Prefer the local capture time. An unreadable value leaves the mvhd date.
	if value, ok := movie.stringValue(quickTimeCreationDateKey); ok {
		if created, err := parseQuickTimeTime(value); err == nil {
			info[trackCreateDate] = created
		}
	}

	return info, nil
}

// QuickTime metadata key holding the capture time with its local offset.
const quickTimeCreationDateKey = "com.apple.quicktime.creationdate"

// The boxes of a movie that carry dates.
type movieMetadata struct {
	header *mp4.Mvhd           // moov/mvhd, nil when absent.
	keys   map[uint32]string   // moov/meta/keys by 1-based index.
	items  map[uint32]mp4.Data // moov/meta/ilst values by key index.
}

// readMovieMetadata walks the box tree of r once, collecting the movie header
// and the QuickTime key/value metadata.
func readMovieMetadata(r io.ReadSeeker) (*movieMetadata, error) {
	movie := &movieMetadata{
		keys:  map[uint32]string{},
		items: map[uint32]mp4.Data{},
	}

	moov, meta := mp4.BoxTypeMoov(), mp4.BoxTypeMeta()

	_, err := mp4.ReadBoxStructure(r, func(h *mp4.ReadHandle) (interface{}, error) {
		switch {
		case isBoxPath(h.Path, moov), isBoxPath(h.Path, moov, meta), isBoxPath(h.Path, moov, meta, mp4.BoxTypeIlst()):
			// Containers on the way to the values.
			_, err := h.Expand()
			return nil, err

		case isBoxPath(h.Path, moov, mp4.BoxTypeMvhd()):
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			movie.header, _ = box.(*mp4.Mvhd)

		case isBoxPath(h.Path, moov, meta, mp4.BoxTypeKeys()):
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if keys, ok := box.(*mp4.Keys); ok {
				for i, entry := range keys.Entries {
					movie.keys[uint32(i+1)] = string(entry.KeyValue)
				}
			}

		case len(h.Path) == 4 && isBoxPath(h.Path[:3], moov, meta, mp4.BoxTypeIlst()):
			// Numbered items are only decodable when a keys box declared them.
			if !h.BoxInfo.IsSupportedType() {
				return nil, nil
			}
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if item, ok := box.(*mp4.Item); ok {
				movie.items[binary.BigEndian.Uint32(h.BoxInfo.Type[:])] = item.Data
			}
		}

		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	return movie, nil
}

// stringValue returns the UTF-8 value stored under the named key.
func (m *movieMetadata) stringValue(name string) (string, bool) {
	for index, key := range m.keys {
		if key != name {
			continue
		}
		data, ok := m.items[index]
		if !ok || data.DataType != mp4.DataTypeStringUTF8 {
			return "", false
		}
		return strings.TrimRight(string(data.Data), "\x00"), true
	}
	return "", false
}

// Reports whether path is exactly the given box types.
func isBoxPath(path mp4.BoxPath, types ...mp4.BoxType) bool {
	if len(path) != len(types) {
		return false
	}
	for i := range types {
		if path[i] != types[i] {
			return false
		}
	}
	return true
}

// get returns the value stored for tag, if any.
func (t trackInfo) get(tag trackTag) (time.Time, bool) {
	v, ok := t[tag]
	return v, ok
}

// quickTimeDateLayouts lists the encodings seen in QuickTime date values.
var quickTimeDateLayouts = []string{
	"2006-01-02T15:04:05-0700",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// Parses a QuickTime date value, keeping its offset so the year stays local.
func parseQuickTimeTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)

	for _, layout := range quickTimeDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized QuickTime date %q", value)
}

// Converts seconds since the QuickTime epoch to UTC time.
func fromMP4Time(secs uint64) time.Time {
	return time.Unix(mp4Epoch.Unix()+int64(secs), 0).UTC()
}

// exifDateLayouts lists the accepted EXIF date/time encodings.
var exifDateLayouts = []string{
	"2006:01:02 15:04:05",
	"2006:01:02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006:01:02",
}

// parseExifTime reads an EXIF date/time string as wall-clock time.
// Trailing sub-second or offset text is ignored.
func parseExifTime(value string) (time.Time, error) {
	value = strings.TrimSpace(strings.TrimRight(value, "\x00"))

	for _, layout := range exifDateLayouts {
		if len(value) < len(layout) {
			continue
		}
		if t, err := time.Parse(layout, value[:len(layout)]); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized date/time value %q", value)
}
