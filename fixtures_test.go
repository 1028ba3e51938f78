package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// EXIF tag ids used by the fixtures.
const (
	tagMake              = 0x010f
	tagExifIFDPointer    = 0x8769
	tagDateTimeOriginal  = 0x9003
	tagDateTimeDigitized = 0x9004
)

// An ASCII valued IFD entry.
type asciiTag struct {
	id  uint16
	val string
}

// buildTIFF returns a big-endian TIFF stream with ifd0 tags in IFD0 and
// exifTags in an Exif sub-IFD.
func buildTIFF(ifd0, exifTags []asciiTag) []byte {
	order := binary.BigEndian

	ifd0Count := len(ifd0)
	if len(exifTags) > 0 {
		ifd0Count++
	}

	exifOffset := 8 + 2 + 12*ifd0Count + 4
	dataOffset := exifOffset
	if len(exifTags) > 0 {
		dataOffset += 2 + 12*len(exifTags) + 4
	}

	var out, data bytes.Buffer

	writeEntry := func(buf *bytes.Buffer, t asciiTag) {
		v := append([]byte(t.val), 0)
		_ = binary.Write(buf, order, t.id)
		_ = binary.Write(buf, order, uint16(2))
		_ = binary.Write(buf, order, uint32(len(v)))
		if len(v) <= 4 {
			inline := make([]byte, 4)
			copy(inline, v)
			buf.Write(inline)
			return
		}
		_ = binary.Write(buf, order, uint32(dataOffset+data.Len()))
		data.Write(v)
		if data.Len()%2 == 1 {
			data.WriteByte(0)
		}
	}

	out.WriteString("MM\x00*")
	_ = binary.Write(&out, order, uint32(8))

	_ = binary.Write(&out, order, uint16(ifd0Count))
	for _, t := range ifd0 {
		writeEntry(&out, t)
	}
	if len(exifTags) > 0 {
		_ = binary.Write(&out, order, uint16(tagExifIFDPointer))
		_ = binary.Write(&out, order, uint16(4))
		_ = binary.Write(&out, order, uint32(1))
		_ = binary.Write(&out, order, uint32(exifOffset))
	}
	_ = binary.Write(&out, order, uint32(0))

	if len(exifTags) > 0 {
		_ = binary.Write(&out, order, uint16(len(exifTags)))
		for _, t := range exifTags {
			writeEntry(&out, t)
		}
		_ = binary.Write(&out, order, uint32(0))
	}

	out.Write(data.Bytes())

	return out.Bytes()
}

// buildJPEG wraps a TIFF stream in a minimal JPEG with an APP1 Exif segment.
func buildJPEG(tiffData []byte) []byte {
	var b bytes.Buffer

	b.Write([]byte{0xff, 0xd8})
	if tiffData != nil {
		b.Write([]byte{0xff, 0xe1})
		_ = binary.Write(&b, binary.BigEndian, uint16(2+6+len(tiffData)))
		b.WriteString("Exif\x00\x00")
		b.Write(tiffData)
	}
	b.Write([]byte{0xff, 0xd9})

	return b.Bytes()
}

// pngChunk encodes a chunk with a zero CRC. Chunk CRCs are not verified.
func pngChunk(typ string, payload []byte) []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.BigEndian, uint32(len(payload)))
	b.WriteString(typ)
	b.Write(payload)
	_ = binary.Write(&b, binary.BigEndian, uint32(0))
	return b.Bytes()
}

// buildPNG returns a PNG stream with an optional eXIf chunk.
func buildPNG(exifPayload []byte) []byte {
	var b bytes.Buffer
	b.Write(pngSignature)
	b.Write(pngChunk("IHDR", make([]byte, 13)))
	if exifPayload != nil {
		b.Write(pngChunk("eXIf", exifPayload))
	}
	b.Write(pngChunk("IEND", nil))
	return b.Bytes()
}

// box encodes an ISO BMFF box.
func box(typ string, payloads ...[]byte) []byte {
	size := 8
	for _, p := range payloads {
		size += len(p)
	}

	var b bytes.Buffer
	_ = binary.Write(&b, binary.BigEndian, uint32(size))
	b.WriteString(typ)
	for _, p := range payloads {
		b.Write(p)
	}
	return b.Bytes()
}

// mvhdBox encodes a version 0 movie header created at created.
// A zero time leaves the creation field unset.
func mvhdBox(created time.Time) []byte {
	var secs uint32
	if !created.IsZero() {
		secs = uint32(created.Unix() - mp4Epoch.Unix())
	}

	var p bytes.Buffer
	order := binary.BigEndian
	_ = binary.Write(&p, order, uint32(0))          // version and flags
	_ = binary.Write(&p, order, secs)               // creation time
	_ = binary.Write(&p, order, secs)               // modification time
	_ = binary.Write(&p, order, uint32(600))        // timescale
	_ = binary.Write(&p, order, uint32(0))          // duration
	_ = binary.Write(&p, order, uint32(0x00010000)) // rate
	_ = binary.Write(&p, order, uint16(0x0100))     // volume
	p.Write(make([]byte, 10))                       // reserved
	matrix := []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	for _, v := range matrix {
		_ = binary.Write(&p, order, v)
	}
	p.Write(make([]byte, 24))              // pre_defined
	_ = binary.Write(&p, order, uint32(1)) // next track id

	return box("mvhd", p.Bytes())
}

// be32 encodes v as a big-endian 32-bit integer.
func be32(v int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

// quickTimeMeta returns an Apple style meta box holding one mdta key and its
// UTF-8 value.
func quickTimeMeta(key, value string) []byte {
	hdlr := box("hdlr", make([]byte, 8), []byte("mdta"), make([]byte, 13))
	keys := box("keys", be32(0), be32(1), be32(8+len(key)), []byte("mdta"), []byte(key))

	// Items are named by the 1-based index of their key. Data type 1 is UTF-8.
	item := box("\x00\x00\x00\x01", box("data", be32(1), be32(0), []byte(value)))

	return box("meta", hdlr, keys, box("ilst", item))
}

// buildMovie returns a QuickTime stream. A nil mvhd omits the movie header.
func buildMovie(mvhd []byte) []byte {
	if mvhd == nil {
		return append(ftypBox(), box("free")...)
	}
	return buildMovieWith(mvhd)
}

// buildMovieWith returns a QuickTime stream whose moov box holds children.
func buildMovieWith(children ...[]byte) []byte {
	return append(ftypBox(), box("moov", children...)...)
}

func ftypBox() []byte {
	return box("ftyp", []byte("qt  "), make([]byte, 4), []byte("qt  "))
}

// writeFile creates name under dir with data and returns its path.
func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// Fixture contents shared by the tests.
var (
	photoWithOriginal = buildJPEG(buildTIFF(
		[]asciiTag{{tagMake, "Canon"}},
		[]asciiTag{{tagDateTimeOriginal, "2021:06:15 10:00:00"}, {tagDateTimeDigitized, "2022:01:01 00:00:00"}},
	))
	photoWithDigitized = buildJPEG(buildTIFF(
		[]asciiTag{{tagMake, "Canon"}},
		[]asciiTag{{tagDateTimeDigitized, "2018:12:31 23:59:59"}},
	))
	photoWithoutDate = buildJPEG(buildTIFF([]asciiTag{{tagMake, "Canon"}}, nil))
	photoBadDate     = buildJPEG(buildTIFF(
		[]asciiTag{{tagMake, "Canon"}},
		[]asciiTag{{tagDateTimeOriginal, "    :  :     :  :  "}},
	))
	pngWithDate = buildPNG(buildTIFF(
		[]asciiTag{{tagMake, "Canon"}},
		[]asciiTag{{tagDateTimeOriginal, "2020:02:29 12:00:00"}},
	))
	brokenPNG = append(append([]byte{}, pngSignature...), []byte("\x00\x00\x00\x0d\xff\xfe\xfd\xfcgarbage")...)
	clip2019  = buildMovie(mvhdBox(time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC)))
	gifImage  = []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;")

	// Shot on New Year's Eve in New York. mvhd holds the UTC instant.
	clipLocalDate = buildMovieWith(
		mvhdBox(time.Date(2022, time.January, 1, 4, 30, 0, 0, time.UTC)),
		quickTimeMeta(quickTimeCreationDateKey, "2021-12-31T23:30:00-0500"),
	)
	clipKeyOnly = buildMovieWith(
		mvhdBox(time.Time{}),
		quickTimeMeta(quickTimeCreationDateKey, "2016-07-04T12:00:00+02:00"),
	)
	clipBadKey = buildMovieWith(
		mvhdBox(time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC)),
		quickTimeMeta(quickTimeCreationDateKey, "sometime last summer"),
	)
)
