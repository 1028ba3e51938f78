package main

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/otiai10/gosseract"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Reads timestamp overlays with OpenCV and Tesseract.
type ocrStampReader struct {
	log      log.FieldLogger
	debugDir string // When set, cropped stamp regions are written here.
}

var (
	errFailedToReadFrame    = errors.New("failed to read frame")
	errEmptyStampRegion     = errors.New("timestamp region is empty")
	errOCRReturnedEmptyText = errors.New("OCR returned empty text")
	errNoTimestampInText    = errors.New("no timestamp found in OCR text")
	errImageWrite           = errors.New("failed to write image to file")
)

// Fraction of the frame height, measured from the bottom, that holds the overlay.
const stampBandHeight = 0.08

// Extensions decoded as still images. Everything else is read as video.
var stillExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// stampPatterns pairs timestamp expressions with their time layouts.
var stampPatterns = []struct {
	regex  *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`\d{2}:\d{2}(?:AM|PM) \d{2}/\d{2}/\d{4}`), "03:04PM 01/02/2006"},
	{regexp.MustCompile(`\d{4}[-/:]\d{2}[-/:]\d{2} \d{2}:\d{2}:\d{2}`), "2006-01-02 15:04:05"},
	{regexp.MustCompile(`\d{2}/\d{2}/\d{4} \d{2}:\d{2}:\d{2}`), "01/02/2006 15:04:05"},
	{regexp.MustCompile(`\d{4}[-/]\d{2}[-/]\d{2}`), "2006-01-02"},
	{regexp.MustCompile(`\d{2}/\d{2}/\d{4}`), "01/02/2006"},
}

// readStamp crops the bottom band of the first frame of path and reads the
// timestamp printed there.
func (r *ocrStampReader) readStamp(path string) (time.Time, error) {
	frame, err := r.readFrame(path)
	if err != nil {
		return time.Time{}, err
	}
	defer func() {
		if err := frame.Close(); err != nil {
			r.log.WithError(err).Error("Error closing frame")
		}
	}()

	band := stampRegion(frame.Cols(), frame.Rows())
	if band.Empty() {
		return time.Time{}, fmt.Errorf("%w", errEmptyStampRegion)
	}

	cropped := frame.Region(band)
	defer func() {
		if err := cropped.Close(); err != nil {
			r.log.WithError(err).Error("Error closing cropped image")
		}
	}()

	if err := r.debugImage(&cropped, filepath.Base(path)+"-stamp.png"); err != nil {
		return time.Time{}, err
	}

	text, err := r.performOCR(&cropped)
	if err != nil {
		return time.Time{}, err
	}

	r.log.WithFields(log.Fields{"path": path, "ocr_text": strings.TrimSpace(text)}).Debug("OCR: text read")

	return parseStampText(text)
}

// Decodes a still image, or the first frame of a video.
func (r *ocrStampReader) readFrame(path string) (gocv.Mat, error) {
	if stillExtensions[strings.ToLower(filepath.Ext(path))] {
		img := gocv.IMRead(path, gocv.IMReadColor)
		if img.Empty() {
			_ = img.Close()
			return img, fmt.Errorf("%w: %s", errFailedToReadFrame, path)
		}
		return img, nil
	}

	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer func() {
		if err := capture.Close(); err != nil {
			r.log.WithError(err).Error("Error closing video capture")
		}
	}()

	frame := gocv.NewMat()
	if ok := capture.Read(&frame); !ok || frame.Empty() {
		_ = frame.Close()
		return frame, fmt.Errorf("%w: %s", errFailedToReadFrame, path)
	}

	return frame, nil
}

// Runs Tesseract on a grayscale copy of the image.
func (r *ocrStampReader) performOCR(img *gocv.Mat) (string, error) {
	client := gosseract.NewClient()
	defer func() {
		if err := client.Close(); err != nil {
			r.log.WithError(err).Error("Error closing Tesseract client")
		}
	}()

	gray := gocv.NewMat()
	defer func() {
		if err := gray.Close(); err != nil {
			r.log.WithError(err).Error("Error closing grayscale image")
		}
	}()

	gocv.CvtColor(*img, &gray, gocv.ColorBGRToGray)

	buf, err := gocv.IMEncode(".png", gray)
	if err != nil {
		return "", err
	}
	defer buf.Close()

	if err := client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return "", err
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		return "", err
	}
	if err := client.SetLanguage("eng"); err != nil {
		return "", err
	}

	text, err := client.Text()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w", errOCRReturnedEmptyText)
	}

	return text, nil
}

// Writes img into the debug directory.
func (r *ocrStampReader) debugImage(img *gocv.Mat, filename string) error {
	if r.debugDir == "" {
		return nil
	}

	const dirPerm = 0o755
	if err := os.MkdirAll(r.debugDir, dirPerm); err != nil {
		return err
	}

	filename = filepath.Join(r.debugDir, filename)
	if ok := gocv.IMWrite(filename, *img); !ok {
		return fmt.Errorf("%w: %s", errImageWrite, filename)
	}

	r.log.WithField("filename", filename).Debug("Debug image written")

	return nil
}

// stampRegion returns the bottom band of a cols x rows frame.
func stampRegion(cols, rows int) image.Rectangle {
	top := int(float64(rows) * (1 - stampBandHeight))
	return image.Rect(0, top, cols, rows)
}

// parseStampText finds the first recognizable timestamp in OCR output.
func parseStampText(text string) (time.Time, error) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)

		for _, p := range stampPatterns {
			match := p.regex.FindString(line)
			if match == "" {
				continue
			}

			// Normalize separators of ISO like dates.
			if strings.HasPrefix(p.layout, "2006-") {
				match = normalizeISODate(match)
			}

			if t, err := time.Parse(p.layout, match); err == nil {
				return t, nil
			}
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", errNoTimestampInText, strings.TrimSpace(text))
}

// Rewrites the date part of "YYYY/MM/DD" or "YYYY:MM:DD" to "YYYY-MM-DD".
func normalizeISODate(s string) string {
	const dateLength = 10
	if len(s) < dateLength {
		return s
	}
	date := strings.NewReplacer("/", "-", ":", "-").Replace(s[:dateLength])
	return date + s[dateLength:]
}
