package vision

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TextReader extracts text from a screenshot region. Unreadable or
// malformed content yields ok=false, never an error.
type TextReader interface {
	ReadText(ctx context.Context, frame image.Image, region Region) (string, bool)
	ReadDigits(ctx context.Context, frame image.Image, region Region) (string, bool)
}

// ExecReader shells out to a tesseract-compatible binary on stdin/stdout
type ExecReader struct {
	logger *zap.Logger
	binary string
}

// NewExecReader creates a reader backed by the given OCR binary
func NewExecReader(logger *zap.Logger, binary string) *ExecReader {
	return &ExecReader{logger: logger.Named("ocr"), binary: binary}
}

// ReadText reads alphanumeric text from the region
func (r *ExecReader) ReadText(ctx context.Context, frame image.Image, region Region) (string, bool) {
	out, ok := r.run(ctx, frame, region,
		"-c", "tessedit_char_whitelist=ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789 ")
	if !ok {
		return "", false
	}
	cleaned := strings.TrimSpace(out)
	if cleaned == "" {
		return "", false
	}
	return cleaned, true
}

// ReadDigits reads a digits-only region, with all other glyphs rejected
func (r *ExecReader) ReadDigits(ctx context.Context, frame image.Image, region Region) (string, bool) {
	out, ok := r.run(ctx, frame, region, "-c", "tessedit_char_whitelist=0123456789")
	if !ok {
		return "", false
	}
	digits := keepDigits(out)
	if digits == "" {
		return "", false
	}
	return digits, true
}

func (r *ExecReader) run(ctx context.Context, frame image.Image, region Region, extra ...string) (string, bool) {
	cropped := crop(frame, region)

	var buf bytes.Buffer
	if err := png.Encode(&buf, cropped); err != nil {
		r.logger.Warn("Failed to encode OCR region", zap.Error(err))
		return "", false
	}

	args := append([]string{"stdin", "stdout", "--psm", "7"}, extra...)
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stdin = &buf

	out, err := cmd.Output()
	if err != nil {
		r.logger.Debug("OCR run failed", zap.Error(err))
		return "", false
	}
	return string(out), true
}

func crop(frame image.Image, region Region) image.Image {
	bounds := frame.Bounds()
	rect := image.Rect(region.X, region.Y, region.X+region.W, region.Y+region.H).
		Add(bounds.Min).Intersect(bounds)

	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if si, ok := frame.(subImager); ok {
		return si.SubImage(rect)
	}

	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			out.Set(x, y, frame.At(rect.Min.X+x, rect.Min.Y+y))
		}
	}
	return out
}

func keepDigits(s string) string {
	var b strings.Builder
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// ParseTimer converts a digits-only OCR read of an in-game HHMMSS timer
// to a duration. Anything other than exactly six digits is rejected:
// partial reads of a moving timer are worse than no read.
func ParseTimer(digits string) (time.Duration, bool) {
	digits = keepDigits(digits)
	if len(digits) != 6 {
		return 0, false
	}
	h := int(digits[0]-'0')*10 + int(digits[1]-'0')
	m := int(digits[2]-'0')*10 + int(digits[3]-'0')
	s := int(digits[4]-'0')*10 + int(digits[5]-'0')
	if m > 59 || s > 59 {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, true
}
