package device

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Dumper archives the screen at escalated-error time so a failure can
// be diagnosed after the fact. Dumps are gzipped PNGs; a dump failure
// is logged and swallowed.
type Dumper struct {
	logger *zap.Logger
	dir    string
}

// NewDumper creates a dumper writing into dir
func NewDumper(logger *zap.Logger, dir string) *Dumper {
	return &Dumper{logger: logger.Named("dumper"), dir: dir}
}

// Dump writes the frame as <tag>-<timestamp>.png.gz
func (d *Dumper) Dump(tag string, frame image.Image) {
	if d.dir == "" || frame == nil {
		return
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		d.logger.Warn("Failed to create dump directory", zap.Error(err))
		return
	}

	name := fmt.Sprintf("%s-%s.png.gz", tag, time.Now().Format("20060102T150405"))
	path := filepath.Join(d.dir, name)

	f, err := os.Create(path)
	if err != nil {
		d.logger.Warn("Failed to create dump file", zap.Error(err))
		return
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()

	if err := png.Encode(gz, frame); err != nil {
		d.logger.Warn("Failed to encode dump", zap.Error(err))
		return
	}
	d.logger.Info("Screen dump written", zap.String("path", path))
}
