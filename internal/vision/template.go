package vision

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Gray is a template or frame reduced to 8-bit luminance
type Gray struct {
	Pix    []uint8
	Width  int
	Height int
}

// At returns the luminance at (x, y)
func (g *Gray) At(x, y int) uint8 {
	return g.Pix[y*g.Width+x]
}

// ToGray converts any decoded image to luminance
func ToGray(img image.Image) *Gray {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	g := &Gray{Pix: make([]uint8, w*h), Width: w, Height: h}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, gc, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// ITU-R BT.601 luma, 16-bit channels
			g.Pix[y*w+x] = uint8((299*r + 587*gc + 114*b) / 1000 >> 8)
		}
	}
	return g
}

// TemplateStore loads and serves named templates from disk. Templates in
// the user directory shadow same-named core templates and are reloaded
// when the file changes.
type TemplateStore struct {
	logger  *zap.Logger
	coreDir string
	userDir string

	templates map[string]*Gray
	mu        sync.RWMutex

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewTemplateStore loads every PNG under coreDir, then overlays userDir
func NewTemplateStore(logger *zap.Logger, coreDir, userDir string) (*TemplateStore, error) {
	s := &TemplateStore{
		logger:    logger.Named("templates"),
		coreDir:   coreDir,
		userDir:   userDir,
		templates: make(map[string]*Gray),
		done:      make(chan struct{}),
	}

	if err := s.loadDir(coreDir); err != nil {
		return nil, err
	}
	if userDir != "" {
		if err := s.loadDir(userDir); err != nil {
			return nil, err
		}
		if err := s.watch(); err != nil {
			s.logger.Warn("User template watch unavailable", zap.Error(err))
		}
	}

	s.logger.Info("Templates loaded",
		zap.Int("count", len(s.templates)),
		zap.String("core_dir", coreDir),
		zap.String("user_dir", userDir))
	return s, nil
}

// Get returns the template registered under name
func (s *TemplateStore) Get(name string) (*Gray, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[name]
	return t, ok
}

// Names returns the registered template names
func (s *TemplateStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	return names
}

// Close stops the user directory watcher
func (s *TemplateStore) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *TemplateStore) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("Template directory missing", zap.String("dir", dir))
			return nil
		}
		return fmt.Errorf("failed to read template directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		if err := s.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			s.logger.Warn("Skipping unreadable template",
				zap.String("file", entry.Name()), zap.Error(err))
		}
	}
	return nil
}

func (s *TemplateStore) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".png")
	s.mu.Lock()
	s.templates[name] = ToGray(img)
	s.mu.Unlock()
	return nil
}

func (s *TemplateStore) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.userDir); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case <-s.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".png") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.loadFile(event.Name); err != nil {
					s.logger.Warn("Template reload failed",
						zap.String("file", event.Name), zap.Error(err))
					continue
				}
				s.logger.Info("Template reloaded", zap.String("file", event.Name))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Template watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
