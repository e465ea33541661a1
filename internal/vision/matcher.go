package vision

import (
	"image"
	"sort"
)

// Match is a template occurrence, positioned at its center
type Match struct {
	X          int
	Y          int
	Confidence float64
}

// Region is a rectangular screen area
type Region struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
	W int `yaml:"w"`
	H int `yaml:"h"`
}

// Matcher locates templates on a screenshot. A miss is a normal
// outcome, not an error.
type Matcher interface {
	Find(frame image.Image, templateID string) []Match
}

const (
	// coarse scan stride, refined around candidate positions
	scanStride = 2
	// matches closer than this are duplicates of one occurrence
	minMatchDistance = 8
)

// TemplateMatcher scans luminance frames for stored templates
type TemplateMatcher struct {
	store     *TemplateStore
	threshold float64
}

// NewTemplateMatcher creates a matcher over the given store
func NewTemplateMatcher(store *TemplateStore, threshold float64) *TemplateMatcher {
	return &TemplateMatcher{store: store, threshold: threshold}
}

// Find returns all occurrences of templateID in frame above the
// confidence threshold, deduplicated and sorted by confidence.
func (m *TemplateMatcher) Find(frame image.Image, templateID string) []Match {
	tpl, ok := m.store.Get(templateID)
	if !ok {
		return nil
	}
	return findInGray(ToGray(frame), tpl, m.threshold)
}

func findInGray(frame, tpl *Gray, threshold float64) []Match {
	if tpl.Width > frame.Width || tpl.Height > frame.Height {
		return nil
	}

	var candidates []Match
	maxY := frame.Height - tpl.Height
	maxX := frame.Width - tpl.Width
	for y := 0; y <= maxY; y += scanStride {
		for x := 0; x <= maxX; x += scanStride {
			conf := confidenceAt(frame, tpl, x, y, threshold)
			if conf >= threshold {
				candidates = append(candidates, refine(frame, tpl, x, y, conf))
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return dedupe(candidates)
}

// confidenceAt scores the template at (x, y) as 1 - normalized mean
// absolute difference, bailing out early once the score cannot reach
// the threshold.
func confidenceAt(frame, tpl *Gray, x, y int, threshold float64) float64 {
	budget := int64((1 - threshold) * 255 * float64(tpl.Width*tpl.Height))
	var total int64
	for ty := 0; ty < tpl.Height; ty++ {
		rowFrame := (y+ty)*frame.Width + x
		rowTpl := ty * tpl.Width
		for tx := 0; tx < tpl.Width; tx++ {
			d := int64(frame.Pix[rowFrame+tx]) - int64(tpl.Pix[rowTpl+tx])
			if d < 0 {
				d = -d
			}
			total += d
		}
		if total > budget {
			return 0
		}
	}
	return 1 - float64(total)/(255*float64(tpl.Width*tpl.Height))
}

// refine re-scores the stride neighborhood and returns the best
// position as a centered match.
func refine(frame, tpl *Gray, x, y int, conf float64) Match {
	bestX, bestY, bestConf := x, y, conf
	for dy := -scanStride + 1; dy < scanStride; dy++ {
		for dx := -scanStride + 1; dx < scanStride; dx++ {
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx > frame.Width-tpl.Width || ny > frame.Height-tpl.Height {
				continue
			}
			if dx == 0 && dy == 0 {
				continue
			}
			if c := confidenceAt(frame, tpl, nx, ny, bestConf); c > bestConf {
				bestX, bestY, bestConf = nx, ny, c
			}
		}
	}
	return Match{
		X:          bestX + tpl.Width/2,
		Y:          bestY + tpl.Height/2,
		Confidence: bestConf,
	}
}

func dedupe(matches []Match) []Match {
	var out []Match
	for _, m := range matches {
		dup := false
		for _, kept := range out {
			dx, dy := m.X-kept.X, m.Y-kept.Y
			if dx*dx+dy*dy < minMatchDistance*minMatchDistance {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, m)
		}
	}
	return out
}
