package vision

import (
	"context"
	"image"
	"time"
)

const (
	// per-pixel luminance delta above which a pixel counts as changed
	motionPixelDelta = 25
	// fraction of unchanged pixels above which two frames are "still"
	stillSimilarity = 0.98
	// capture interval while waiting for the screen to settle
	stabilityPollInterval = 250 * time.Millisecond
)

// FrameSimilarity returns the fraction of pixels whose luminance moved
// less than the motion delta between two frames. Mismatched dimensions
// score zero.
func FrameSimilarity(a, b *Gray) float64 {
	if a.Width != b.Width || a.Height != b.Height || len(a.Pix) == 0 {
		return 0
	}
	still := 0
	for i := range a.Pix {
		d := int(a.Pix[i]) - int(b.Pix[i])
		if d < 0 {
			d = -d
		}
		if d <= motionPixelDelta {
			still++
		}
	}
	return float64(still) / float64(len(a.Pix))
}

// WaitForStable polls capture until two consecutive frames stay still
// for the given window, or the limit expires. Animations (scrolls,
// dialogs sliding in) otherwise corrupt OCR reads.
func WaitForStable(ctx context.Context, capture func(context.Context) (image.Image, error), window, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	var prev *Gray
	stableSince := time.Time{}

	for time.Now().Before(deadline) {
		frame, err := capture(ctx)
		if err != nil {
			return false
		}
		cur := ToGray(frame)

		if prev != nil && FrameSimilarity(prev, cur) >= stillSimilarity {
			if stableSince.IsZero() {
				stableSince = time.Now()
			} else if time.Since(stableSince) >= window {
				return true
			}
		} else {
			stableSince = time.Time{}
		}
		prev = cur

		select {
		case <-ctx.Done():
			return false
		case <-time.After(stabilityPollInterval):
		}
	}
	return false
}
