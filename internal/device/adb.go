package device

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/xdhiru/ark-curser/internal/errors"
)

// Bridge is the narrow device contract the rest of the system sees.
// Every failure it returns is a fatal device error.
type Bridge interface {
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error
	PressBack(ctx context.Context) error
	Screenshot(ctx context.Context) (image.Image, error)
}

// ADB drives a device through the adb binary
type ADB struct {
	logger  *zap.Logger
	path    string
	serial  string
	timeout time.Duration
}

// NewADB creates a bridge for the given adb binary and device serial
func NewADB(logger *zap.Logger, path, serial string, timeout time.Duration) *ADB {
	return &ADB{
		logger:  logger.Named("adb"),
		path:    path,
		serial:  serial,
		timeout: timeout,
	}
}

// Connect establishes the adb connection for TCP serials and verifies
// the device answers. Hints are logged on failure because a dead
// bridge at startup is almost always environmental.
func (a *ADB) Connect(ctx context.Context) error {
	if strings.Contains(a.serial, ":") {
		if _, err := a.run(ctx, "connect", a.serial); err != nil {
			a.logTroubleshooting()
			return apperrors.Devicef("adb connect to %s failed", a.serial).Wrap(err)
		}
	}
	out, err := a.run(ctx, a.targetArgs("get-state")...)
	if err != nil || strings.TrimSpace(string(out)) != "device" {
		a.logTroubleshooting()
		return apperrors.Devicef("device %s is not ready", a.serial).Wrap(err)
	}
	a.logger.Info("Device connected", zap.String("serial", a.serial))
	return nil
}

// targetArgs prepends the -s selector when a serial is configured;
// without one adb resolves the only attached device itself.
func (a *ADB) targetArgs(args ...string) []string {
	if a.serial == "" {
		return args
	}
	return append([]string{"-s", a.serial}, args...)
}

// Tap issues a single tap
func (a *ADB) Tap(ctx context.Context, x, y int) error {
	_, err := a.shell(ctx, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	if err != nil {
		return apperrors.Devicef("tap at (%d,%d) failed", x, y).Wrap(err)
	}
	return nil
}

// Swipe issues a swipe gesture
func (a *ADB) Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error {
	_, err := a.shell(ctx, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1),
		strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.Itoa(int(duration.Milliseconds())))
	if err != nil {
		return apperrors.Devicef("swipe (%d,%d)->(%d,%d) failed", x1, y1, x2, y2).Wrap(err)
	}
	return nil
}

// PressBack sends the hardware back key
func (a *ADB) PressBack(ctx context.Context) error {
	_, err := a.shell(ctx, "input", "keyevent", "4")
	if err != nil {
		return apperrors.Devicef("back key failed").Wrap(err)
	}
	return nil
}

// Screenshot captures and decodes the current screen
func (a *ADB) Screenshot(ctx context.Context) (image.Image, error) {
	out, err := a.run(ctx, a.targetArgs("exec-out", "screencap", "-p")...)
	if err != nil {
		return nil, apperrors.Devicef("screencap failed").Wrap(err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, apperrors.Devicef("screencap returned undecodable data").Wrap(err)
	}
	return img, nil
}

func (a *ADB) shell(ctx context.Context, args ...string) ([]byte, error) {
	return a.run(ctx, a.targetArgs(append([]string{"shell"}, args...)...)...)
}

func (a *ADB) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("adb %s: %w (%s)",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (a *ADB) logTroubleshooting() {
	a.logger.Error("Device bridge unavailable. Check that:")
	a.logger.Error("  - the emulator or device is running")
	a.logger.Error("  - ADB debugging is enabled on the device")
	a.logger.Error("  - the configured serial matches `adb devices` output")
	a.logger.Error("  - no other adb server holds the device")
}

// Swiper is anything that can perform a swipe gesture
type Swiper interface {
	Swipe(ctx context.Context, x1, y1, x2, y2 int, d time.Duration) error
}

// Preset gestures from the game's fixed layout

// SwipeLeft pans the base view one screen to the left
func SwipeLeft(ctx context.Context, s Swiper, slow bool) error {
	return presetSwipe(ctx, s, 1650, 535, 700, 535, slow)
}

// SwipeRight pans the base view one screen to the right
func SwipeRight(ctx context.Context, s Swiper, slow bool) error {
	return presetSwipe(ctx, s, 700, 535, 1650, 535, slow)
}

func presetSwipe(ctx context.Context, s Swiper, x1, y1, x2, y2 int, slow bool) error {
	d := 300 * time.Millisecond
	if slow {
		d = 700 * time.Millisecond
	}
	return s.Swipe(ctx, x1, y1, x2, y2, d)
}
