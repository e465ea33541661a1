package post

import (
	"context"
	"image"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xdhiru/ark-curser/internal/catalog"
	"github.com/xdhiru/ark-curser/internal/config"
	"github.com/xdhiru/ark-curser/internal/device"
	apperrors "github.com/xdhiru/ark-curser/internal/errors"
	"github.com/xdhiru/ark-curser/internal/navigation"
	"github.com/xdhiru/ark-curser/internal/vision"
	"github.com/xdhiru/ark-curser/internal/waitmodel"
)

// Template names from the game's fixed UI
const (
	tplTradingPost     = "trading-post"
	tplEntryArrow      = "tp-entry-arrow"
	tplInsidePost      = "check-if-inside-tp"
	tplWorkersSection  = "tp-workers-section"
	tplWorkersListHead = "tp-workers-list-header"
	tplDeselectAll     = "tp-deselect-all"
	tplShiftConfirm    = "tp-workers-shift-confirm"
	tplShiftPrompt     = "tp-workers-shift-confirmation-prompt"
	tplOrderReady      = "tp-order-ready-to-deliver"
	tplUseDrones       = "use-drones-icon"
	tplDronesMax       = "drones-max"
	tplDronesConfirm   = "drones-confirm"
	tplCategoryTrade   = "tp-worker-category-trade"
)

// Fixed screen regions on the 1920x1080 layout
var (
	orderTimerRegion = vision.Region{X: 1412, Y: 224, W: 320, H: 64}
	workerSlotRegions = []vision.Region{
		{X: 1430, Y: 420, W: 300, H: 48},
		{X: 1430, Y: 560, W: 300, H: 48},
		{X: 1430, Y: 700, W: 300, H: 48},
	}
)

// ScreenUI implements the machine's UI contract on the live game
// screen through the shared click engine.
type ScreenUI struct {
	logger  *zap.Logger
	clicker *device.Clicker
	nav     *navigation.Navigator
	reader  vision.TextReader
	matcher vision.Matcher
	catalog *catalog.Catalog
	posts   config.PostsConfig
	curse   config.CurseConfig
	vision  config.VisionConfig
	dumper  *device.Dumper
}

// NewScreenUI wires the screen layer
func NewScreenUI(logger *zap.Logger, clicker *device.Clicker, nav *navigation.Navigator,
	reader vision.TextReader, matcher vision.Matcher, cat *catalog.Catalog,
	posts config.PostsConfig, curse config.CurseConfig, vis config.VisionConfig,
	dumper *device.Dumper) *ScreenUI {
	return &ScreenUI{
		logger:  logger.Named("screen"),
		clicker: clicker,
		nav:     nav,
		reader:  reader,
		matcher: matcher,
		catalog: cat,
		posts:   posts,
		curse:   curse,
		vision:  vis,
		dumper:  dumper,
	}
}

// OpenPost navigates into the given trading post
func (u *ScreenUI) OpenPost(ctx context.Context, postID int) error {
	inside, err := u.nav.IsInsidePost(ctx)
	if err != nil {
		return err
	}
	if inside {
		return nil
	}

	if err := u.nav.ReachBaseLeftSide(ctx); err != nil {
		return err
	}

	x, y, err := u.postPosition(ctx, postID)
	if err != nil {
		return err
	}
	if err := u.clicker.Tap(ctx, x, y); err != nil {
		return err
	}
	if _, err := u.clicker.ClickTemplate(ctx, tplEntryArrow, waitmodel.KindPostEntryDialog, u.curse.MaxRetries); err != nil {
		return u.miss(ctx, err, "open-post")
	}
	if _, err := u.clicker.WaitTemplate(ctx, tplInsidePost, waitmodel.KindScreenTransition, u.curse.MaxRetries); err != nil {
		return u.miss(ctx, err, "open-post")
	}
	return nil
}

// postPosition resolves the tap point for a post, preferring configured
// coordinates and falling back to locating the post markers on screen.
func (u *ScreenUI) postPosition(ctx context.Context, postID int) (int, int, error) {
	if len(u.posts.Coordinates) >= postID {
		c := u.posts.Coordinates[postID-1]
		return c.X, c.Y, nil
	}

	match, found, err := u.clicker.Probe(ctx, tplTradingPost, waitmodel.KindScreenTransition)
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, apperrors.VisionMiss(tplTradingPost).With("post_id", postID)
	}

	// probe found the best match; collect all and index by screen
	// order so post IDs stay stable
	frame, err := u.clicker.Screens().Frame(ctx)
	if err != nil {
		return 0, 0, err
	}
	matches := u.matcher.Find(frame, tplTradingPost)
	if len(matches) < postID {
		return match.X, match.Y, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Y != matches[j].Y {
			return matches[i].Y < matches[j].Y
		}
		return matches[i].X < matches[j].X
	})
	m := matches[postID-1]
	return m.X, m.Y, nil
}

// LeavePost returns to the base overview
func (u *ScreenUI) LeavePost(ctx context.Context) error {
	return u.nav.ReachBase(ctx)
}

// ReadOrderTimer reads the current order's remaining time
func (u *ScreenUI) ReadOrderTimer(ctx context.Context) (time.Duration, bool, error) {
	u.waitStable(ctx)
	frame, err := u.clicker.Screens().Fresh(ctx)
	if err != nil {
		return 0, false, err
	}
	digits, ok := u.reader.ReadDigits(ctx, frame, orderTimerRegion)
	if !ok {
		return 0, false, nil
	}
	remaining, ok := vision.ParseTimer(digits)
	if !ok {
		u.logger.Debug("Timer read rejected", zap.String("digits", digits))
		return 0, false, nil
	}
	return remaining, true, nil
}

// OrderReady reports whether the delivery button is visible
func (u *ScreenUI) OrderReady(ctx context.Context) (bool, error) {
	_, ok, err := u.clicker.Probe(ctx, tplOrderReady, waitmodel.KindOrderCollect)
	return ok, err
}

// CollectOrder delivers a ready order
func (u *ScreenUI) CollectOrder(ctx context.Context) error {
	if _, err := u.clicker.ClickTemplate(ctx, tplOrderReady, waitmodel.KindOrderCollect, u.curse.MaxRetries); err != nil {
		return u.miss(ctx, err, "collect-order")
	}
	return nil
}

// SaveCurrentWorkers reads the occupying worker names off the slot
// labels
func (u *ScreenUI) SaveCurrentWorkers(ctx context.Context) ([]string, error) {
	if err := u.openWorkersSection(ctx); err != nil {
		return nil, err
	}
	u.waitStable(ctx)

	frame, err := u.clicker.Screens().Fresh(ctx)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, region := range workerSlotRegions {
		text, ok := u.reader.ReadText(ctx, frame, region)
		if !ok {
			continue
		}
		if name, matched := u.matchCatalogName(text); matched {
			names = append(names, name)
		}
	}
	u.logger.Debug("Workers saved", zap.Strings("names", names))
	return names, nil
}

// InstallWorkers replaces the current crew with the named workers
func (u *ScreenUI) InstallWorkers(ctx context.Context, names []string) error {
	if err := u.openWorkersSection(ctx); err != nil {
		return err
	}

	if _, err := u.clicker.ClickTemplate(ctx, tplDeselectAll, waitmodel.KindWorkerListReady, u.curse.MaxRetries); err != nil {
		return u.miss(ctx, err, "deselect")
	}

	for _, name := range names {
		if err := u.selectWorker(ctx, name); err != nil {
			return err
		}
	}

	if _, err := u.clicker.ClickTemplate(ctx, tplShiftConfirm, waitmodel.KindSwapConfirm, u.curse.MaxRetries); err != nil {
		return u.miss(ctx, err, "confirm-shift")
	}
	// the game sometimes asks for a second confirmation
	if match, ok, err := u.clicker.Probe(ctx, tplShiftPrompt, waitmodel.KindSwapConfirm); err != nil {
		return err
	} else if ok {
		if err := u.clicker.Tap(ctx, match.X, match.Y); err != nil {
			return err
		}
	}
	if _, err := u.clicker.WaitTemplate(ctx, tplInsidePost, waitmodel.KindScreenTransition, u.curse.MaxRetries); err != nil {
		return u.miss(ctx, err, "confirm-shift")
	}
	return nil
}

// selectWorker filters by the worker's category and pages through the
// list until its portrait shows up.
func (u *ScreenUI) selectWorker(ctx context.Context, name string) error {
	w, ok := u.catalog.Lookup(name)
	if !ok {
		// saved-name OCR can drift; an unknown name is a miss, not a
		// config failure mid-run
		return apperrors.VisionMiss(name).With("reason", "not in catalog")
	}

	if _, err := u.clicker.ClickTemplate(ctx, tplCategoryTrade, waitmodel.KindWorkerListReady, 1); err != nil {
		// the filter may already be active
		u.logger.Debug("Category filter not clickable", zap.String("worker", name))
	}

	for page := 0; page <= u.curse.SwipePages; page++ {
		match, found, err := u.clicker.Probe(ctx, w.Template, waitmodel.KindWorkerListReady)
		if err != nil {
			return err
		}
		if found {
			return u.clicker.Tap(ctx, match.X, match.Y)
		}
		if page == u.curse.SwipePages {
			break
		}
		if err := device.SwipeLeft(ctx, u.clicker, false); err != nil {
			return err
		}
	}
	return u.miss(ctx, apperrors.VisionMiss(w.Template).With("worker", name), "select-worker")
}

// RunDrone spends drones to finish the order immediately
func (u *ScreenUI) RunDrone(ctx context.Context) error {
	if _, err := u.clicker.ClickTemplate(ctx, tplUseDrones, waitmodel.KindDroneConfirm, u.curse.MaxRetries); err != nil {
		return u.miss(ctx, err, "drones")
	}
	if _, err := u.clicker.ClickTemplate(ctx, tplDronesMax, waitmodel.KindDroneConfirm, u.curse.MaxRetries); err != nil {
		return u.miss(ctx, err, "drones")
	}
	if _, err := u.clicker.ClickTemplate(ctx, tplDronesConfirm, waitmodel.KindDroneConfirm, u.curse.MaxRetries); err != nil {
		return u.miss(ctx, err, "drones")
	}
	return nil
}

// Observe reads the post's situation from scratch for error recovery
func (u *ScreenUI) Observe(ctx context.Context, postID int) (Observed, error) {
	var obs Observed

	inside, err := u.nav.IsInsidePost(ctx)
	if err != nil {
		return obs, err
	}
	if !inside {
		if err := u.OpenPost(ctx, postID); err != nil {
			return obs, err
		}
	}
	obs.InsidePost = true

	if remaining, ok, err := u.ReadOrderTimer(ctx); err != nil {
		return obs, err
	} else if ok {
		obs.HasTimer = true
		obs.Remaining = remaining
	}

	if ready, err := u.OrderReady(ctx); err != nil {
		return obs, err
	} else {
		obs.OrderReady = ready
	}

	current, err := u.SaveCurrentWorkers(ctx)
	if err != nil {
		return obs, err
	}
	obs.CurseInstalled = containsAll(current, u.curse.Workers)
	return obs, nil
}

// openWorkersSection enters the workers tab if it is not already open
func (u *ScreenUI) openWorkersSection(ctx context.Context) error {
	if _, open, err := u.clicker.Probe(ctx, tplWorkersListHead, waitmodel.KindWorkerListReady); err != nil {
		return err
	} else if open {
		return nil
	}
	if _, err := u.clicker.ClickTemplate(ctx, tplWorkersSection, waitmodel.KindWorkerListReady, u.curse.MaxRetries); err != nil {
		return u.miss(ctx, err, "workers-section")
	}
	return nil
}

// waitStable lets animations settle before OCR reads
func (u *ScreenUI) waitStable(ctx context.Context) {
	vision.WaitForStable(ctx, func(ctx context.Context) (image.Image, error) {
		return u.clicker.Screens().Fresh(ctx)
	}, u.vision.StabilityWindow, u.vision.StabilityLimit)
}

// miss archives the failing screen before returning the error
func (u *ScreenUI) miss(ctx context.Context, err error, tag string) error {
	if u.dumper != nil {
		if frame, ferr := u.clicker.Screens().Frame(ctx); ferr == nil {
			u.dumper.Dump(tag, frame)
		}
	}
	return err
}

// matchCatalogName maps a noisy OCR read onto a catalog name
func (u *ScreenUI) matchCatalogName(text string) (string, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	for _, w := range u.catalog.All() {
		if strings.Contains(cleaned, strings.ToLower(w.Name)) {
			return w.Name, true
		}
	}
	return "", false
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return false
	}
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
