package waitmodel

import "time"

// Kind enumerates the game actions the model learns wait times for.
// The set is closed: unknown kinds fall back to a generic default and
// are never persisted.
type Kind string

const (
	KindTapSettle        Kind = "tap_settle"
	KindScreenTransition Kind = "screen_transition"
	KindPostEntryDialog  Kind = "post_entry_dialog"
	KindWorkerListReady  Kind = "worker_list_ready"
	KindSwapConfirm      Kind = "swap_confirm"
	KindCurseActivate    Kind = "curse_activate"
	KindOrderCollect     Kind = "order_collect"
	KindBackSettle       Kind = "back_settle"
	KindSwipeSettle      Kind = "swipe_settle"
	KindTimerRead        Kind = "timer_read"
	KindSessionProbe     Kind = "session_probe"
	KindDroneConfirm     Kind = "drone_confirm"
)

// genericDefault covers kinds with no tuned starting point
const genericDefault = 500 * time.Millisecond

// defaultEstimates are the starting points before any learning
func defaultEstimates() map[Kind]time.Duration {
	return map[Kind]time.Duration{
		KindTapSettle:        300 * time.Millisecond,
		KindScreenTransition: 800 * time.Millisecond,
		KindPostEntryDialog:  1000 * time.Millisecond,
		KindWorkerListReady:  150 * time.Millisecond,
		KindSwapConfirm:      600 * time.Millisecond,
		KindCurseActivate:    700 * time.Millisecond,
		KindOrderCollect:     500 * time.Millisecond,
		KindBackSettle:       400 * time.Millisecond,
		KindSwipeSettle:      350 * time.Millisecond,
		KindTimerRead:        250 * time.Millisecond,
		KindSessionProbe:     300 * time.Millisecond,
		KindDroneConfirm:     600 * time.Millisecond,
	}
}

// Kinds returns every known kind in stable order
func Kinds() []Kind {
	return []Kind{
		KindTapSettle,
		KindScreenTransition,
		KindPostEntryDialog,
		KindWorkerListReady,
		KindSwapConfirm,
		KindCurseActivate,
		KindOrderCollect,
		KindBackSettle,
		KindSwipeSettle,
		KindTimerRead,
		KindSessionProbe,
		KindDroneConfirm,
	}
}
