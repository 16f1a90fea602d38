package service

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyInitialized = errors.New("device monitor already initialized")
	ErrNotInitialized     = errors.New("device monitor not initialized")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrNoDeviceSelected   = errors.New("no device selected")
	ErrForwardBusy        = errors.New("forward port already in use")
	ErrNotActive          = errors.New("capture loop not decoding")
	ErrAlreadyRecording   = errors.New("already recording")
	ErrErrorStorm         = errors.New("too many capture errors")
	ErrQueueFull          = errors.New("action queue full")
)

// errorWindow counts errors inside a sliding window and trips once more
// than max errors land within window of each other
type errorWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	times  []time.Time
	now    func() time.Time
}

func newErrorWindow(max int, window time.Duration) *errorWindow {
	return &errorWindow{
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// record adds one error and reports whether the window is now tripped
func (w *errorWindow) record() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = append(kept, now)
	return len(w.times) > w.max
}
