package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mirrolink/models"
)

const (
	actionQueueSize = 100
	actionTimeout   = 10 * time.Second
	recentActions   = 50
)

// InputSender injects input events on a device
type InputSender interface {
	Tap(ctx context.Context, serial string, x, y int) error
	Swipe(ctx context.Context, serial string, x1, y1, x2, y2, duration int) error
	Text(ctx context.Context, serial, text string) error
	Key(ctx context.Context, serial string, keycode int) error
}

// DeviceSelector resolves the device input goes to
type DeviceSelector interface {
	CurrentDevice() (models.Device, bool)
}

// ActionDispatcher queues input actions for the selected device and runs
// them one at a time
type ActionDispatcher struct {
	input    InputSender
	selector DeviceSelector
	log      *zap.SugaredLogger

	actionQueue chan *models.Action
	done        chan struct{}
	closeOnce   sync.Once

	mu     sync.Mutex
	recent []*models.Action
}

func NewActionDispatcher(input InputSender, selector DeviceSelector, log *zap.SugaredLogger) *ActionDispatcher {
	dispatcher := &ActionDispatcher{
		input:       input,
		selector:    selector,
		log:         log,
		actionQueue: make(chan *models.Action, actionQueueSize),
		done:        make(chan struct{}),
	}

	// Start action queue processor
	go dispatcher.processActionQueue()

	return dispatcher
}

// Dispatch validates req and queues it for the selected device
func (d *ActionDispatcher) Dispatch(req models.ActionRequest) (models.Action, error) {
	device, ok := d.selector.CurrentDevice()
	if !ok {
		return models.Action{}, ErrNoDeviceSelected
	}
	if !device.Authorized {
		return models.Action{}, fmt.Errorf("device %s has not authorized USB debugging", device.Serial)
	}
	if err := validateAction(req); err != nil {
		return models.Action{}, err
	}

	action := &models.Action{
		ID:        uuid.NewString(),
		Serial:    device.Serial,
		Type:      req.Type,
		Params:    req.Params,
		Timestamp: time.Now().UnixMilli(),
		Status:    "pending",
	}

	d.remember(action)

	// Add to queue
	select {
	case d.actionQueue <- action:
		return d.snapshot(action), nil
	default:
		d.setStatus(action, "failed", ErrQueueFull.Error())
		return d.snapshot(action), ErrQueueFull
	}
}

// Recent returns the latest actions, newest last
func (d *ActionDispatcher) Recent() []models.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Action, len(d.recent))
	for i, a := range d.recent {
		out[i] = *a
	}
	return out
}

// Close stops accepting actions and waits for the queue to drain
func (d *ActionDispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.actionQueue)
	})
	<-d.done
}

func (d *ActionDispatcher) processActionQueue() {
	defer close(d.done)

	for action := range d.actionQueue {
		d.setStatus(action, "executing", "")

		if err := d.executeAction(action); err != nil {
			d.setStatus(action, "failed", err.Error())
			d.log.Warnf("⚠️ [%s] Action %s failed: %v", action.Serial, action.Type, err)
		} else {
			d.setStatus(action, "done", "success")
		}
	}
}

// executeAction runs a single action through adb input
func (d *ActionDispatcher) executeAction(action *models.Action) error {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	p := action.Params
	switch action.Type {
	case models.ActionTap:
		return d.input.Tap(ctx, action.Serial, intParam(p, "x", 0), intParam(p, "y", 0))

	case models.ActionSwipe:
		return d.input.Swipe(ctx, action.Serial,
			intParam(p, "x1", 0), intParam(p, "y1", 0),
			intParam(p, "x2", 0), intParam(p, "y2", 0),
			intParam(p, "duration", 300))

	case models.ActionText:
		text, _ := p["text"].(string)
		return d.input.Text(ctx, action.Serial, text)

	case models.ActionKey:
		return d.input.Key(ctx, action.Serial, intParam(p, "keycode", 0))

	default:
		return fmt.Errorf("unknown action type: %s", action.Type)
	}
}

func validateAction(req models.ActionRequest) error {
	var required []string
	switch req.Type {
	case models.ActionTap:
		required = []string{"x", "y"}
	case models.ActionSwipe:
		required = []string{"x1", "y1", "x2", "y2"}
	case models.ActionKey:
		required = []string{"keycode"}
	case models.ActionText:
		if _, ok := req.Params["text"].(string); !ok {
			return fmt.Errorf("text action needs a string \"text\" param")
		}
		return nil
	default:
		return fmt.Errorf("unknown action type: %s", req.Type)
	}

	for _, key := range required {
		if _, ok := number(req.Params[key]); !ok {
			return fmt.Errorf("%s action needs a numeric %q param", req.Type, key)
		}
	}
	return nil
}

// intParam reads a JSON number param, falling back to def
func intParam(params map[string]interface{}, key string, def int) int {
	if v, ok := number(params[key]); ok {
		return v
	}
	return def
}

func number(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func (d *ActionDispatcher) remember(action *models.Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, action)
	if len(d.recent) > recentActions {
		d.recent = d.recent[len(d.recent)-recentActions:]
	}
}

func (d *ActionDispatcher) setStatus(action *models.Action, status, result string) {
	d.mu.Lock()
	action.Status = status
	action.Result = result
	d.mu.Unlock()
}

func (d *ActionDispatcher) snapshot(action *models.Action) models.Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *action
}
