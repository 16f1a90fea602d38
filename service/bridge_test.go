package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"mirrolink/adb"
	"mirrolink/models"
)

type fakeProcess struct {
	stopped bool
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Stop() error {
	p.stopped = true
	return nil
}

type fakeRunner struct {
	mu         sync.Mutex
	calls      []string
	launchArgs []string
	proc       *fakeProcess

	pushErr    error
	shellErr   error
	forwardErr error
	removeErr  error
}

func (r *fakeRunner) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *fakeRunner) Push(ctx context.Context, serial, localPath, remotePath string) error {
	r.record("push")
	return r.pushErr
}

func (r *fakeRunner) StartShell(serial string, args []string) (adb.Process, error) {
	r.record("shell")
	if r.shellErr != nil {
		return nil, r.shellErr
	}
	r.launchArgs = args
	r.proc = &fakeProcess{}
	return r.proc, nil
}

func (r *fakeRunner) Forward(ctx context.Context, serial string, localPort int, remoteSocket string) error {
	r.record("forward")
	return r.forwardErr
}

func (r *fakeRunner) RemoveForward(ctx context.Context, serial string, localPort int) error {
	r.record("remove")
	return r.removeErr
}

func (r *fakeRunner) history() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.calls, ",")
}

var testStream = models.StreamConfig{Width: 1280, Height: 720, MaxFPS: 60, Bitrate: 8000000}

func newTestBridge(r *fakeRunner, port int) *Bridge {
	return NewBridge(r, BridgeConfig{ServerPath: "testdata/server", Port: port}, zap.NewNop().Sugar())
}

func TestBridgeEstablishOrder(t *testing.T) {
	r := &fakeRunner{}
	b := newTestBridge(r, 41001)
	defer b.Teardown(context.Background())

	if err := b.Establish(context.Background(), "R58M", testStream); err != nil {
		t.Fatalf("Establish: %v", err)
	}
	if got := r.history(); got != "push,shell,forward" {
		t.Errorf("calls = %q, want push,shell,forward", got)
	}

	want := []string{"CLASSPATH=" + DefaultRemotePath, "app_process", "/", companionClass, "1280", "60", "8000000"}
	if strings.Join(r.launchArgs, " ") != strings.Join(want, " ") {
		t.Errorf("launch args = %v, want %v", r.launchArgs, want)
	}
	if b.Addr() != "127.0.0.1:41001" {
		t.Errorf("Addr = %s", b.Addr())
	}
}

func TestBridgeEstablishFailureRollsBack(t *testing.T) {
	tests := []struct {
		name      string
		runner    *fakeRunner
		wantCalls string
	}{
		{"push fails", &fakeRunner{pushErr: errors.New("no space")}, "push"},
		{"launch fails", &fakeRunner{shellErr: errors.New("exec")}, "push,shell"},
		{"forward fails", &fakeRunner{forwardErr: errors.New("cannot bind")}, "push,shell,forward"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBridge(tt.runner, 41002)
			if err := b.Establish(context.Background(), "R58M", testStream); err == nil {
				t.Fatal("expected error")
			}
			if got := tt.runner.history(); got != tt.wantCalls {
				t.Errorf("calls = %q, want %q", got, tt.wantCalls)
			}
			if tt.runner.proc != nil && !tt.runner.proc.stopped {
				t.Error("companion process left running")
			}

			// the port must be free again for a retry
			ok := &fakeRunner{}
			retry := newTestBridge(ok, 41002)
			if err := retry.Establish(context.Background(), "R58M", testStream); err != nil {
				t.Fatalf("retry Establish: %v", err)
			}
			retry.Teardown(context.Background())
		})
	}
}

func TestBridgeForwardBusy(t *testing.T) {
	first := newTestBridge(&fakeRunner{}, 41003)
	if err := first.Establish(context.Background(), "A", testStream); err != nil {
		t.Fatalf("Establish: %v", err)
	}

	r := &fakeRunner{}
	second := newTestBridge(r, 41003)
	err := second.Establish(context.Background(), "B", testStream)
	if !errors.Is(err, ErrForwardBusy) {
		t.Fatalf("err = %v, want ErrForwardBusy", err)
	}
	if r.history() != "" {
		t.Errorf("busy bridge ran %q", r.history())
	}

	if err := first.Establish(context.Background(), "A", testStream); !errors.Is(err, ErrForwardBusy) {
		t.Errorf("re-establish without teardown: err = %v", err)
	}

	first.Teardown(context.Background())
	if err := second.Establish(context.Background(), "B", testStream); err != nil {
		t.Errorf("Establish after teardown: %v", err)
	}
	second.Teardown(context.Background())
}

func TestBridgeTeardown(t *testing.T) {
	r := &fakeRunner{removeErr: errors.New("listener not found")}
	b := newTestBridge(r, 41004)
	if err := b.Establish(context.Background(), "R58M", testStream); err != nil {
		t.Fatalf("Establish: %v", err)
	}

	// removal failure is logged, the process is still stopped
	b.Teardown(context.Background())
	if got := r.history(); got != "push,shell,forward,remove" {
		t.Errorf("calls = %q", got)
	}
	if !r.proc.stopped {
		t.Error("companion not stopped")
	}

	// a second teardown has nothing left to do
	b.Teardown(context.Background())
	if got := r.history(); got != "push,shell,forward,remove" {
		t.Errorf("second teardown ran commands: %q", got)
	}
}
