package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/pathsafe"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/runtime"
)

// fakeRunner records commands and can hold executions open to exercise
// the per-session queue.
type fakeRunner struct {
	mu       sync.Mutex
	commands [][]string
	block    chan struct{} // When set, Exec waits for it to close.
	result   runtime.ExecResult
	err      error
}

func (f *fakeRunner) Exec(ctx context.Context, _ uuid.UUID, command []string, _ time.Duration) (*runtime.ExecResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	res := f.result
	return &res, nil
}

func (f *fakeRunner) lastCommand() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return nil
	}
	return f.commands[len(f.commands)-1]
}

// nopStore satisfies registry.Store for activity touches; everything else
// is unused here.
type nopStore struct{ registry.Store }

func (nopStore) TouchActivity(context.Context, uuid.UUID, time.Time) error { return nil }

func newTestService(cfg Config, r Runner) *Service {
	logger := slog.New(slog.DiscardHandler)
	return New(cfg, r, registry.New(nopStore{}, logger), logger)
}

func TestRunCommandUsesShell(t *testing.T) {
	r := &fakeRunner{result: runtime.ExecResult{Stdout: "ok\n"}}
	svc := newTestService(Config{}, r)

	res, err := svc.RunCommand(context.Background(), uuid.New(), "echo ok && ls")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "ok\n" {
		t.Errorf("stdout = %q, want %q", res.Stdout, "ok\n")
	}

	want := []string{"/bin/sh", "-c", "echo ok && ls"}
	got := r.lastCommand()
	if len(got) != len(want) {
		t.Fatalf("command = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command = %v, want %v", got, want)
		}
	}
}

func TestRunCommandRejectsEmpty(t *testing.T) {
	svc := newTestService(Config{}, &fakeRunner{})
	if _, err := svc.RunCommand(context.Background(), uuid.New(), "   "); err == nil {
		t.Fatal("empty command should be rejected")
	}
}

func TestRunFileInterpreterSelection(t *testing.T) {
	tests := []struct {
		name string
		file string
		lang string
		want []string
	}{
		{"python by extension", "main.py", "", []string{"python3", "main.py"}},
		{"node by extension", "app.js", "", []string{"node", "app.js"}},
		{"bash by extension", "run.sh", "", []string{"bash", "run.sh"}},
		{"go run", "cmd/tool.go", "", []string{"go", "run", "cmd/tool.go"}},
		{"ruby by extension", "job.rb", "", []string{"ruby", "job.rb"}},
		{"explicit language wins", "script.txt", "python", []string{"python3", "script.txt"}},
		{"case-insensitive extension", "Main.PY", "", []string{"python3", "Main.PY"}},
		{"nested path normalized", "src//./main.py", "", []string{"python3", "src/main.py"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := &fakeRunner{}
			svc := newTestService(Config{}, r)

			if _, err := svc.RunFile(context.Background(), uuid.New(), tc.file, tc.lang); err != nil {
				t.Fatal(err)
			}
			got := r.lastCommand()
			if len(got) != len(tc.want) {
				t.Fatalf("command = %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("command = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestRunFileUnsupported(t *testing.T) {
	svc := newTestService(Config{}, &fakeRunner{})

	if _, err := svc.RunFile(context.Background(), uuid.New(), "data.csv", ""); !errors.Is(err, ErrUnsupportedFile) {
		t.Errorf("unknown extension err = %v, want ErrUnsupportedFile", err)
	}
	if _, err := svc.RunFile(context.Background(), uuid.New(), "main.py", "cobol"); !errors.Is(err, ErrUnsupportedFile) {
		t.Errorf("unknown language err = %v, want ErrUnsupportedFile", err)
	}
}

func TestRunFileRejectsEscapingPath(t *testing.T) {
	svc := newTestService(Config{}, &fakeRunner{})

	_, err := svc.RunFile(context.Background(), uuid.New(), "../../etc/passwd.py", "")
	if !errors.Is(err, pathsafe.ErrInvalidPath) {
		t.Errorf("err = %v, want ErrInvalidPath", err)
	}
}

func TestQueueFullIsBusy(t *testing.T) {
	block := make(chan struct{})
	r := &fakeRunner{block: block}
	svc := newTestService(Config{MaxQueue: 2}, r)
	id := uuid.New()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.RunCommand(context.Background(), id, "sleep 1")
		}(i)
	}

	// Wait until one execution holds the slot and one is queued.
	deadline := time.After(time.Second)
	for {
		svc.mu.Lock()
		sl := svc.slots[id]
		waiting := 0
		if sl != nil {
			waiting = sl.waiting
		}
		svc.mu.Unlock()
		if waiting == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("queue never filled")
		case <-time.After(time.Millisecond):
		}
	}

	_, err := svc.RunCommand(context.Background(), id, "echo third")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("third execution err = %v, want ErrBusy", err)
	}

	close(block)
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("queued execution[%d]: %v", i, err)
		}
	}
}

func TestRunningExecutionCountsAgainstQueue(t *testing.T) {
	block := make(chan struct{})
	r := &fakeRunner{block: block}
	svc := newTestService(Config{MaxQueue: 1}, r)
	id := uuid.New()

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunCommand(context.Background(), id, "sleep 1")
		done <- err
	}()

	// Wait for the execution to hold the slot; it stays counted until
	// it releases, so the counter cannot flap back to zero mid-run.
	deadline := time.After(time.Second)
	for {
		svc.mu.Lock()
		sl := svc.slots[id]
		held := sl != nil && sl.waiting == 1
		svc.mu.Unlock()
		if held {
			break
		}
		select {
		case <-deadline:
			t.Fatal("execution never took the slot")
		case <-time.After(time.Millisecond):
		}
	}

	// MaxQueue=1 means the running execution fills the budget.
	if _, err := svc.RunCommand(context.Background(), id, "echo second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second execution err = %v, want ErrBusy", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// The slot is free again after release.
	if _, err := svc.RunCommand(context.Background(), id, "echo after"); err != nil {
		t.Fatalf("execution after release: %v", err)
	}
}

func TestDifferentSessionsRunConcurrently(t *testing.T) {
	block := make(chan struct{})
	r := &fakeRunner{block: block}
	svc := newTestService(Config{MaxQueue: 1}, r)
	blocked, free := uuid.New(), uuid.New()

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunCommand(context.Background(), blocked, "sleep 1")
		done <- err
	}()

	// Wait for the first session to hold its slot.
	deadline := time.After(time.Second)
	for {
		svc.mu.Lock()
		sl := svc.slots[blocked]
		held := sl != nil && sl.waiting > 0
		svc.mu.Unlock()
		if held {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first execution never started")
		case <-time.After(time.Millisecond):
		}
	}

	// The other session's slot is independent; with the shared runner
	// still blocked we only check admission, not completion.
	freeDone := make(chan error, 1)
	go func() {
		_, err := svc.RunCommand(context.Background(), free, "echo hi")
		freeDone <- err
	}()

	close(block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := <-freeDone; err != nil {
		t.Fatal(err)
	}
}

func TestTimedOutResultPassesThrough(t *testing.T) {
	r := &fakeRunner{result: runtime.ExecResult{ExitCode: -1, TimedOut: true, Stdout: "partial"}}
	svc := newTestService(Config{Timeout: 50 * time.Millisecond}, r)

	res, err := svc.RunCommand(context.Background(), uuid.New(), "while true; do :; done")
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Errorf("result = %+v, want TimedOut with exit -1", res)
	}
	if res.Stdout != "partial" {
		t.Errorf("partial output lost: %q", res.Stdout)
	}
}

func TestResultCarriesTimestamps(t *testing.T) {
	started := time.Now().UTC().Add(-time.Second)
	finished := time.Now().UTC()
	r := &fakeRunner{result: runtime.ExecResult{
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}}
	svc := newTestService(Config{}, r)

	res, err := svc.RunCommand(context.Background(), uuid.New(), "date")
	if err != nil {
		t.Fatal(err)
	}
	if !res.StartedAt.Equal(started) || !res.FinishedAt.Equal(finished) {
		t.Errorf("timestamps = %v/%v, want %v/%v", res.StartedAt, res.FinishedAt, started, finished)
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Error("finished before started")
	}
}

func TestNotRunningPropagates(t *testing.T) {
	wantErr := errors.New("session is not running")
	r := &fakeRunner{err: wantErr}
	svc := newTestService(Config{}, r)

	_, err := svc.RunCommand(context.Background(), uuid.New(), "echo hi")
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}
