package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/serial-presence/internal/presence"
)

type countingScanner struct {
	calls atomic.Int32
	err   error
	hit   chan struct{}
}

func (s *countingScanner) Scan(ctx context.Context) (presence.ScanResult, error) {
	s.calls.Add(1)
	if s.hit != nil {
		select {
		case s.hit <- struct{}{}:
		default:
		}
	}
	if _, ok := ctx.Deadline(); !ok {
		return presence.ScanResult{}, errors.New("scan context has no deadline")
	}
	return presence.ScanResult{}, s.err
}

func TestNewRejectsBadSchedule(t *testing.T) {
	for _, spec := range []string{"", "every five seconds", "* * * * *"} {
		if _, err := New(&countingScanner{}, spec); err == nil {
			t.Fatalf("expected error for %q", spec)
		}
	}
	for _, spec := range []string{"@every 5s", "*/10 * * * * *", "@hourly"} {
		if _, err := New(&countingScanner{}, spec); err != nil {
			t.Fatalf("unexpected error for %q: %v", spec, err)
		}
	}
}

func TestRunOnceScansAndSurvivesErrors(t *testing.T) {
	sc := &countingScanner{err: presence.ErrEnumeration}
	s, err := New(sc, "@every 5s")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.RunOnce(context.Background())
	s.RunOnce(context.Background())
	if got := sc.calls.Load(); got != 2 {
		t.Fatalf("expected 2 scans, got %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunOnce(ctx)
	if got := sc.calls.Load(); got != 2 {
		t.Fatalf("cancelled context must not scan, got %d calls", got)
	}
}

func TestStartRunsOnSchedule(t *testing.T) {
	sc := &countingScanner{hit: make(chan struct{}, 1)}
	s, err := New(sc, "@every 1s")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	select {
	case <-sc.hit:
	case <-time.After(3 * time.Second):
		t.Fatalf("scheduled scan did not run")
	}
}
