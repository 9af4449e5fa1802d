package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/quill-agent/internal/events"
)

func fastSchedule() Schedule {
	return Schedule{
		RetryDelay:   time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultSchedule(t *testing.T) {
	s := DefaultSchedule()
	if s.RetryDelay != 2*time.Second || s.MaxDelay != time.Minute {
		t.Errorf("retry = %v..%v, want 2s..1m", s.RetryDelay, s.MaxDelay)
	}
	if s.PollInterval != time.Minute || s.ProbeTimeout != 10*time.Second {
		t.Errorf("poll = %v, timeout = %v", s.PollInterval, s.ProbeTimeout)
	}

	partial := Schedule{PollInterval: time.Second}.withDefaults()
	if partial.PollInterval != time.Second || partial.RetryDelay != 2*time.Second {
		t.Errorf("withDefaults() = %+v", partial)
	}
}

func TestManager_NoDependenciesIsReady(t *testing.T) {
	m := NewManager(quietLogger())
	if !m.Ready() {
		t.Error("empty manager should be ready")
	}
	if len(m.Status()) != 0 {
		t.Errorf("Status() = %v, want empty", m.Status())
	}
}

func TestManager_ImmediateSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(quietLogger(), WithSchedule(fastSchedule()))
	m.Watch(ctx, "inference", func(context.Context) error { return nil })

	eventually(t, "ready", m.Ready)

	st := m.Status()["inference"]
	if st.Name != "inference" || st.LastCheck.IsZero() || st.LastError != "" {
		t.Errorf("status = %+v", st)
	}

	cancel()
	m.Wait()
}

func TestManager_RecoversAfterFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	probe := func(context.Context) error {
		if calls.Add(1) < 4 {
			return errors.New("connection refused")
		}
		return nil
	}

	m := NewManager(quietLogger(), WithSchedule(fastSchedule()))
	m.Watch(ctx, "ollama", probe)

	eventually(t, "recovery", m.Ready)
	if got := calls.Load(); got < 4 {
		t.Errorf("probe calls = %d, want at least 4", got)
	}
	if st := m.Status()["ollama"]; st.Failures != 0 {
		t.Errorf("failures after recovery = %d, want 0", st.Failures)
	}

	cancel()
	m.Wait()
}

func TestManager_ReportsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(quietLogger(), WithSchedule(fastSchedule()))
	m.Watch(ctx, "gemini", func(context.Context) error { return errors.New("401 unauthorized") })

	eventually(t, "failures recorded", func() bool {
		return m.Status()["gemini"].Failures >= 2
	})
	st := m.Status()["gemini"]
	if st.Ready || st.LastError != "401 unauthorized" {
		t.Errorf("status = %+v", st)
	}
	if m.Ready() {
		t.Error("manager should not be ready with a failing dependency")
	}

	cancel()
	m.Wait()
}

func TestManager_PublishesTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	var healthy atomic.Bool
	healthy.Store(true)
	probe := func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("gone")
	}

	m := NewManager(quietLogger(), WithSchedule(fastSchedule()), WithEventBus(bus))
	m.Watch(ctx, "mcp:files", probe)

	want := func(kind string) {
		t.Helper()
		select {
		case e := <-sub:
			if e.Source != events.SourceConnwatch || e.Kind != kind {
				t.Fatalf("event = %s/%s, want %s/%s", e.Source, e.Kind, events.SourceConnwatch, kind)
			}
			if e.Data["service"] != "mcp:files" {
				t.Errorf("service = %v", e.Data["service"])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event", kind)
		}
	}

	want(events.KindServiceUp)
	healthy.Store(false)
	want(events.KindServiceDown)
	healthy.Store(true)
	want(events.KindServiceUp)

	cancel()
	m.Wait()
}

func TestManager_ProbeTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := fastSchedule()
	s.ProbeTimeout = 5 * time.Millisecond
	m := NewManager(quietLogger(), WithSchedule(s))
	m.Watch(ctx, "slow", func(pctx context.Context) error {
		<-pctx.Done()
		return pctx.Err()
	})

	eventually(t, "timeout recorded", func() bool {
		return m.Status()["slow"].LastError == context.DeadlineExceeded.Error()
	})

	cancel()
	m.Wait()
}

func TestManager_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	m := NewManager(quietLogger(), WithSchedule(fastSchedule()))
	m.Watch(ctx, "a", func(context.Context) error { calls.Add(1); return nil })
	m.Watch(ctx, "b", func(context.Context) error { calls.Add(1); return errors.New("down") })

	eventually(t, "probes", func() bool { return calls.Load() >= 2 })
	cancel()

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchers did not exit after cancel")
	}
}
