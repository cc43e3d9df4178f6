package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotloop/internal/robot"
	logx "robotloop/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"", "@every 30s", "*/5 * * * *", "0 */1 * * * *", "@hourly"} {
		_, err := ParseSchedule(spec)
		assert.NoError(t, err, spec)
	}
	for _, spec := range []string{"@every soon", "61 * * * *", "nonsense"} {
		_, err := ParseSchedule(spec)
		assert.Error(t, err, spec)
	}
}

func TestTickLogsReport(t *testing.T) {
	var buf bytes.Buffer
	collect := func() Report {
		return Report{
			Loop:      robot.Stats{Mode: "teleop", Ticks: 1500, Overruns: 2, MaxTick: 23 * time.Millisecond},
			Packets:   1501,
			Actuators: 2,
		}
	}
	s := New(Config{}, collect, logx.NewJSON(&buf, "info"))

	r := s.Tick()
	assert.Equal(t, uint64(1500), r.Loop.Ticks)
	assert.False(t, r.At.IsZero())

	last, runs := s.Last()
	assert.Equal(t, uint64(1), runs)
	assert.Equal(t, r, last)

	out := buf.String()
	assert.Contains(t, out, `"message":"loop report"`)
	assert.Contains(t, out, `"mode":"teleop"`)
	assert.Contains(t, out, `"ticks":1500`)
	assert.Contains(t, out, `"actuators":2`)
	assert.Contains(t, out, `"ds_packets":1501`)
}

func TestApplyRejectsBadSchedule(t *testing.T) {
	s := New(Config{}, func() Report { return Report{} }, logx.Nop())
	require.Error(t, s.Apply(Config{Enabled: true, Schedule: "every now and then"}))
	require.NoError(t, s.Apply(Config{Enabled: true, Schedule: "@every 1m"}))
}

func TestRunWithoutWatchdogStopsOnCancel(t *testing.T) {
	s := New(Config{Enabled: true, Schedule: "@every 1h"}, func() Report { return Report{} }, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)
}

func TestWatchdogOnlyWhileLoopAdvances(t *testing.T) {
	var ticks atomic.Uint64
	var mu sync.Mutex
	var states []string
	notify := func(state string) (bool, error) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
		return true, nil
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(states)
	}

	var buf syncBuffer
	s := New(Config{SystemdWatchdog: true},
		func() Report { return Report{Loop: robot.Stats{Ticks: ticks.Load()}} },
		logx.NewJSON(&buf, "debug"),
		WithNotifier(notify, func() (time.Duration, error) { return 10 * time.Millisecond, nil }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Loop advancing: keepalives flow.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				ticks.Add(1)
				time.Sleep(time.Millisecond)
			}
		}
	}()
	require.Eventually(t, func() bool { return count() >= 3 }, 2*time.Second, 5*time.Millisecond)

	// Loop stalled: keepalives stop.
	close(stop)
	require.Eventually(t, func() bool { return strings.Contains(buf.String(), "control loop stalled") }, 2*time.Second, 5*time.Millisecond)
	before := count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, count())

	cancel()
	require.NoError(t, <-done)
	mu.Lock()
	defer mu.Unlock()
	for _, st := range states {
		assert.Equal(t, daemon.SdNotifyWatchdog, st)
	}
}

func TestWatchdogIntervalError(t *testing.T) {
	s := New(Config{SystemdWatchdog: true}, func() Report { return Report{} }, logx.Nop(),
		WithNotifier(nil, func() (time.Duration, error) { return 0, errors.New("bad WATCHDOG_USEC") }))
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WATCHDOG_USEC")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestApplyWhileReportRunning(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	collect := func() Report {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return Report{}
	}
	s := New(Config{Enabled: true, Schedule: "@every 1s"}, collect, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("report job never ran")
	}

	applied := make(chan error, 1)
	go func() { applied <- s.Apply(Config{Enabled: true, Schedule: "@every 2s"}) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case err := <-applied:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Apply did not return while a report was in flight")
	}
	_, runs := s.Last()
	assert.GreaterOrEqual(t, runs, uint64(1))

	cancel()
	require.NoError(t, <-done)
}
