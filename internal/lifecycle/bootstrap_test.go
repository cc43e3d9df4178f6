package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotloop/internal/hal"
	"robotloop/internal/hal/sim"
)

type recordingReporter struct {
	mu       sync.Mutex
	errors   []string
	stacks   []string
	warnings []string
}

func (r *recordingReporter) ReportError(msg, stack string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
	r.stacks = append(r.stacks, stack)
}

func (r *recordingReporter) ReportWarning(msg string, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

type fakeRobot struct {
	start   func(ctx context.Context) error
	started bool
	closed  int
}

func (f *fakeRobot) StartCompetition(ctx context.Context) error {
	f.started = true
	if f.start == nil {
		return nil
	}
	return f.start(ctx)
}

func (f *fakeRobot) Close() error {
	f.closed++
	return nil
}

// originError names the robot type that raised it.
type originError struct {
	origin, msg string
}

func (e *originError) Error() string  { return e.msg }
func (e *originError) Origin() string { return e.origin }

type brokenRobot struct{}

func (b *brokenRobot) init() {
	panic(errors.New("gearbox missing"))
}

type harness struct {
	hal      *sim.HAL
	rep      *recordingReporter
	notified []string
	exitCode int
	version  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		hal:      sim.NewHAL(),
		rep:      &recordingReporter{},
		exitCode: -1,
		version:  filepath.Join(t.TempDir(), "frc_versions", "FRC_Lib_Version.ini"),
	}
}

func (h *harness) start(ctx context.Context, factory Factory, extra ...Option) int {
	opts := []Option{
		WithHAL(h.hal),
		WithReporter(h.rep),
		WithVersionFile(h.version),
		WithNotifier(func(state string) (bool, error) {
			h.notified = append(h.notified, state)
			return false, nil
		}),
		WithExitHook(func(code int) { h.exitCode = code }),
	}
	return StartRobot(ctx, factory, append(opts, extra...)...)
}

func cancelled() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestHALInitFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.hal = sim.NewHAL(sim.WithInitFailure())
	called := false

	code := h.start(context.Background(), func() (Robot, error) {
		called = true
		return &fakeRobot{}, nil
	})

	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, ExitFailure, h.exitCode)
	assert.False(t, called)
	assert.Equal(t, []string{"Failed to initialize. Terminating"}, h.rep.errors)
	assert.NoFileExists(t, h.version)
}

func TestConstructionFailureWithOrigin(t *testing.T) {
	h := newHarness(t)
	r := &fakeRobot{}

	code := h.start(context.Background(), func() (Robot, error) {
		return r, fmt.Errorf("construct: %w", &originError{origin: "Robot", msg: "NullPointerException"})
	})

	assert.Equal(t, ExitFailure, code)
	assert.False(t, r.started, "loop must not start")
	assert.Equal(t, []string{
		"Unhandled exception instantiating robot Robot NullPointerException",
		"Could not instantiate robot Robot!",
	}, h.rep.errors)
	assert.Equal(t, []string{"Robots should not quit, but yours did!"}, h.rep.warnings)
	assert.Empty(t, h.notified)
}

func TestConstructionPanicNamesReceiver(t *testing.T) {
	h := newHarness(t)

	code := h.start(context.Background(), func() (Robot, error) {
		(&brokenRobot{}).init()
		return &fakeRobot{}, nil
	})

	assert.Equal(t, ExitFailure, code)
	require.Len(t, h.rep.errors, 2)
	assert.Equal(t, "Unhandled exception instantiating robot brokenRobot gearbox missing", h.rep.errors[0])
	assert.Contains(t, h.rep.stacks[0], "brokenRobot")
	assert.Equal(t, "Could not instantiate robot brokenRobot!", h.rep.errors[1])
}

func TestConstructionFailureUnknownOrigin(t *testing.T) {
	h := newHarness(t)

	code := h.start(context.Background(), func() (Robot, error) {
		return nil, errors.New("boom")
	})

	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, "Unhandled exception instantiating robot Unknown boom", h.rep.errors[0])
	assert.Equal(t, "Could not instantiate robot Unknown!", h.rep.errors[1])
}

func TestUnexpectedReturnIsFatal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.version), 0o755))
	require.NoError(t, os.WriteFile(h.version, []byte("stale marker"), 0o644))
	r := &fakeRobot{}

	code := h.start(context.Background(), func() (Robot, error) { return r, nil })

	assert.Equal(t, ExitFailure, code)
	assert.True(t, r.started)
	assert.Equal(t, 1, r.closed)
	assert.Equal(t, []string{"Robots should not quit, but yours did!"}, h.rep.warnings)
	assert.Equal(t, []string{"Unexpected return from StartCompetition() method."}, h.rep.errors)

	b, err := os.ReadFile(h.version)
	require.NoError(t, err)
	assert.Equal(t, "Go "+Version, string(b))
	assert.Equal(t, []int{hal.LanguageGo}, h.hal.Reports(hal.ResourceLanguage))
	assert.Equal(t, []string{"READY=1"}, h.notified)
}

func TestErrorReturnIsFatal(t *testing.T) {
	h := newHarness(t)
	r := &fakeRobot{start: func(context.Context) error {
		return fmt.Errorf("loop: %w", errors.New("driver station lost"))
	}}

	code := h.start(context.Background(), func() (Robot, error) { return r, nil })

	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, []string{
		"Unhandled exception: driver station lost",
		"The StartCompetition() method (or methods called by it) should have handled the exception above.",
	}, h.rep.errors)
	assert.Equal(t, 1, r.closed)
}

func TestPanicDuringShutdownIsFatal(t *testing.T) {
	h := newHarness(t)
	r := &fakeRobot{start: func(context.Context) error { panic("hook blew up") }}

	code := h.start(cancelled(), func() (Robot, error) { return r, nil })

	assert.Equal(t, ExitFailure, code)
	require.NotEmpty(t, h.rep.errors)
	assert.Equal(t, "Unhandled exception: hook blew up", h.rep.errors[0])
	assert.NotEmpty(t, h.rep.stacks[0])
}

func TestSignalStopExitsCleanly(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeRobot{start: func(c context.Context) error {
		cancel()
		<-c.Done()
		return c.Err()
	}}

	code := h.start(ctx, func() (Robot, error) { return r, nil })

	assert.Equal(t, ExitOK, code)
	assert.Equal(t, ExitOK, h.exitCode)
	assert.Empty(t, h.rep.errors)
	assert.Empty(t, h.rep.warnings)
	assert.Equal(t, 1, r.closed)
	assert.Equal(t, []string{"READY=1", "STOPPING=1"}, h.notified)
}

func TestVersionFileFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	// A non-empty directory at the marker path cannot be removed.
	require.NoError(t, os.MkdirAll(h.version, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.version, "keep"), nil, 0o644))
	r := &fakeRobot{start: func(c context.Context) error { return c.Err() }}

	code := h.start(cancelled(), func() (Robot, error) { return r, nil })

	assert.Equal(t, ExitOK, code)
	assert.True(t, r.started)
	require.Len(t, h.rep.errors, 1)
	assert.True(t, strings.HasPrefix(h.rep.errors[0], "Could not write FRC_Lib_Version.ini"))
}

func TestReceiverType(t *testing.T) {
	tests := []struct {
		fn   string
		want string
	}{
		{"robotloop/internal/app.(*DemoRobot).RobotInit", "DemoRobot"},
		{"robotloop/internal/app.DemoRobot.RobotInit", "DemoRobot"},
		{"main.(*Robot).init", "Robot"},
		{"robotloop/internal/app.NewApp", ""},
		{"robotloop/internal/app.NewApp.func1", ""},
		{"github.com/acme/frc.(*Arm).build.func2", "Arm"},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			assert.Equal(t, tt.want, receiverType(tt.fn))
		})
	}
}

func TestUnwrapOnce(t *testing.T) {
	inner := errors.New("inner")
	mid := fmt.Errorf("mid: %w", inner)
	outer := fmt.Errorf("outer: %w", mid)

	assert.Equal(t, mid, unwrapOnce(outer))
	assert.Equal(t, inner, unwrapOnce(&panicError{value: mid}))
	assert.Equal(t, "boom", unwrapOnce(&panicError{value: "boom"}).Error())
}
