// Package lifecycle brings the robot program up and turns every way it can
// end into a process exit code.
//
// The control loop is not supposed to return. Any return from
// StartCompetition, and any failure while constructing the robot, is fatal;
// there is no restart. The single exception is an operator stop delivered
// through the context (SIGINT/SIGTERM), which exits cleanly.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"robotloop/internal/diag"
	"robotloop/internal/hal"
	"robotloop/internal/hal/sim"
	logx "robotloop/pkg/logx"
)

const (
	DefaultVersionFile = "/tmp/frc_versions/FRC_Lib_Version.ini"
	DefaultHALTimeout  = 500 * time.Millisecond

	ExitOK      = 0
	ExitFailure = 1

	msgRobotsQuit = "Robots should not quit, but yours did!"
)

// Version is written to the version marker. Set with -ldflags.
var Version = "devel"

// Robot is what the factory builds. StartCompetition runs until ctx is
// cancelled; Close releases whatever the robot owns.
type Robot interface {
	StartCompetition(ctx context.Context) error
	Close() error
}

type Factory func() (Robot, error)

// Reporter is the diagnostic sink.
type Reporter interface {
	ReportError(msg, stack string)
	ReportWarning(msg string, printTrace bool)
}

type options struct {
	hal         hal.HAL
	halTimeout  time.Duration
	halMode     int
	reporter    Reporter
	log         logx.Logger
	versionFile string
	notify      func(state string) (bool, error)
	onExit      func(code int)
}

type Option func(*options)

func WithHAL(h hal.HAL) Option { return func(o *options) { o.hal = h } }

// WithHALInit sets the arguments passed to HAL.Initialize.
func WithHALInit(timeout time.Duration, mode int) Option {
	return func(o *options) {
		if timeout > 0 {
			o.halTimeout = timeout
		}
		o.halMode = mode
	}
}

func WithReporter(r Reporter) Option { return func(o *options) { o.reporter = r } }

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithVersionFile overrides where the version marker is written.
func WithVersionFile(path string) Option {
	return func(o *options) {
		if strings.TrimSpace(path) != "" {
			o.versionFile = path
		}
	}
}

// WithNotifier replaces the systemd notification call.
func WithNotifier(notify func(state string) (bool, error)) Option {
	return func(o *options) { o.notify = notify }
}

// WithExitHook runs fn with the exit code right before StartRobot returns.
func WithExitHook(fn func(code int)) Option { return func(o *options) { o.onExit = fn } }

// StartRobot initializes the HAL, constructs the robot and runs it. It
// returns the process exit code; the caller passes it to os.Exit.
func StartRobot(ctx context.Context, factory Factory, opts ...Option) (code int) {
	o := options{
		halTimeout:  DefaultHALTimeout,
		versionFile: DefaultVersionFile,
		notify:      func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.reporter == nil {
		o.reporter = diag.New(o.log)
	}
	if o.hal == nil {
		o.hal = sim.NewHAL(sim.WithHALLogger(o.log))
	}
	if o.onExit != nil {
		defer func() { o.onExit(code) }()
	}

	if !o.hal.Initialize(o.halTimeout, o.halMode) {
		o.reporter.ReportError("Failed to initialize. Terminating", "")
		return ExitFailure
	}
	o.hal.Report(hal.ResourceLanguage, hal.LanguageGo)

	o.log.Info("********** Robot program starting **********")

	robot, stack, err := construct(factory)
	if err != nil {
		cause := unwrapOnce(err)
		name := originName(cause, stack)
		o.reporter.ReportError("Unhandled exception instantiating robot "+name+" "+cause.Error(), stack)
		o.reporter.ReportWarning(msgRobotsQuit, false)
		o.reporter.ReportError("Could not instantiate robot "+name+"!", "")
		return ExitFailure
	}
	defer func() {
		if cerr := closeRobot(robot); cerr != nil {
			o.log.Warn("robot close failed", logx.Err(cerr))
		}
	}()

	if err := writeVersionFile(o.versionFile, "Go "+Version); err != nil {
		o.reporter.ReportError("Could not write FRC_Lib_Version.ini: "+err.Error(), "")
	}

	if sent, err := o.notify(daemon.SdNotifyReady); err != nil {
		o.log.Debug("systemd notify failed", logx.Err(err))
	} else if sent {
		o.log.Debug("systemd notified", logx.String("state", daemon.SdNotifyReady))
	}

	stack, err = run(ctx, robot)
	if ctx.Err() != nil && !errors.Is(err, errPanicked) {
		_, _ = o.notify(daemon.SdNotifyStopping)
		o.log.Info("stopping", logx.String("reason", string(StopSignal)))
		return ExitOK
	}

	o.reporter.ReportWarning(msgRobotsQuit, false)
	if err != nil {
		cause := unwrapOnce(err)
		o.reporter.ReportError("Unhandled exception: "+cause.Error(), stack)
		o.reporter.ReportError("The StartCompetition() method (or methods called by it) should have handled the exception above.", "")
		o.log.Error("stopping", logx.String("reason", string(StopFatalError)))
	} else {
		o.reporter.ReportError("Unexpected return from StartCompetition() method.", "")
		o.log.Error("stopping", logx.String("reason", string(StopUnexpectedReturn)))
	}
	return ExitFailure
}

var errPanicked = errors.New("panic")

// panicError carries a recovered panic value.
type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("%v", e.value) }

func (e *panicError) Is(target error) bool { return target == errPanicked }

func construct(factory Factory) (r Robot, stack string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r = nil
			err = &panicError{value: p}
			stack = string(debug.Stack())
		}
	}()
	if factory == nil {
		return nil, "", errors.New("nil robot factory")
	}
	r, err = factory()
	if err == nil && r == nil {
		err = errors.New("robot factory returned nil")
	}
	return r, "", err
}

func run(ctx context.Context, r Robot) (stack string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
			stack = string(debug.Stack())
		}
	}()
	return "", r.StartCompetition(ctx)
}

func closeRobot(r Robot) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in Close: %v", p)
		}
	}()
	return r.Close()
}

// unwrapOnce returns err's direct cause, or err when it has none. A panic
// with an error value is treated as that error.
func unwrapOnce(err error) error {
	if pe, ok := err.(*panicError); ok {
		v, isErr := pe.value.(error)
		if !isErr {
			return err
		}
		err = v
	}
	if cause := errors.Unwrap(err); cause != nil {
		return cause
	}
	return err
}

// originName names the robot type a construction failure came from.
func originName(cause error, stack string) string {
	var o interface{ Origin() string }
	if errors.As(cause, &o) {
		if name := strings.TrimSpace(o.Origin()); name != "" {
			return name
		}
	}
	if name := panickingReceiver(stack); name != "" {
		return name
	}
	return "Unknown"
}

// panickingReceiver finds the first frame after runtime.gopanic in a
// debug.Stack dump and returns its method receiver type.
func panickingReceiver(stack string) string {
	if stack == "" {
		return ""
	}
	afterPanic := false
	for _, line := range strings.Split(stack, "\n") {
		if line == "" || strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "goroutine ") {
			continue
		}
		fn := line
		if i := strings.LastIndex(fn, "("); i > 0 && strings.HasSuffix(fn, ")") {
			fn = fn[:i]
		}
		if strings.HasPrefix(fn, "panic") || strings.HasPrefix(fn, "runtime.") {
			if strings.HasPrefix(fn, "panic") || fn == "runtime.gopanic" {
				afterPanic = true
			}
			continue
		}
		if afterPanic {
			return receiverType(fn)
		}
	}
	return ""
}

// receiverType extracts T from "path/pkg.(*T).Method" or "path/pkg.T.Method".
func receiverType(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	parts := strings.Split(fn, ".")
	if len(parts) < 3 {
		return ""
	}
	recv := parts[1]
	if strings.HasPrefix(recv, "(*") {
		return strings.TrimSuffix(strings.TrimPrefix(recv, "(*"), ")")
	}
	if isClosure(parts[2]) {
		return ""
	}
	return recv
}

func isClosure(s string) bool {
	if !strings.HasPrefix(s, "func") || len(s) == len("func") {
		return false
	}
	for _, c := range s[len("func"):] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// writeVersionFile replaces path with content.
func writeVersionFile(path, content string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
