package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotloop/internal/config"
	"robotloop/internal/diag"
	"robotloop/internal/eventbus"
	"robotloop/internal/hal"
	"robotloop/internal/hal/sim"
	"robotloop/internal/lifecycle"
	"robotloop/internal/robot"
	"robotloop/internal/safety"
	"robotloop/internal/storage"
	logx "robotloop/pkg/logx"
)

func writeConfig(t *testing.T, dir string, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`{
  "robot": {"period": "20ms", "version_file": %q},
  "safety": {"default_expiration": "100ms", "sweep_period": "10ms"},
  "sim": {"mode": "teleop", "enabled": true, "packet_period": "5ms"},
  "logging": {"level": "error", "console": false, "file": {"enabled": true, "path": %q}},
  "storage": {"driver": "file", "path": %q}%s
}`,
		filepath.Join(dir, "FRC_Lib_Version.ini"),
		filepath.Join(dir, "robot.log"),
		filepath.Join(dir, "faults"),
		extra,
	)
	p := filepath.Join(dir, "robot.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestMapDefaults(t *testing.T) {
	cfg := &config.Config{}

	rs, err := mapRobotConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, robot.DefaultPeriod, rs.period)
	assert.Equal(t, lifecycle.DefaultHALTimeout, rs.halTimeout)
	assert.Equal(t, lifecycle.DefaultVersionFile, rs.versionFile)

	ss, err := mapSafetyConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, safety.DefaultExpiration, ss.defaultExpiration)

	sims, err := mapSimConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, robot.ModeTeleop, sims.mode)
	assert.False(t, sims.enabled)

	iv, err := mapDiagInterval(cfg)
	require.NoError(t, err)
	assert.Equal(t, diag.DefaultInterval, iv)

	_, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)

	pc, err := mapPprofConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6060", pc.Addr)
	assert.Equal(t, "/debug/pprof/", pc.Prefix)

	require.NoError(t, validateConfig(context.Background(), cfg))
}

func TestValidateConfigRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"RobotPeriod", func(c *config.Config) { c.Robot.Period = "fast" }, "robot.period"},
		{"SafetyExpiration", func(c *config.Config) { c.Safety.DefaultExpiration = "-1s" }, "safety.default_expiration"},
		{"RobotPeriodZero", func(c *config.Config) { c.Robot.Period = "0s" }, "robot.period"},
		{"SweepTooSlow", func(c *config.Config) { c.Safety.SweepPeriod = "5s" }, "safety.sweep_period"},
		{"PacketTooFast", func(c *config.Config) { c.Sim.PacketPeriod = "10us" }, "sim.packet_period"},
		{"SimMode", func(c *config.Config) { c.Sim.Mode = "dance" }, "sim.mode"},
		{"DiagInterval", func(c *config.Config) { c.Diag.RepeatInterval = "soon" }, "diag.repeat_interval"},
		{"LoggingLevel", func(c *config.Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"StorageDriver", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "mongo", Path: "x"} }, "storage.driver"},
		{"StoragePath", func(c *config.Config) { c.Storage = &config.StorageConfig{Driver: "cbor"} }, "storage.path"},
		{"TelemetrySchedule", func(c *config.Config) { c.Telemetry.Schedule = "whenever" }, "telemetry schedule"},
		{"TelemetryTimezone", func(c *config.Config) { c.Telemetry.Timezone = "Mars/Olympus" }, "telemetry.timezone"},
		{"PprofPublic", func(c *config.Config) {
			c.Pprof = config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060"}
		}, "non-loopback"},
		{"PprofAddr", func(c *config.Config) {
			c.Pprof = config.PprofConfig{Enabled: true, Addr: "6060"}
		}, "pprof.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			tt.mutate(cfg)
			err := validateConfig(context.Background(), cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMapPprofAcceptsTokenOnPublicAddr(t *testing.T) {
	cfg := &config.Config{Pprof: config.PprofConfig{Enabled: true, Addr: "0.0.0.0:6060", Token: " s3cret "}}
	pc, err := mapPprofConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pc.Token)
}

func TestMapDiagZeroDisablesLimiting(t *testing.T) {
	iv, err := mapDiagInterval(&config.Config{Diag: config.DiagConfig{RepeatInterval: "0s"}})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), iv)
}

func TestMapStorageDrivers(t *testing.T) {
	for _, driver := range []string{"file", "JSONL", "cbor", "sqlite"} {
		sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: driver, Path: "/var/robot/faults"}})
		require.NoError(t, err, driver)
		assert.True(t, enabled)
		assert.Equal(t, strings.ToLower(driver), sc.Driver)
	}
	_, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}})
	require.NoError(t, err)
	assert.False(t, enabled)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingReporter struct {
	mu       sync.Mutex
	warnings []string
}

func (r *recordingReporter) ReportWarning(msg string, _ bool) {
	r.mu.Lock()
	r.warnings = append(r.warnings, msg)
	r.mu.Unlock()
}

func newDemo(t *testing.T) (*DemoRobot, *sim.DriverStation, *safety.Registry, *fakeClock, *recordingReporter) {
	t.Helper()
	ds := sim.NewDriverStation(0, logx.Nop())
	ds.SetEnabled(true)
	clock := &fakeClock{now: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)}
	rep := &recordingReporter{}
	reg := safety.NewRegistry(ds, rep, safety.WithClock(clock.Now))
	r := NewDemoRobot(reg, sim.NewHAL(), logx.Nop())
	r.RobotInit()
	return r, ds, reg, clock, rep
}

func TestDemoRobotTeleopFollowsInput(t *testing.T) {
	r, _, reg, _, _ := newDemo(t)
	r.SetInput(func() (float64, float64) { return 0.5, 0.25 })

	r.TeleopInit()
	r.TeleopPeriodic()

	left, right := r.Motors()
	assert.InDelta(t, 0.75, left.Get(), 1e-9)
	assert.InDelta(t, 0.25, right.Get(), 1e-9)
	assert.True(t, left.Monitor().IsAlive())
	assert.Equal(t, 2, reg.Len())
}

func TestDemoRobotAutonomousDrivesThenHolds(t *testing.T) {
	r, _, _, _, _ := newDemo(t)
	left, right := r.Motors()

	r.AutonomousInit()
	for i := 0; i < autoTicks; i++ {
		r.AutonomousPeriodic()
		require.InDelta(t, autoSpeed, left.Get(), 1e-9, "tick %d", i)
	}
	r.AutonomousPeriodic()
	assert.Equal(t, 0.0, left.Get())
	assert.Equal(t, 0.0, right.Get())
	assert.True(t, left.Monitor().IsAlive(), "holding still still feeds")

	r.AutonomousInit()
	r.AutonomousPeriodic()
	assert.InDelta(t, autoSpeed, left.Get(), 1e-9)
}

func TestDemoRobotDisabledLeavesMotorsToSafety(t *testing.T) {
	r, ds, reg, clock, rep := newDemo(t)
	r.SetInput(func() (float64, float64) { return 1, 0 })
	r.TeleopPeriodic()

	r.DisabledInit()
	r.DisabledPeriodic()
	left, right := r.Motors()
	assert.Equal(t, 1.0, left.Get())

	ds.SetEnabled(false)
	clock.Advance(time.Second)
	assert.Equal(t, 0, reg.CheckAll(), "no stop while disabled")

	ds.SetEnabled(true)
	assert.Equal(t, 2, reg.CheckAll())
	assert.Equal(t, 0.0, left.Get())
	assert.Equal(t, 0.0, right.Get())
	assert.Equal(t, []string{
		"PWM 0... Output not updated often enough.",
		"PWM 1... Output not updated often enough.",
	}, rep.warnings)
}

func TestDemoRobotCloseUnregisters(t *testing.T) {
	r, _, reg, _, _ := newDemo(t)
	require.NoError(t, r.Close())
	assert.Equal(t, 0, reg.Len())
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "robot.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"sim": {"mode": "dance"}}`), 0o600))

	_, err := NewApp(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sim.mode")
}

func TestApplyConfigHotReload(t *testing.T) {
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir, ""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	_, err = a.Build()
	require.NoError(t, err)

	old := a.cfgm.Get()
	next := *old
	next.Robot.Period = "50ms"
	next.Sim = config.SimConfig{Mode: "autonomous", Enabled: false, PacketPeriod: "10ms"}
	next.Safety.DefaultExpiration = "250ms"
	next.Safety.SweepPeriod = "40ms"

	a.applyConfig(context.Background(), old, &next)

	assert.Equal(t, 50*time.Millisecond, a.Loop().Period())
	assert.True(t, a.DriverStation().IsDisabled())
	assert.True(t, a.DriverStation().IsAutonomous())
	assert.Equal(t, 10*time.Millisecond, a.DriverStation().Period())
	assert.Equal(t, 250*time.Millisecond, a.safety.DefaultExpiration())
	assert.Equal(t, 40*time.Millisecond, a.sweeper.Period())
}

func TestRecentFaultsReadsJournal(t *testing.T) {
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir, ""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	a.diag.For("safety").ReportWarning("PWM 3... Output not updated often enough.", false)
	require.NoError(t, a.diag.Flush(context.Background()))

	got, err := a.recentFaults(context.Background(), 10)
	require.NoError(t, err)
	faults, ok := got.([]storage.Fault)
	require.True(t, ok)
	require.Len(t, faults, 1)
	assert.Equal(t, "safety", faults[0].Source)
	assert.Equal(t, a.diag.RunID(), faults[0].RunID)

	st := a.store
	a.store = nil
	_, err = a.recentFaults(context.Background(), 10)
	assert.ErrorIs(t, err, storage.ErrDisabled)
	a.store = st
}

func TestStartRobotRunsUntilSignal(t *testing.T) {
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir, `,
  "telemetry": {"enabled": true, "schedule": "@every 1s"}`))
	require.NoError(t, err)

	built, err := a.Build()
	require.NoError(t, err)
	loop := a.Loop()
	left, right := a.Robot().Motors()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	go func() {
		opts := append(a.LifecycleOptions(),
			lifecycle.WithNotifier(func(string) (bool, error) { return false, nil }),
		)
		done <- lifecycle.StartRobot(ctx, func() (lifecycle.Robot, error) { return built, nil }, opts...)
	}()

	require.Eventually(t, func() bool { return loop.Stats().Ticks >= 5 }, 5*time.Second, 10*time.Millisecond)
	st := loop.Stats()
	assert.Equal(t, "teleop", st.Mode)
	assert.Equal(t, 1, st.ModeEntries["teleop"])
	require.Eventually(t, func() bool {
		return a.collect().Events[string(eventbus.ModeEntered)] == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, a.collect().Packets, st.Ticks, "every tick waits for a packet")

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, lifecycle.ExitOK, code)
	case <-time.After(10 * time.Second):
		t.Fatal("StartRobot did not return")
	}

	b, err := os.ReadFile(filepath.Join(dir, "FRC_Lib_Version.ini"))
	require.NoError(t, err)
	assert.Equal(t, "Go "+lifecycle.Version, string(b))
	assert.Equal(t, []int{hal.LanguageGo}, a.hal.Reports(hal.ResourceLanguage))
	assert.Equal(t, []int{hal.FrameworkIterative}, a.hal.Reports(hal.ResourceFramework))
	assert.Equal(t, []int{0, 1}, a.hal.Reports(hal.ResourcePWM))
	assert.Equal(t, 0.0, left.Get(), "close stops the drivetrain")
	assert.Equal(t, 0.0, right.Get())
	assert.NoError(t, a.Close(), "second close is a no-op")
}
