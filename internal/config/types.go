package config

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "20ms", "1s"); an empty string means "use the default".
type Config struct {
	Robot     RobotConfig     `json:"robot"`
	Safety    SafetyConfig    `json:"safety"`
	Sim       SimConfig       `json:"sim"`
	Diag      DiagConfig      `json:"diag,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

// RobotConfig controls the dispatch loop and the bootstrap.
//
// Defaults:
//   - period: "20ms" (hot-reloadable, applied on the next tick)
//   - hal_init_timeout: "500ms"
//   - version_file: "/tmp/frc_versions/FRC_Lib_Version.ini"
type RobotConfig struct {
	Period         string `json:"period,omitempty"`
	HALInitTimeout string `json:"hal_init_timeout,omitempty"`
	VersionFile    string `json:"version_file,omitempty"`
}

// SafetyConfig controls actuator safety timeouts.
//
// Defaults:
//   - default_expiration: "100ms" (applies to actuators created afterwards)
//   - sweep_period: "20ms"
type SafetyConfig struct {
	DefaultExpiration string `json:"default_expiration,omitempty"`
	SweepPeriod       string `json:"sweep_period,omitempty"`
}

// SimConfig drives the simulated driver station.
//
// Mode is one of "teleop", "autonomous", "test". Disabled is expressed with
// enabled=false.
type SimConfig struct {
	Mode         string `json:"mode,omitempty"`
	Enabled      bool   `json:"enabled"`
	PacketPeriod string `json:"packet_period,omitempty"`
}

// DiagConfig controls the diagnostic sink.
//
// RepeatInterval is the minimum spacing between two identical reports
// (default "1s"; "0s" disables limiting).
type DiagConfig struct {
	RepeatInterval string `json:"repeat_interval,omitempty"`
}

// StorageConfig controls the fault journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./var/faults.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TelemetryConfig controls the periodic loop report.
//
// Schedule accepts a 5-field cron expression or a descriptor such as
// "@every 30s" (default).
type TelemetryConfig struct {
	Enabled         bool   `json:"enabled"`
	Schedule        string `json:"schedule,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	SystemdWatchdog bool   `json:"systemd_watchdog,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
