// Package logx configures robotloop's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level and sinks swappable at runtime (config hot reload)
//
// The control loop logs from a 50 Hz goroutine, so the hot path never
// allocates a new zerolog root: Service.Apply swaps it atomically.
package logx
