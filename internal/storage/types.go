package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Fault levels.
const (
	LevelError   = "error"
	LevelWarning = "warning"
)

// Fault is one reported error or warning.
type Fault struct {
	At      time.Time `json:"at" cbor:"1,keyasint"`
	RunID   string    `json:"run_id" cbor:"2,keyasint"`
	Level   string    `json:"level" cbor:"3,keyasint"`
	Source  string    `json:"source,omitempty" cbor:"4,keyasint,omitempty"`
	Message string    `json:"message" cbor:"5,keyasint"`
	Stack   string    `json:"stack,omitempty" cbor:"6,keyasint,omitempty"`
}
