package storage

import (
	"context"
	"errors"
	"strings"

	logx "robotloop/pkg/logx"
)

// Store is the fault journal.
type Store interface {
	AppendFault(ctx context.Context, f Fault) error
	// RecentFaults returns up to n faults, oldest first.
	RecentFaults(ctx context.Context, n int) ([]Fault, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file", "jsonl":
		return openFile(cfg, log)
	case "cbor":
		return openCBOR(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// tail keeps the last n items of a stream.
type tail[T any] struct {
	n   int
	buf []T
}

func (t *tail[T]) push(v T) {
	if t.n <= 0 {
		return
	}
	if len(t.buf) == t.n {
		copy(t.buf, t.buf[1:])
		t.buf = t.buf[:t.n-1]
	}
	t.buf = append(t.buf, v)
}
