package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"

	logx "robotloop/pkg/logx"
)

var (
	faultEncMode cbor.EncMode
	faultDecMode cbor.DecMode
)

func init() {
	var err error
	faultEncMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor encoder mode: %v", err))
	}
	faultDecMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor decoder mode: %v", err))
	}
}

// cborStore appends faults to <prefix>.faults.cbor as a stream of CBOR items.
type cborStore struct {
	log  logx.Logger
	path string

	mu  sync.Mutex
	f   *os.File
	enc *cbor.Encoder
}

func openCBOR(cfg Config, log logx.Logger) (Store, error) {
	prefix, err := journalPrefix(cfg.Path)
	if err != nil {
		return nil, err
	}
	path := prefix + ".faults.cbor"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("fault journal opened", logx.String("path", path))
	return &cborStore{log: log, path: path, f: f, enc: faultEncMode.NewEncoder(f)}, nil
}

func (s *cborStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.enc = nil
	return err
}

func (s *cborStore) AppendFault(ctx context.Context, e Fault) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	return s.enc.Encode(e)
}

func (s *cborStore) RecentFaults(ctx context.Context, n int) ([]Fault, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := tail[Fault]{n: n}
	dec := faultDecMode.NewDecoder(f)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r Fault
		if err := dec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				return t.buf, nil
			}
			// A torn final item from a crash mid-write ends the journal.
			if errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Warn("fault journal truncated", logx.String("path", s.path))
				return t.buf, nil
			}
			return t.buf, err
		}
		t.push(r)
	}
}
