// Package diag is the diagnostic sink for errors and warnings raised by the
// robot program. Reports go to the log and to the fault journal; repeats of
// the same message are rate limited so a fault detected every tick does not
// flood either.
//
// Reporting never blocks on the journal: faults are queued and written by
// Run. A full queue drops the fault and counts it.
package diag

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"robotloop/internal/storage"
	logx "robotloop/pkg/logx"
)

const (
	// DefaultInterval is the minimum spacing between two identical reports.
	DefaultInterval = time.Second

	// DefaultJournalQueue is how many faults may wait for the journal writer.
	DefaultJournalQueue = 256

	maxTrackedMessages = 1024
	journalTimeout     = 250 * time.Millisecond
)

type limiterEntry struct {
	lim        *rate.Limiter
	suppressed int
}

// state is shared by a Reporter and every Reporter derived from it.
type state struct {
	store   storage.Store
	runID   string
	queue   int
	journal chan storage.Fault

	limit rate.Limit
	burst int

	timeNow func() time.Time

	mu       sync.Mutex
	limiters map[string]*limiterEntry

	errors     atomic.Uint64
	warnings   atomic.Uint64
	suppressed atomic.Uint64
	dropped    atomic.Uint64
}

// Reporter never fails; journal errors are logged at debug level.
type Reporter struct {
	*state
	source string
	log    logx.Logger
}

type Option func(*state)

// WithStore journals every report that passes the limiter.
func WithStore(st storage.Store) Option { return func(s *state) { s.store = st } }

// WithJournalQueue sets the journal queue capacity.
func WithJournalQueue(n int) Option {
	return func(s *state) {
		if n > 0 {
			s.queue = n
		}
	}
}

func WithRunID(id string) Option { return func(s *state) { s.runID = id } }

// WithInterval sets the minimum spacing between identical reports. Zero or
// negative disables limiting.
func WithInterval(d time.Duration) Option {
	return func(s *state) {
		if d <= 0 {
			s.limit = rate.Inf
			return
		}
		s.limit = rate.Every(d)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *state) {
		if now != nil {
			s.timeNow = now
		}
	}
}

func New(log logx.Logger, opts ...Option) *Reporter {
	st := &state{
		limit:    rate.Every(DefaultInterval),
		burst:    1,
		timeNow:  time.Now,
		limiters: map[string]*limiterEntry{},
		queue:    DefaultJournalQueue,
	}
	for _, o := range opts {
		o(st)
	}
	if st.store != nil {
		st.journal = make(chan storage.Fault, st.queue)
	}
	if st.runID == "" {
		st.runID = uuid.NewString()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{state: st, log: log}
}

// For returns a Reporter that tags its reports with source. Limiter state and
// counters are shared with r.
func (r *Reporter) For(source string) *Reporter {
	return &Reporter{state: r.state, source: source, log: r.log.With(logx.String("comp", source))}
}

func (r *Reporter) RunID() string { return r.runID }

// ReportError logs msg at error level. stack may be empty.
func (r *Reporter) ReportError(msg, stack string) {
	r.errors.Add(1)
	r.emit(storage.LevelError, msg, stack)
}

// ReportWarning logs msg at warning level, with the caller's stack when
// printTrace is set.
func (r *Reporter) ReportWarning(msg string, printTrace bool) {
	r.warnings.Add(1)
	stack := ""
	if printTrace {
		stack = logx.StackTrace(3, 32)
	}
	r.emit(storage.LevelWarning, msg, stack)
}

func (r *Reporter) emit(level, msg, stack string) {
	now := r.timeNow()
	ok, suppressed := r.allow(level+"\x00"+msg, now)
	if !ok {
		r.suppressed.Add(1)
		return
	}

	fields := make([]logx.Field, 0, 3)
	if suppressed > 0 {
		fields = append(fields, logx.Int("suppressed", suppressed))
	}
	if stack != "" {
		fields = append(fields, logx.Stack(stack))
	}
	if level == storage.LevelError {
		r.log.Error(msg, fields...)
	} else {
		r.log.Warn(msg, fields...)
	}

	if r.journal == nil {
		return
	}
	f := storage.Fault{
		At:      now,
		RunID:   r.runID,
		Level:   level,
		Source:  r.source,
		Message: msg,
		Stack:   stack,
	}
	select {
	case r.journal <- f:
	default:
		r.dropped.Add(1)
	}
}

// allow reports whether key may be emitted now and how many identical
// reports were dropped since the last one that was.
func (r *Reporter) allow(key string, now time.Time) (bool, int) {
	if r.limit == rate.Inf {
		return true, 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.limiters[key]
	if !ok {
		if len(r.limiters) >= maxTrackedMessages {
			r.limiters = map[string]*limiterEntry{}
		}
		e = &limiterEntry{lim: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[key] = e
	}
	if !e.lim.AllowN(now, 1) {
		e.suppressed++
		return false, 0
	}
	n := e.suppressed
	e.suppressed = 0
	return true, n
}

// Counts is a snapshot of the reporter counters.
type Counts struct {
	Errors     uint64 `json:"errors"`
	Warnings   uint64 `json:"warnings"`
	Suppressed uint64 `json:"suppressed"`
	Dropped    uint64 `json:"journal_dropped"`
}

func (r *Reporter) Counts() Counts {
	return Counts{
		Errors:     r.errors.Load(),
		Warnings:   r.warnings.Load(),
		Suppressed: r.suppressed.Load(),
		Dropped:    r.dropped.Load(),
	}
}
