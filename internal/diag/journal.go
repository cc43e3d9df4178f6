package diag

import (
	"context"

	"robotloop/internal/storage"
	logx "robotloop/pkg/logx"
)

// Run writes queued faults to the journal until ctx is done. Faults still
// queued at that point are left for Flush.
func (r *Reporter) Run(ctx context.Context) error {
	if r.journal == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-r.journal:
			r.write(ctx, f)
		}
	}
}

// Flush writes every queued fault and returns when the queue is empty or
// ctx is done.
func (r *Reporter) Flush(ctx context.Context) error {
	if r.journal == nil {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case f := <-r.journal:
			r.write(ctx, f)
		default:
			return nil
		}
	}
}

// Pending is the number of faults waiting for the journal.
func (r *Reporter) Pending() int { return len(r.journal) }

func (r *Reporter) write(ctx context.Context, f storage.Fault) {
	// An in-flight write survives cancellation of Run; the timeout bounds it.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := r.store.AppendFault(wctx, f); err != nil {
		r.log.Debug("fault journal append failed", logx.String("source", f.Source), logx.Err(err))
	}
}
