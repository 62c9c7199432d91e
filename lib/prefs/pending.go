package prefs

import (
	"context"
	"sync"
)

// Pending tracks a write issued by Set or Reset until the Manager has processed
// the change event it caused.
type Pending struct {
	name     string
	revision uint64
	done     chan struct{}
	once     sync.Once
	err      error
}

func newPending(name string, revision uint64) *Pending {
	return &Pending{
		name:     name,
		revision: revision,
		done:     make(chan struct{}),
	}
}

// resolve completes the pending write. Only the first call has an effect.
func (p *Pending) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Name returns the preference the write was issued for
func (p *Pending) Name() string {
	return p.name
}

// Revision returns the revision the medium assigned to the write.
// It is 0 if nothing was committed (reset of a preference without override).
func (p *Pending) Revision() uint64 {
	return p.revision
}

// Done returns a channel that is closed once the write was processed,
// or the preference was undefined, or the manager was closed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns nil while the write is pending or after it was processed. It returns
// ErrUnknownPreference or ErrClosed if the write was abandoned.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the write was processed or ctx is done.
// It must not be called from inside a listener of the same Manager.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
