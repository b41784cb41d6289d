package kvstore

import (
	"context"
	"fmt"
	"time"
)

// Strategy selects the backend for one store call.
type Strategy interface {
	// TryRemote returns the remote backend if it is usable right now, or
	// an error wrapping ErrStoreUnavailable.
	TryRemote(ctx context.Context) (Backend, error)

	// UseLocal returns the fallback backend. It never fails.
	UseLocal() Backend
}

// DefaultProbeTimeout bounds a single liveness probe when none is given.
const DefaultProbeTimeout = 250 * time.Millisecond

// ProbeStrategy pings the remote before every call. It keeps no state
// between calls, so the first call after the remote recovers uses it
// again.
type ProbeStrategy struct {
	remote       Backend
	local        Backend
	probeTimeout time.Duration
}

// NewProbeStrategy creates a strategy over remote and local. A nil remote
// means "no remote configured": every call uses local. A probeTimeout <= 0
// uses DefaultProbeTimeout.
func NewProbeStrategy(remote, local Backend, probeTimeout time.Duration) *ProbeStrategy {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &ProbeStrategy{remote: remote, local: local, probeTimeout: probeTimeout}
}

// TryRemote implements Strategy.
func (p *ProbeStrategy) TryRemote(ctx context.Context) (Backend, error) {
	if p.remote == nil {
		return nil, fmt.Errorf("no remote configured: %w", ErrStoreUnavailable)
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	if err := p.remote.Ping(probeCtx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return p.remote, nil
}

// UseLocal implements Strategy.
func (p *ProbeStrategy) UseLocal() Backend { return p.local }
