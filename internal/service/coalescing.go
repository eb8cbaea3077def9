package service

import (
	"context"
	"sync"
	"time"

	"linx/internal/models"
)

// inFlightFetch is one feed fetch that any number of callers may be waiting
// on. The first caller runs it; the rest park on a notify channel.
type inFlightFetch struct {
	mu      sync.Mutex
	result  models.SolArchive
	err     error
	done    bool
	waiters []chan struct{}
}

// requestCoalescer collapses concurrent cache misses for the same key onto a
// single feed fetch. The archive is one document, so without coalescing a
// cold cache under load turns into N identical upstream requests.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightFetch
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightFetch),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of an in-flight fetch for key if one exists,
// otherwise starts fn and shares its result with everyone who arrives before
// it finishes. Waiting is bounded by the coalescer timeout and by ctx.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.SolArchive, error)) (models.SolArchive, error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if exists {
		rc.mu.Unlock()
		return rc.wait(ctx, req)
	}

	req = &inFlightFetch{}
	rc.inFlight[key] = req
	rc.mu.Unlock()

	// The fetch runs detached so that one caller timing out does not abort
	// the fetch the remaining waiters are riding on.
	go func() {
		result, err := fn()

		req.mu.Lock()
		req.result = result
		req.err = err
		req.done = true
		waiters := req.waiters
		req.waiters = nil
		req.mu.Unlock()

		// Deregister before waking waiters so a caller arriving after a
		// waiter returns always starts a fresh fetch.
		rc.mu.Lock()
		delete(rc.inFlight, key)
		rc.mu.Unlock()

		for _, notify := range waiters {
			close(notify)
		}
	}()

	return rc.wait(ctx, req)
}

// wait blocks until req completes, the coalescer timeout fires, or ctx is
// cancelled, whichever comes first.
func (rc *requestCoalescer) wait(ctx context.Context, req *inFlightFetch) (models.SolArchive, error) {
	req.mu.Lock()
	if req.done {
		result, err := req.result, req.err
		req.mu.Unlock()
		if err != nil {
			return models.SolArchive{}, err
		}
		return result, nil
	}
	notify := make(chan struct{})
	req.waiters = append(req.waiters, notify)
	req.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	select {
	case <-notify:
		req.mu.Lock()
		result, err := req.result, req.err
		req.mu.Unlock()
		if err != nil {
			return models.SolArchive{}, err
		}
		return result, nil
	case <-waitCtx.Done():
		return models.SolArchive{}, waitCtx.Err()
	}
}
