package scope

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Watcher runs a callback on a fixed interval until stopped.
type Watcher struct {
	interval time.Duration
	callback func(context.Context)
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher creates a Watcher that calls callback every interval.
func NewWatcher(interval time.Duration, callback func(context.Context)) *Watcher {
	return &Watcher{interval: interval, callback: callback}
}

// Start begins the loop. The first call happens immediately. It returns
// without blocking; the loop ends when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w.interval <= 0 {
		return fmt.Errorf("watch interval must be positive, got %s", w.interval)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	slog.Info("watch started", "interval", w.interval)

	go w.loop(ctx)
	return nil
}

// Stop ends the loop and waits for a running callback to return.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
}

// Done is closed when the loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.callback != nil {
			w.callback(ctx)
		}
		select {
		case <-ctx.Done():
			slog.Info("watch stopped")
			return
		case <-ticker.C:
		}
	}
}

// CaptureWatcher saves a capture on every tick and records the outcome in
// status. A failed capture is logged and the next tick retries; when the
// session dropped it reconnects first.
func CaptureWatcher(sc *Scope, interval time.Duration, job SaveJob, status *CaptureJobStatus) *Watcher {
	return NewWatcher(interval, func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		if !sc.Connected() {
			if err := sc.Connect(ctx); err != nil {
				slog.Warn("watch reconnect failed", "err", err)
				status.SetResult(err, 0, "")
				return
			}
		}
		status.SetCapturing(true)
		path, n, err := RunSaveJob(sc, job)
		status.SetResult(err, n, path)
		if err != nil {
			slog.Warn("watch capture failed", "err", err)
		}
	})
}
