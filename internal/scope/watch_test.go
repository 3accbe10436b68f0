package scope

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mzyy94/scopecap/internal/scpi"
)

func TestWatcher_StopWaitsForExit(t *testing.T) {
	var calls atomic.Int32
	w := NewWatcher(5*time.Millisecond, func(context.Context) { calls.Add(1) })
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	w.Stop()

	n := calls.Load()
	if n < 1 {
		t.Fatalf("callback ran %d times", n)
	}
	select {
	case <-w.Done():
	default:
		t.Fatal("loop still running after Stop")
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != n {
		t.Error("callback ran after Stop")
	}
}

func TestWatcher_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWatcher(time.Hour, func(context.Context) {})
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on cancel")
	}
	w.Stop()
}

func TestWatcher_BadInterval(t *testing.T) {
	if err := NewWatcher(0, nil).Start(context.Background()); err == nil {
		t.Error("zero interval accepted")
	}
}

func TestCaptureWatcher(t *testing.T) {
	img := screenPNG(t, 20, 10)
	dev := newDevice()
	dev.Raw[CmdDataColor] = scpi.EncodeBlock(img)
	sc := connectedScopeWith(t, dev)
	dir := t.TempDir()

	var status CaptureJobStatus
	w := CaptureWatcher(sc, time.Hour, SaveJob{Output: dir}, &status)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for status.Snapshot().Count == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	snap := status.Snapshot()
	if snap.Count != 1 || snap.LastError != "" {
		t.Fatalf("status = %+v", snap)
	}
	if _, err := os.Stat(snap.FilePath); err != nil {
		t.Errorf("saved file: %v", err)
	}
}
