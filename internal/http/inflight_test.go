package http

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestInFlightTracker_ConcurrentBeginEnd(t *testing.T) {
	var tr InFlightTracker
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.begin()
			tr.end()
		}()
	}
	wg.Wait()
	if got := tr.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestInFlightTracker_WaitForZero(t *testing.T) {
	tests := []struct {
		name      string
		inFlight  int
		releaseIn time.Duration
		timeout   time.Duration
		wantErr   error
	}{
		{"idle returns immediately", 0, 0, 50 * time.Millisecond, nil},
		{"drains before deadline", 2, 20 * time.Millisecond, time.Second, nil},
		{"deadline while draining", 1, -1, 30 * time.Millisecond, context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tr InFlightTracker
			for i := 0; i < tt.inFlight; i++ {
				tr.begin()
			}
			if tt.releaseIn >= 0 && tt.inFlight > 0 {
				time.AfterFunc(tt.releaseIn, func() {
					for i := 0; i < tt.inFlight; i++ {
						tr.end()
					}
				})
			}

			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()
			err := tr.WaitForZero(ctx, 5*time.Millisecond, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("WaitForZero() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestInFlightTracker_LogsWhileDraining(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	var tr InFlightTracker
	tr.begin()
	time.AfterFunc(15*time.Millisecond, tr.end)

	if err := tr.WaitForZero(context.Background(), 5*time.Millisecond, zap.New(core)); err != nil {
		t.Fatalf("WaitForZero() = %v", err)
	}
	entries := logs.FilterMessage("draining in-flight requests").All()
	if len(entries) == 0 {
		t.Fatal("no drain progress logged")
	}
	if got := entries[0].ContextMap()["remaining"]; got != int64(1) {
		t.Errorf("remaining = %v, want 1", got)
	}
}
