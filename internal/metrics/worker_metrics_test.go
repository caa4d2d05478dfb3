package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestWorkerSampler_DisabledIsInert(t *testing.T) {
	s := NewWorkerSampler(WorkerSamplerConfig{Enabled: false})
	if err := s.RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.Start(context.Background(), func() int32 { return 0 })
	s.Stop()
	if _, ok := s.Latest(); ok {
		t.Fatalf("disabled sampler produced samples")
	}
}

func TestWorkerSampler_RingBuffer(t *testing.T) {
	s := NewWorkerSampler(WorkerSamplerConfig{Enabled: true, MaxHistory: 3})
	for i := 1; i <= 5; i++ {
		s.record(WorkerSample{PID: int32(i), Timestamp: time.Now()})
	}
	hist := s.History()
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if hist[0].PID != 3 || hist[2].PID != 5 {
		t.Fatalf("history out of order: %v", []int32{hist[0].PID, hist[1].PID, hist[2].PID})
	}
	latest, ok := s.Latest()
	if !ok || latest.PID != 5 {
		t.Fatalf("latest = %+v, ok=%t", latest, ok)
	}
}

func TestWorkerSampler_SamplesSelf(t *testing.T) {
	s := NewWorkerSampler(WorkerSamplerConfig{Enabled: true, Interval: 20 * time.Millisecond})
	if err := s.RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, func() int32 { return int32(os.Getpid()) })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Latest(); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	sample, ok := s.Latest()
	if !ok {
		t.Fatalf("no sample collected for own pid")
	}
	if sample.MemoryRSS == 0 {
		t.Fatalf("expected non-zero RSS, got %+v", sample)
	}
}
