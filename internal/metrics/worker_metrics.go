package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// WorkerSample holds one resource reading of the supervised worker.
type WorkerSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// WorkerSamplerConfig holds configuration for worker resource sampling.
type WorkerSamplerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// WorkerSampler periodically samples CPU and memory of the worker process
// and exports the readings as gauges. It keeps a bounded in-memory history
// for the supervisor status surface.
type WorkerSampler struct {
	enabled  bool
	interval time.Duration

	mu       sync.RWMutex
	samples  []WorkerSample // ring buffer
	startIdx int
	count    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent prometheus.Gauge
	memoryMB   prometheus.Gauge
	numThreads prometheus.Gauge
	numFDs     prometheus.Gauge
}

// NewWorkerSampler creates a sampler from config, applying defaults of a
// 5s interval and 100 retained samples.
func NewWorkerSampler(cfg WorkerSamplerConfig) *WorkerSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicerig",
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		})
	}
	return &WorkerSampler{
		enabled:    cfg.Enabled,
		interval:   interval,
		samples:    make([]WorkerSample, maxHistory),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the worker process."),
		memoryMB:   gauge("memory_mb", "Resident memory of the worker process in MB."),
		numThreads: gauge("num_threads", "Thread count of the worker process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the worker process (Unix only)."),
	}
}

// RegisterMetrics registers the sampler gauges with the provided registerer.
func (s *WorkerSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling. getPID reports the current worker pid,
// or 0 when no worker is running.
func (s *WorkerSampler) Start(ctx context.Context, getPID func() int32) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				pid := getPID()
				if pid <= 0 {
					continue
				}
				sample, err := readSample(pid)
				if err != nil {
					slog.Debug("Worker sample failed", "pid", pid, "error", err)
					continue
				}
				s.record(sample)
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (s *WorkerSampler) Stop() {
	if !s.enabled {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Latest returns the most recent sample, if any.
func (s *WorkerSampler) Latest() (WorkerSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return WorkerSample{}, false
	}
	idx := s.count - 1
	if s.count == len(s.samples) {
		idx = (s.startIdx - 1 + len(s.samples)) % len(s.samples)
	}
	return s.samples[idx], true
}

// History returns retained samples in chronological order.
func (s *WorkerSampler) History() []WorkerSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkerSample, s.count)
	if s.count < len(s.samples) {
		copy(out, s.samples[:s.count])
	} else {
		n := copy(out, s.samples[s.startIdx:])
		copy(out[n:], s.samples[:s.startIdx])
	}
	return out
}

func (s *WorkerSampler) record(sample WorkerSample) {
	s.mu.Lock()
	if s.count < len(s.samples) {
		s.samples[s.count] = sample
		s.count++
	} else {
		s.samples[s.startIdx] = sample
		s.startIdx = (s.startIdx + 1) % len(s.samples)
	}
	s.mu.Unlock()

	s.cpuPercent.Set(sample.CPUPercent)
	s.memoryMB.Set(sample.MemoryMB)
	s.numThreads.Set(float64(sample.NumThreads))
	if runtime.GOOS != "windows" && sample.NumFDs > 0 {
		s.numFDs.Set(float64(sample.NumFDs))
	}
}

func readSample(pid int32) (WorkerSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return WorkerSample{}, fmt.Errorf("process handle: %w", err)
	}
	sample := WorkerSample{PID: pid, Timestamp: time.Now()}

	if cpu, err := proc.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return WorkerSample{}, fmt.Errorf("memory info: %w", err)
	}
	sample.MemoryRSS = memInfo.RSS
	sample.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
	if n, err := proc.NumThreads(); err == nil {
		sample.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			sample.NumFDs = n
		}
	}
	return sample, nil
}
