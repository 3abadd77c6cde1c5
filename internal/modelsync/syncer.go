// Package modelsync propagates freshly loaded model bundles to other hosts
// without blocking the control loop. At most one sync is pending at a time;
// triggers arriving while one is queued are dropped.
package modelsync

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/autopilot/internal/monitoring"
)

// DefaultTimeout bounds a single sync job.
const DefaultTimeout = 2 * time.Minute

// Config selects the sync actions. Command runs locally with the corpus root
// as its argument; Target and Path receive a copy of the bundle file.
type Config struct {
	Command string
	Target  string
	Path    string
	SSHUser string
	SSHKey  string
	Timeout time.Duration
}

// Enabled reports whether any sync action is configured.
func (c Config) Enabled() bool {
	return c.Command != "" || c.Target != ""
}

// Request describes one sync job.
type Request struct {
	// Root is the corpus root the bundle was trained from.
	Root string
	// BundlePath is the bundle file to copy, empty when the bundle lives in
	// a database.
	BundlePath string
}

// Result is the outcome of one sync job.
type Result struct {
	Request  Request
	Output   string
	Err      error
	Duration time.Duration
}

// Stats counts triggers and job outcomes.
type Stats struct {
	Triggered int `json:"triggered"`
	Dropped   int `json:"dropped"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Syncer owns the bounded queue and its single worker goroutine.
type Syncer struct {
	cfg    Config
	local  *Executor
	remote *Executor
	queue  chan Request

	// OnResult, when set before Start, is called by the worker after every job.
	OnResult func(Result)

	mu     sync.Mutex
	stats  Stats
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncer(cfg Config) *Syncer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Syncer{
		cfg:    cfg,
		local:  NewExecutor("", "", ""),
		remote: NewExecutor(cfg.Target, cfg.SSHUser, cfg.SSHKey),
		queue:  make(chan Request, 1),
	}
}

// SetBuilder replaces the command builder of both executors.
func (s *Syncer) SetBuilder(b CommandBuilder) {
	s.local.SetBuilder(b)
	s.remote.SetBuilder(b)
}

// Start launches the worker. It runs until ctx is cancelled or Stop is called.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-s.queue:
				res := s.RunOnce(ctx, req)
				s.mu.Lock()
				if res.Err != nil {
					s.stats.Failed++
				} else {
					s.stats.Completed++
				}
				s.mu.Unlock()
				if s.OnResult != nil {
					s.OnResult(res)
				}
			}
		}
	}()
}

// Stop cancels the worker and waits for it to exit. A job in flight is
// cancelled.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Trigger enqueues req without blocking. It returns false when a job is
// already pending.
func (s *Syncer) Trigger(req Request) bool {
	select {
	case s.queue <- req:
		s.mu.Lock()
		s.stats.Triggered++
		s.mu.Unlock()
		return true
	default:
		s.mu.Lock()
		s.stats.Dropped++
		s.mu.Unlock()
		monitoring.Logf("Model sync for %s already pending, skipping", req.Root)
		return false
	}
}

// Stats returns a snapshot of the counters.
func (s *Syncer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RunOnce performs the configured actions for req. Both actions are
// attempted; their errors are joined.
func (s *Syncer) RunOnce(ctx context.Context, req Request) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var (
		errs   []error
		output string
	)
	if s.cfg.Command != "" {
		out, err := s.local.Run(ctx, s.cfg.Command+" "+shellQuote(req.Root))
		output = out
		if err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.Target != "" && req.BundlePath != "" {
		dst := filepath.Base(req.BundlePath)
		if s.cfg.Path != "" {
			dst = path.Join(s.cfg.Path, dst)
		}
		if err := s.remote.CopyFile(ctx, req.BundlePath, dst); err != nil {
			errs = append(errs, err)
		}
	}

	res := Result{Request: req, Output: output, Err: errors.Join(errs...), Duration: time.Since(start)}
	if res.Err != nil {
		monitoring.Logf("Model sync for %s failed: %v", req.Root, res.Err)
	} else {
		monitoring.Logf("Model sync for %s finished in %s", req.Root, res.Duration.Round(time.Millisecond))
	}
	return res
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
