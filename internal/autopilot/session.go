// Package autopilot runs the closed control loop: read the sensors, predict
// an action, drive the motors, and keep the model fresh, falling back to a
// full stop on any fault.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/autopilot/internal/action"
	"github.com/banshee-data/autopilot/internal/corpus"
	"github.com/banshee-data/autopilot/internal/hardware"
	"github.com/banshee-data/autopilot/internal/model"
	"github.com/banshee-data/autopilot/internal/modelsync"
	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/predict"
	"github.com/banshee-data/autopilot/internal/timeutil"
)

var (
	// ErrSessionDone is returned when Run is called on a session that has
	// already run.
	ErrSessionDone = errors.New("session already run")
	// ErrPanic wraps a panic recovered from the loop body.
	ErrPanic = errors.New("control loop panic")
)

// Defaults for the stall detector.
const (
	DefaultStallTimeout  = 500 * time.Millisecond
	DefaultStallManeuver = 500 * time.Millisecond
)

// stallManeuver is the forward nudge issued when the model idles too long.
var stallManeuver = action.Label{Steer: 0, Power: 1}

// State is the session lifecycle state.
type State int32

const (
	Idle State = iota
	PartialAuto
	FullAuto
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PartialAuto:
		return "partial-auto"
	case FullAuto:
		return "full-auto"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ModelLoader returns the bundle for a corpus, training it when needed.
// *model.Trainer satisfies it.
type ModelLoader interface {
	LoadOrTrain(corpusPath string) (*model.Bundle, error)
}

// Stopper brings the vehicle to a full stop. *safety.Controller satisfies it.
type Stopper interface {
	Stop(terminal bool) error
}

// SyncTrigger queues an external model sync without blocking.
// *modelsync.Syncer satisfies it.
type SyncTrigger interface {
	Trigger(req modelsync.Request) bool
}

// Options configures a session.
type Options struct {
	Corpus    string
	UseCamera bool
	FullAuto  bool
	// RunNN false loads the model but holds the vehicle stopped.
	RunNN     bool
	TimeDelay time.Duration

	StallTimeout     time.Duration
	StallManeuver    time.Duration
	StallEndsSession bool

	SyncEnabled  bool
	SyncInterval time.Duration
	// BundlePath maps a bundle key to the file handed to the syncer. nil,
	// or an empty result, sends no file.
	BundlePath func(key string) string
}

// Deps are the collaborators of a session. Syncer and Clock are optional.
type Deps struct {
	Sensors  hardware.Sensors
	Actuator hardware.Actuator
	Safety   Stopper
	Engine   *predict.Engine
	Loader   ModelLoader
	Syncer   SyncTrigger
	Clock    timeutil.Clock
}

// Session is one autonomous drive. Run may be called once.
type Session struct {
	id   string
	opts Options
	deps Deps

	mu         sync.Mutex
	state      State
	started    time.Time
	cycles     int
	resyncs    int
	stalls     int
	last       *predict.Prediction
	lastErr    error
	cancel     context.CancelFunc
	lastResync time.Time
	idleSince  time.Time
	ended      bool
}

// NewSession validates deps and applies option defaults.
func NewSession(deps Deps, opts Options) (*Session, error) {
	switch {
	case deps.Sensors == nil:
		return nil, errors.New("autopilot: sensors are required")
	case deps.Actuator == nil:
		return nil, errors.New("autopilot: actuator is required")
	case deps.Safety == nil:
		return nil, errors.New("autopilot: safety controller is required")
	case deps.Engine == nil:
		return nil, errors.New("autopilot: prediction engine is required")
	case deps.Loader == nil:
		return nil, errors.New("autopilot: model loader is required")
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.StallManeuver <= 0 {
		opts.StallManeuver = DefaultStallManeuver
	}
	if opts.TimeDelay < 0 {
		opts.TimeDelay = 0
	}
	return &Session{id: uuid.NewString(), opts: opts, deps: deps}, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestStop cancels a running session. The loop then performs a terminal
// stop and Run returns nil.
func (s *Session) RequestStop() bool {
	s.mu.Lock()
	cancel := s.cancel
	running := s.state != Stopped
	s.mu.Unlock()
	if cancel == nil || !running {
		return false
	}
	cancel()
	return true
}

// Run drives until ctx is cancelled, a fault occurs, or a stall maneuver
// ends the session. Cancellation returns nil; every exit path performs a
// terminal stop.
func (s *Session) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.state != Idle || s.cancel != nil {
		s.mu.Unlock()
		return ErrSessionDone
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	s.started = s.deps.Clock.Now()
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = s.fail(fmt.Errorf("%w: %v", ErrPanic, r))
		}
	}()

	if err := s.deps.Safety.Stop(false); err != nil {
		return s.fail(fmt.Errorf("initial stop: %w", err))
	}

	if s.deps.Engine.Bundle() == nil {
		b, err := s.deps.Loader.LoadOrTrain(s.opts.Corpus)
		if err != nil {
			return s.fail(fmt.Errorf("load model: %w", err))
		}
		s.deps.Engine.Swap(b)
	}

	now := s.deps.Clock.Now()
	state := PartialAuto
	if s.opts.FullAuto {
		state = FullAuto
	}
	s.mu.Lock()
	s.state = state
	s.lastResync = now
	s.idleSince = now
	s.mu.Unlock()

	if !s.opts.RunNN {
		monitoring.Logf("Neural network disabled; holding vehicle stopped")
		<-ctx.Done()
		return s.finish("stop requested")
	}
	monitoring.Logf("Autopilot session %s running in %s mode on %s", s.id, state, s.opts.Corpus)

	for {
		if ctx.Err() != nil {
			return s.finish("stop requested")
		}
		if err := s.cycle(ctx, state); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return s.finish("stop requested")
			}
			return s.fail(err)
		}
		s.mu.Lock()
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return s.finish("stall maneuver ended session")
		}
	}
}

// cycle runs one resync check and one read/predict/apply step.
func (s *Session) cycle(ctx context.Context, state State) error {
	if err := s.maybeResync(); err != nil {
		return err
	}

	reading, err := s.deps.Sensors.ReadAll(ctx, s.opts.UseCamera)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return faultf(hardware.ErrSensorFault, err)
	}
	monitoring.Debugf("sensors: %s", reading)

	p, err := s.deps.Engine.Predict(reading.Vector())
	if err != nil {
		return fmt.Errorf("predict: %w", err)
	}
	if err := hardware.Apply(s.deps.Actuator, p.Label); err != nil {
		return faultf(hardware.ErrActuationFault, err)
	}

	s.mu.Lock()
	s.cycles++
	s.last = &p
	s.mu.Unlock()

	if state == FullAuto {
		if err := s.checkStall(p.Label.Power); err != nil {
			return err
		}
		s.mu.Lock()
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return nil
		}
	}
	s.deps.Clock.Sleep(s.opts.TimeDelay)
	return nil
}

// checkStall tracks the time since power was last nonzero and issues one
// forward nudge once it reaches the stall timeout.
func (s *Session) checkStall(power int) error {
	clock := s.deps.Clock
	now := clock.Now()

	s.mu.Lock()
	if power != 0 {
		s.idleSince = now
		s.mu.Unlock()
		return nil
	}
	idle := now.Sub(s.idleSince)
	s.mu.Unlock()
	if idle < s.opts.StallTimeout {
		return nil
	}

	monitoring.Logf("No power for %s, running stall maneuver", idle.Round(time.Millisecond))
	if err := hardware.Apply(s.deps.Actuator, stallManeuver); err != nil {
		return faultf(hardware.ErrActuationFault, err)
	}
	clock.Sleep(s.opts.StallManeuver)
	if err := hardware.Apply(s.deps.Actuator, action.Neutral); err != nil {
		return faultf(hardware.ErrActuationFault, err)
	}

	s.mu.Lock()
	s.stalls++
	s.idleSince = clock.Now()
	s.ended = s.opts.StallEndsSession
	s.mu.Unlock()
	return nil
}

// maybeResync reloads the bundle from the corpus when the sync interval has
// elapsed, installs it whole, and queues the external sync.
func (s *Session) maybeResync() error {
	if !s.opts.SyncEnabled {
		return nil
	}
	clock := s.deps.Clock
	s.mu.Lock()
	due := clock.Since(s.lastResync) > s.opts.SyncInterval
	s.mu.Unlock()
	if !due {
		return nil
	}

	monitoring.Logf("Resyncing model from %s", s.opts.Corpus)
	b, err := s.deps.Loader.LoadOrTrain(s.opts.Corpus)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	s.deps.Engine.Swap(b)

	if s.deps.Syncer != nil {
		req := modelsync.Request{Root: corpus.Root(s.opts.Corpus)}
		if s.opts.BundlePath != nil {
			req.BundlePath = s.opts.BundlePath(b.Key)
		}
		s.deps.Syncer.Trigger(req)
	}

	s.mu.Lock()
	s.resyncs++
	s.lastResync = clock.Now()
	s.mu.Unlock()
	return nil
}

// finish performs the terminal stop for an orderly exit.
func (s *Session) finish(reason string) error {
	s.setStopped(nil)
	monitoring.Logf("Autopilot session %s ending: %s", s.id, reason)
	if err := s.deps.Safety.Stop(true); err != nil {
		monitoring.Logf("terminal stop failed: %v", err)
	}
	return nil
}

// fail performs the terminal stop after a fault and returns the fault.
func (s *Session) fail(err error) error {
	s.setStopped(err)
	monitoring.Logf("Autopilot session %s fault: %v", s.id, err)
	if stopErr := s.deps.Safety.Stop(true); stopErr != nil {
		return errors.Join(err, fmt.Errorf("terminal stop: %w", stopErr))
	}
	return err
}

func (s *Session) setStopped(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Stopped
	if err != nil {
		s.lastErr = err
	}
}

func faultf(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
