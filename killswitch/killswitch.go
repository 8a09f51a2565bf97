// Package killswitch is the process-wide emergency halt. Once active, no
// new order may be submitted until an operator resets it.
package killswitch

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/logging"
)

// ErrActive is returned by EnsureNotActive while the switch is engaged.
var ErrActive = errors.New("kill switch active")

// StateKey is the key the switch persists under.
const StateKey = "kill_switch"

// Trigger describes the activation currently in force.
type Trigger struct {
	Reason      string         `json:"reason"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ActivatedAt time.Time      `json:"activated_at"`
}

type Status struct {
	Active      bool           `json:"active"`
	Reason      string         `json:"reason,omitempty"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Persister stores the switch state across restarts. *state.Store
// satisfies it.
type Persister interface {
	Get(key string, v any) (bool, error)
	Set(key string, v any) error
}

// ActivateFunc runs once per activation. Its error or panic is logged.
type ActivateFunc func(Trigger) error

type persisted struct {
	Active  bool     `json:"active"`
	Trigger *Trigger `json:"trigger,omitempty"`
}

type Switch struct {
	mu         sync.Mutex
	active     bool
	last       *Trigger
	onActivate ActivateFunc
	store      Persister
	now        func() time.Time
	log        *zap.SugaredLogger
}

type Option func(*Switch)

func WithOnActivate(fn ActivateFunc) Option {
	return func(s *Switch) { s.onActivate = fn }
}

func WithPersister(p Persister) Option {
	return func(s *Switch) { s.store = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Switch) { s.now = now }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Switch) { s.log = logging.OrNop(log) }
}

func New(opts ...Option) *Switch {
	s := &Switch{now: time.Now, log: logging.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Restore loads persisted state. An active halt survives restarts; the
// on-activate callback is not re-run.
func (s *Switch) Restore() error {
	if s.store == nil {
		return nil
	}
	var p persisted
	ok, err := s.store.Get(StateKey, &p)
	if err != nil {
		return errors.WithMessage(err, "restore kill switch")
	}
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = p.Active
	s.last = nil
	if p.Active && p.Trigger != nil {
		t := *p.Trigger
		s.last = &t
	}
	if s.active {
		s.log.Warnw("kill switch restored active", "reason", s.reasonLocked())
	}
	return nil
}

// Trigger activates the switch. It returns false, changing nothing, when
// the switch is already active.
func (s *Switch) Trigger(reason string, metadata map[string]any) bool {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		s.log.Debugw("kill switch already active", "reason", reason)
		return false
	}
	t := Trigger{
		Reason:      reason,
		Metadata:    copyMeta(metadata),
		ActivatedAt: s.now().UTC(),
	}
	s.active = true
	s.last = &t
	s.persistLocked()
	cb := s.onActivate
	s.mu.Unlock()

	s.log.Errorw("kill switch activated", "reason", reason, "metadata", metadata)
	if cb != nil {
		s.runCallback(cb, t)
	}
	return true
}

func (s *Switch) runCallback(cb ActivateFunc, t Trigger) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("kill switch callback panicked", "panic", fmt.Sprint(r))
		}
	}()
	if err := cb(t); err != nil {
		s.log.Errorw("kill switch callback failed", "err", err)
	}
}

// EnsureNotActive returns ErrActive, wrapped with the trigger reason,
// while the switch is engaged.
func (s *Switch) EnsureNotActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	return errors.Wrap(ErrActive, s.reasonLocked())
}

func (s *Switch) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Reset clears the switch. It reports whether anything was reset.
func (s *Switch) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.active = false
	s.last = nil
	s.persistLocked()
	s.log.Warnw("kill switch reset")
	return true
}

func (s *Switch) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Active: s.active}
	if s.last != nil {
		at := s.last.ActivatedAt
		st.Reason = s.last.Reason
		st.ActivatedAt = &at
		st.Metadata = copyMeta(s.last.Metadata)
	}
	return st
}

func (s *Switch) reasonLocked() string {
	if s.last == nil || s.last.Reason == "" {
		return "unspecified"
	}
	return s.last.Reason
}

func (s *Switch) persistLocked() {
	if s.store == nil {
		return
	}
	if err := s.store.Set(StateKey, persisted{Active: s.active, Trigger: s.last}); err != nil {
		s.log.Warnw("kill switch state not persisted", "err", err)
	}
}

func copyMeta(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
