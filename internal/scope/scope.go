// Package scope drives an oscilloscope over a SCPI session: model family
// dispatch, the display save/restore transaction and screen capture, plus
// the jobs and adapters built on them.
package scope

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mzyy94/scopecap/internal/monitor"
	"github.com/mzyy94/scopecap/internal/scpi"
)

// Bus lists and opens transport addresses. *visa.Manager implements it.
type Bus interface {
	scpi.Lister
	scpi.Opener
}

// Config selects the instrument and session parameters.
type Config struct {
	Address string // empty discovers with Hint
	Hint    string
	Session scpi.Options
	Profile *FirmwareProfile // overrides the family default when set
}

// Scope is a high-level handle on one oscilloscope.
type Scope struct {
	bus Bus
	cfg Config

	op sync.Mutex // one capture or statistics read at a time

	mu       sync.Mutex
	sess     *scpi.Session
	identity scpi.Identity
	family   Family
	state    CaptureState
	last     time.Time
	metrics  *monitor.Metrics
}

// New creates a disconnected Scope.
func New(bus Bus, cfg Config) *Scope {
	return &Scope{bus: bus, cfg: cfg, family: FamilyFor("")}
}

// SetMetrics attaches a metrics sink.
func (s *Scope) SetMetrics(m *monitor.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Connect resolves the address, opens the session and identifies the model.
func (s *Scope) Connect(ctx context.Context) error {
	addr := s.cfg.Address
	if addr == "" {
		found, err := scpi.Discover(ctx, s.bus, s.cfg.Hint)
		if err != nil {
			return err
		}
		slog.Info("instrument discovered", "addr", found, "hint", s.cfg.Hint)
		addr = found
	}

	sess, err := scpi.Connect(ctx, s.bus, addr, s.cfg.Session)
	if err != nil {
		return err
	}
	id, err := sess.IDN()
	if err != nil {
		slog.Warn("identification failed, using generic family", "addr", addr, "err", err)
	}
	fam := FamilyFor(id.Model)
	s.mu.Lock()
	if s.cfg.Profile != nil {
		fam.Profile = *s.cfg.Profile
	}
	s.mu.Unlock()
	slog.Info("instrument identified", "model", id.Model, "serial", id.Serial, "series", fam.Series, "kind", fam.Kind, "profile", fam.Profile)

	s.mu.Lock()
	old := s.sess
	s.sess, s.identity, s.family, s.state = sess, id, fam, StateIdle
	m := s.metrics
	s.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}
	m.SetConnected(true)
	return nil
}

// Disconnect closes the session. It does not wait for a running capture;
// that capture fails instead.
func (s *Scope) Disconnect() error {
	s.mu.Lock()
	sess := s.sess
	m := s.metrics
	s.mu.Unlock()
	m.SetConnected(false)
	if sess == nil {
		return nil
	}
	return sess.Disconnect()
}

func (s *Scope) session() (*scpi.Session, Family, *monitor.Metrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil || !s.sess.Connected() {
		return nil, s.family, s.metrics, &scpi.ConnectionError{Address: s.cfg.Address, Op: "capture", Err: scpi.ErrNotConnected}
	}
	return s.sess, s.family, s.metrics, nil
}

func (s *Scope) setState(st CaptureState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Capture takes one screenshot in mode.
func (s *Scope) Capture(mode CaptureMode) (*CaptureResult, error) {
	s.op.Lock()
	defer s.op.Unlock()

	sess, fam, m, err := s.session()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := Capture(sess, mode, CaptureOptions{Profile: fam.Profile, OnState: s.setState})
	n := 0
	if res != nil {
		n = len(res.Image)
		for _, r := range res.Display {
			if r.Err != nil {
				m.CosmeticFailure(r.Op)
			}
		}
	}
	m.ObserveCapture(mode.String(), n, time.Since(start), err)
	if !sess.Connected() {
		m.SetConnected(false)
	}
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()
	return res, nil
}

// Statistics reads the measurement statistics table.
func (s *Scope) Statistics() ([]StatisticsRecord, error) {
	s.op.Lock()
	defer s.op.Unlock()

	sess, fam, _, err := s.session()
	if err != nil {
		return nil, err
	}
	return ReadStatistics(sess, fam)
}

// SetProfile overrides the firmware profile for the connected family and
// for later connects. nil restores the family default.
func (s *Scope) SetProfile(p *FirmwareProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Profile = p
	if p != nil {
		s.family.Profile = *p
	} else {
		s.family.Profile = FamilyFor(s.identity.Model).Profile
	}
	slog.Info("firmware profile set", "profile", s.family.Profile)
}

// Channel validates a channel identifier against the connected family.
func (s *Scope) Channel(id string) (string, error) {
	return s.Family().ValidateChannel(id)
}

// Status is a point-in-time view of the scope.
type Status struct {
	Connected   bool      `json:"connected"`
	Address     string    `json:"address"`
	Model       string    `json:"model"`
	Serial      string    `json:"serial"`
	Series      string    `json:"series"`
	Kind        string    `json:"kind"`
	Profile     string    `json:"profile"`
	Channels    []string  `json:"channels"`
	State       string    `json:"state"`
	LastCapture time.Time `json:"last_capture,omitzero"`
}

// Status snapshots the connection and capture state.
func (s *Scope) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Model:       s.identity.Model,
		Serial:      s.identity.Serial,
		Series:      s.family.Series,
		Kind:        s.family.Kind.String(),
		Profile:     s.family.Profile.String(),
		Channels:    s.family.ValidChannels(),
		State:       s.state.String(),
		LastCapture: s.last,
	}
	if s.sess != nil {
		st.Connected = s.sess.Connected()
		st.Address = s.sess.Address()
	}
	return st
}

// Identity returns the last identification.
func (s *Scope) Identity() scpi.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Family returns the selected model family.
func (s *Scope) Family() Family {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.family
}

// Connected reports whether the session is open.
func (s *Scope) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil && s.sess.Connected()
}

func (s *Scope) String() string {
	st := s.Status()
	return fmt.Sprintf("%s at %s", st.Model, st.Address)
}
