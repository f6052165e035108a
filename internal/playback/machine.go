package playback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/satindergrewal/spufify/internal/audio"
)

// Poller returns the current playback snapshot, or nil when nothing plays.
type Poller interface {
	Poll(ctx context.Context) (*Snapshot, error)
}

// Segments is the writer side the machine drives.
type Segments interface {
	Open(meta audio.TrackMetadata) error
	CloseAndHandoff() (string, error)
	Mute()
	Unmute()
}

// Observer receives one Status per poll tick. It must not mutate anything the
// machine owns; panics are recovered.
type Observer interface {
	OnStatusUpdate(Status)
}

// Status is the pair forwarded to observers each tick.
type Status struct {
	State    State               `json:"state"`
	Snapshot *Snapshot           `json:"snapshot"`
	Track    audio.TrackMetadata `json:"track"`
	Manual   bool                `json:"manual_pause"`
	Time     time.Time           `json:"time"`
}

// ErrStopped is returned by RestartSession once Run has returned.
var ErrStopped = errors.New("playback monitor stopped")

type control int

const (
	ctlPause control = iota
	ctlResume
)

type restartRequest struct {
	ctx   context.Context
	fn    func(context.Context) error
	reply chan error
}

// Machine owns the playback state. All state changes and every segment open
// and close happen on the Run goroutine; manual controls and session restarts
// are delivered to it as messages.
type Machine struct {
	poller   Poller
	segs     Segments
	obs      Observer
	interval time.Duration

	// loop-owned
	state  State
	track  audio.TrackMetadata
	manual bool
	last   *Snapshot
	fails  int

	ctl      chan control
	restarts chan restartRequest
	done     chan struct{}

	mu     sync.RWMutex
	status Status
}

// NewMachine creates a machine in WAITING. obs may be nil.
func NewMachine(p Poller, segs Segments, obs Observer, interval time.Duration) *Machine {
	if interval <= 0 {
		interval = time.Second
	}
	return &Machine{
		poller:   p,
		segs:     segs,
		obs:      obs,
		interval: interval,
		state:    Waiting,
		ctl:      make(chan control, 8),
		restarts: make(chan restartRequest),
		done:     make(chan struct{}),
		status:   Status{State: Waiting},
	}
}

// Status returns the status from the last tick.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// ManualPause pauses recording until ManualResume. Snapshots are ignored in
// the meantime, except that a stop still moves to WAITING.
func (m *Machine) ManualPause() { m.send(ctlPause) }

// ManualResume clears a manual pause and re-applies the last snapshot.
func (m *Machine) ManualResume() { m.send(ctlResume) }

// RestartSession runs fn on the loop between ticks. A segment open at the time
// is handed off before fn runs and reopened for the same track afterwards, so
// audio from the old session never mixes with the new one.
func (m *Machine) RestartSession(ctx context.Context, fn func(context.Context) error) error {
	req := restartRequest{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case m.restarts <- req:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

func (m *Machine) send(c control) {
	select {
	case m.ctl <- c:
	case <-m.done:
	}
}

// Run polls every interval until ctx is cancelled. A slow poll is cut off at
// the interval so the next tick is not missed.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)
	log.Printf("Playback monitor started (poll every %v)", m.interval)
	defer log.Println("Playback monitor stopped.")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-m.ctl:
			m.handleControl(c)
		case req := <-m.restarts:
			req.reply <- m.restart(req.ctx, req.fn)
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Machine) tick(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.interval)
	snap, err := m.poller.Poll(pctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.fails++
		if m.fails == 1 || m.fails%30 == 0 {
			log.Printf("WARN playback: %v (x%d)", fmt.Errorf("%w: %v", ErrPoll, err), m.fails)
		}
		snap = nil
	} else {
		m.fails = 0
	}
	m.Apply(snap)
}

// Apply runs one transition for snap and notifies the observer. It must only
// be called from the goroutine that owns the machine.
func (m *Machine) Apply(snap *Snapshot) {
	m.last = snap
	if m.manual && snap != nil {
		m.publish(snap)
		return
	}

	next, act := Next(m.state, m.track.TrackID, snap)
	if next != m.state {
		log.Printf("State change: %s -> %s", m.state, next)
	}
	m.perform(act, snap)
	m.state = next
	m.publish(snap)
}

func (m *Machine) perform(act Action, snap *Snapshot) {
	switch act {
	case ActOpen:
		m.open(snap)
	case ActMute:
		m.segs.Mute()
	case ActNextOpen:
		log.Printf("Track changed: %s -> %s", m.track.Title, snap.Title)
		m.finalize()
		m.open(snap)
	case ActStop:
		m.finalize()
		m.track = audio.TrackMetadata{}
	}
}

func (m *Machine) open(snap *Snapshot) {
	m.track = snap.Metadata()
	if err := m.segs.Open(m.track); err != nil {
		log.Printf("WARN playback: open segment for %q: %v", m.track.Title, err)
		return
	}
	m.segs.Unmute()
}

func (m *Machine) finalize() {
	if _, err := m.segs.CloseAndHandoff(); err != nil {
		log.Printf("WARN playback: finalize %q: %v", m.track.Title, err)
	}
}

func (m *Machine) handleControl(c control) {
	switch c {
	case ctlPause:
		if m.manual {
			return
		}
		m.manual = true
		log.Println("Manual pause")
		if m.state == Recording {
			m.segs.Mute()
			log.Printf("State change: %s -> %s", m.state, Paused)
			m.state = Paused
		}
		m.publish(m.last)
	case ctlResume:
		if !m.manual {
			return
		}
		m.manual = false
		log.Println("Manual resume")
		m.Apply(m.last)
	}
}

func (m *Machine) restart(ctx context.Context, fn func(context.Context) error) error {
	open := m.state != Waiting
	if open {
		m.finalize()
	}
	if err := fn(ctx); err != nil {
		log.Printf("WARN playback: session restart: %v", err)
		if open {
			log.Printf("State change: %s -> %s", m.state, Waiting)
		}
		m.state = Waiting
		m.track = audio.TrackMetadata{}
		m.publish(m.last)
		return err
	}
	if open {
		if err := m.segs.Open(m.track); err != nil {
			log.Printf("WARN playback: reopen segment for %q: %v", m.track.Title, err)
		} else if m.state == Recording {
			m.segs.Unmute()
		}
	}
	m.publish(m.last)
	return nil
}

func (m *Machine) publish(snap *Snapshot) {
	st := Status{
		State:    m.state,
		Snapshot: snap,
		Track:    m.track,
		Manual:   m.manual,
		Time:     time.Now(),
	}
	m.mu.Lock()
	m.status = st
	m.mu.Unlock()

	if m.obs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARN playback: status observer panicked: %v", r)
		}
	}()
	m.obs.OnStatusUpdate(st)
}
