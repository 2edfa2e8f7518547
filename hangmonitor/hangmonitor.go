// Package hangmonitor watches registered workers and reports the ones that
// stay busy past their thresholds to the constellation.
//
// A worker reports each unit of work with NotifyActivity and going idle with
// NotifyWait. The monitor samples every SampleInterval; a worker busy on one
// activity longer than its transient threshold yields one transient alert,
// longer than its permanent threshold one permanent alert. Alerts are only
// sent while monitoring is enabled.
package hangmonitor

import (
	"context"
	"errors"
	"time"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/constellation"
	"github.com/Swind/go-layout-harness/core"
)

// DefaultSampleInterval is used when Options.SampleInterval is zero.
const DefaultSampleInterval = 50 * time.Millisecond

// ControlMsg is a message on the monitor's control channel.
type ControlMsg interface {
	isControlMsg()
}

// EnableMonitoring turns alerting on.
type EnableMonitoring struct{}

// DisableMonitoring turns alerting off. Components stay registered.
type DisableMonitoring struct{}

// Exit stops the monitor.
type Exit struct{}

func (EnableMonitoring) isControlMsg()  {}
func (DisableMonitoring) isControlMsg() {}
func (Exit) isControlMsg()              {}

type eventKind int

const (
	eventRegister eventKind = iota
	eventActivity
	eventWait
	eventUnregister
)

type event struct {
	kind      eventKind
	id        constellation.MonitoredComponentID
	activity  string
	at        time.Time
	transient time.Duration
	permanent time.Duration
}

// Options configures Init.
type Options struct {
	SampleInterval time.Duration
	Workers        *core.WorkerGroup
}

// Register is the handle workers use to join the monitor.
type Register struct {
	sender *channel.Sender[event]
}

// Init starts the monitor. Alerts go to constellationChan; control messages
// are read from control, which may be nil.
func Init(
	constellationChan *channel.Sender[constellation.Msg],
	control *channel.Receiver[ControlMsg],
	monitoringEnabled bool,
	opts Options,
) *Register {
	interval := opts.SampleInterval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}

	tx, rx := channel.New[event]()
	m := &monitor{
		rx:            rx,
		control:       control,
		constellation: constellationChan,
		enabled:       monitoringEnabled,
		interval:      interval,
		logger:        opts.Workers.Logger(),
		components:    make(map[constellation.MonitoredComponentID]*component),
	}
	opts.Workers.Spawn("BackgroundHangMonitor").PostTask(m.run)
	return &Register{sender: tx}
}

// Clone returns another handle on the same monitor.
func (r *Register) Clone() *Register {
	return &Register{sender: r.sender.Clone()}
}

// RegisterComponent starts watching id. The component starts out waiting.
func (r *Register) RegisterComponent(id constellation.MonitoredComponentID, transient, permanent time.Duration) *Handle {
	_ = r.sender.Send(event{
		kind:      eventRegister,
		id:        id,
		at:        time.Now(),
		transient: transient,
		permanent: permanent,
	})
	return &Handle{id: id, sender: r.sender.Clone()}
}

// Handle is one component's connection to the monitor.
type Handle struct {
	id     constellation.MonitoredComponentID
	sender *channel.Sender[event]
}

// NotifyActivity marks the component busy with activity from now on.
func (h *Handle) NotifyActivity(activity string) {
	_ = h.sender.Send(event{kind: eventActivity, id: h.id, activity: activity, at: time.Now()})
}

// NotifyWait marks the component idle.
func (h *Handle) NotifyWait() {
	_ = h.sender.Send(event{kind: eventWait, id: h.id, at: time.Now()})
}

// Unregister stops watching the component and drops the handle.
func (h *Handle) Unregister() {
	_ = h.sender.Send(event{kind: eventUnregister, id: h.id, at: time.Now()})
	h.sender.Close()
}

type component struct {
	transient time.Duration
	permanent time.Duration

	busy          bool
	activity      string
	since         time.Time
	sentTransient bool
	sentPermanent bool
}

type monitor struct {
	rx            *channel.Receiver[event]
	control       *channel.Receiver[ControlMsg]
	constellation *channel.Sender[constellation.Msg]
	enabled       bool
	interval      time.Duration
	logger        core.Logger

	components map[constellation.MonitoredComponentID]*component
}

func (m *monitor) run(ctx context.Context) {
	defer m.rx.Close()

	for {
		if m.pollControl() {
			return
		}

		wait, cancel := context.WithTimeout(ctx, m.interval)
		ev, err := m.rx.RecvContext(wait)
		cancel()
		switch {
		case err == nil:
			m.handle(ev)
		case ctx.Err() != nil:
			return
		case errors.Is(err, channel.ErrDisconnected):
			m.logger.Debug("hang monitor: every handle dropped")
			return
		}

		m.sample(time.Now())
	}
}

// pollControl applies queued control messages and reports whether the
// monitor should exit.
func (m *monitor) pollControl() bool {
	for m.control != nil {
		msg, err := m.control.TryRecv()
		if errors.Is(err, channel.ErrEmpty) {
			return false
		}
		if err != nil {
			m.control = nil
			return false
		}

		switch msg.(type) {
		case EnableMonitoring:
			m.enabled = true
		case DisableMonitoring:
			m.enabled = false
		case Exit:
			return true
		}
	}
	return false
}

func (m *monitor) handle(ev event) {
	switch ev.kind {
	case eventRegister:
		m.components[ev.id] = &component{transient: ev.transient, permanent: ev.permanent}
	case eventUnregister:
		delete(m.components, ev.id)
	case eventActivity:
		if c, ok := m.components[ev.id]; ok {
			*c = component{
				transient: c.transient,
				permanent: c.permanent,
				busy:      true,
				activity:  ev.activity,
				since:     ev.at,
			}
		}
	case eventWait:
		if c, ok := m.components[ev.id]; ok {
			c.busy = false
		}
	}
}

func (m *monitor) sample(now time.Time) {
	if !m.enabled {
		return
	}

	for id, c := range m.components {
		if !c.busy {
			continue
		}
		busyFor := now.Sub(c.since)
		if !c.sentTransient && busyFor >= c.transient {
			c.sentTransient = true
			m.alert(id, c, constellation.HangTransient, busyFor)
		}
		if !c.sentPermanent && busyFor >= c.permanent {
			c.sentPermanent = true
			m.alert(id, c, constellation.HangPermanent, busyFor)
		}
	}
}

func (m *monitor) alert(id constellation.MonitoredComponentID, c *component, kind constellation.HangKind, busyFor time.Duration) {
	m.logger.Warn("hang detected",
		core.F("component", id),
		core.F("kind", kind),
		core.F("activity", c.activity),
		core.F("busy_for", busyFor),
	)
	_ = m.constellation.Send(constellation.HangAlert{
		Component: id,
		Kind:      kind,
		Activity:  c.activity,
		BusyFor:   busyFor,
	})
}
