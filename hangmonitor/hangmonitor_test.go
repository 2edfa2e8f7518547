package hangmonitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/constellation"
	"github.com/Swind/go-layout-harness/core"
	"github.com/Swind/go-layout-harness/ids"
)

type testMonitor struct {
	register      *Register
	control       *channel.Sender[ControlMsg]
	constellation *channel.Receiver[constellation.Msg]
	workers       *core.WorkerGroup
}

func startTestMonitor(t *testing.T, enabled bool) *testMonitor {
	t.Helper()
	workers := core.NewWorkerGroup(core.RunnerOptions{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := workers.StopAll(ctx); err != nil {
			t.Errorf("StopAll: %v", err)
		}
	})

	constTx, constRx := channel.New[constellation.Msg]()
	controlTx, controlRx := channel.New[ControlMsg]()
	register := Init(constTx, controlRx, enabled, Options{SampleInterval: 2 * time.Millisecond, Workers: workers})
	return &testMonitor{register: register, control: controlTx, constellation: constRx, workers: workers}
}

func testComponent() constellation.MonitoredComponentID {
	ns, _ := ids.NewInstaller().Install(1)
	return constellation.MonitoredComponentID{Pipeline: ns.NewPipelineID(), Type: constellation.MonitoredComponentLayout}
}

func nextAlert(t *testing.T, rx *channel.Receiver[constellation.Msg], within time.Duration) (constellation.HangAlert, bool) {
	t.Helper()
	msg, err := rx.RecvTimeout(within)
	if errors.Is(err, channel.ErrTimeout) {
		return constellation.HangAlert{}, false
	}
	if err != nil {
		t.Fatalf("constellation receive: %v", err)
	}
	alert, ok := msg.(constellation.HangAlert)
	if !ok {
		t.Fatalf("unexpected constellation message %#v", msg)
	}
	return alert, true
}

// TestHangMonitor_AlertsOncePerThreshold verifies a stuck component yields
// exactly one transient and one permanent alert
func TestHangMonitor_AlertsOncePerThreshold(t *testing.T) {
	m := startTestMonitor(t, true)
	id := testComponent()
	handle := m.register.RegisterComponent(id, 10*time.Millisecond, 30*time.Millisecond)

	handle.NotifyActivity("reflow")

	first, ok := nextAlert(t, m.constellation, time.Second)
	if !ok {
		t.Fatal("no transient alert")
	}
	if first.Kind != constellation.HangTransient || first.Component != id || first.Activity != "reflow" {
		t.Errorf("first alert = %+v", first)
	}

	second, ok := nextAlert(t, m.constellation, time.Second)
	if !ok {
		t.Fatal("no permanent alert")
	}
	if second.Kind != constellation.HangPermanent || second.BusyFor < 30*time.Millisecond {
		t.Errorf("second alert = %+v", second)
	}

	if extra, ok := nextAlert(t, m.constellation, 50*time.Millisecond); ok {
		t.Errorf("unexpected third alert %+v", extra)
	}
}

func TestHangMonitor_WaitingComponentNeverAlerts(t *testing.T) {
	m := startTestMonitor(t, true)
	handle := m.register.RegisterComponent(testComponent(), 5*time.Millisecond, 10*time.Millisecond)

	handle.NotifyActivity("reflow")
	handle.NotifyWait()

	if alert, ok := nextAlert(t, m.constellation, 50*time.Millisecond); ok {
		t.Errorf("idle component alerted: %+v", alert)
	}
}

// TestHangMonitor_ControlEnablesMonitoring verifies alerts start only once
// monitoring is enabled through the control channel
func TestHangMonitor_ControlEnablesMonitoring(t *testing.T) {
	m := startTestMonitor(t, false)
	handle := m.register.RegisterComponent(testComponent(), 5*time.Millisecond, time.Hour)
	handle.NotifyActivity("reflow")

	if alert, ok := nextAlert(t, m.constellation, 50*time.Millisecond); ok {
		t.Fatalf("disabled monitor alerted: %+v", alert)
	}

	if err := m.control.Send(EnableMonitoring{}); err != nil {
		t.Fatalf("control Send: %v", err)
	}
	if _, ok := nextAlert(t, m.constellation, time.Second); !ok {
		t.Fatal("no alert after enabling monitoring")
	}
}

func TestHangMonitor_ExitStopsRunner(t *testing.T) {
	m := startTestMonitor(t, true)
	handle := m.register.RegisterComponent(testComponent(), time.Hour, time.Hour)

	if err := m.control.Send(Exit{}); err != nil {
		t.Fatalf("control Send: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		// sends start failing once the monitor closed its receiver
		probe := m.register.Clone()
		err := probe.sender.Send(event{kind: eventWait})
		probe.sender.Close()
		if errors.Is(err, channel.ErrDisconnected) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("monitor did not exit")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// handles outlive the monitor without failing their callers
	handle.NotifyActivity("late")
	handle.Unregister()
}
