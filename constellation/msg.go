// Package constellation defines the messages workers send to the
// constellation (the pipeline supervisor) and to a pipeline's script thread.
//
// The harness owns the receiving ends of both channels; nothing consumes them
// during a run, they only buffer what the workers report.
package constellation

import (
	"fmt"
	"time"

	"github.com/Swind/go-layout-harness/ids"
)

// Msg is a message to the constellation.
type Msg interface {
	isConstellationMsg()
}

// ScriptMsg is a message to a pipeline's script thread.
type ScriptMsg interface {
	isScriptMsg()
}

// =============================================================================
// Hang monitoring
// =============================================================================

// MonitoredComponentType names the kind of worker being watched.
type MonitoredComponentType int

const (
	MonitoredComponentLayout MonitoredComponentType = iota
	MonitoredComponentScript
)

func (t MonitoredComponentType) String() string {
	switch t {
	case MonitoredComponentLayout:
		return "layout"
	case MonitoredComponentScript:
		return "script"
	default:
		return "unknown"
	}
}

// MonitoredComponentID identifies a watched worker.
type MonitoredComponentID struct {
	Pipeline ids.PipelineID
	Type     MonitoredComponentType
}

func (id MonitoredComponentID) String() string {
	return fmt.Sprintf("%s%s", id.Type, id.Pipeline)
}

// HangKind separates hangs that may still recover from hangs that will not.
type HangKind int

const (
	HangTransient HangKind = iota
	HangPermanent
)

func (k HangKind) String() string {
	if k == HangPermanent {
		return "permanent"
	}
	return "transient"
}

// HangAlert reports a worker busy past one of its thresholds.
type HangAlert struct {
	Component MonitoredComponentID
	Kind      HangKind
	Activity  string
	BusyFor   time.Duration
}

// =============================================================================
// Paint timing
// =============================================================================

// PaintMetricKind names a progressive web metric.
type PaintMetricKind int

const (
	FirstPaint PaintMetricKind = iota
	FirstContentfulPaint
)

func (k PaintMetricKind) String() string {
	if k == FirstContentfulPaint {
		return "first-contentful-paint"
	}
	return "first-paint"
}

// PaintMetric reports a paint timing observation for a pipeline.
type PaintMetric struct {
	Pipeline ids.PipelineID
	Kind     PaintMetricKind
	Epoch    uint64
	// SinceNavigationStart is the metric value.
	SinceNavigationStart time.Duration
}

// PipelineExited reports a pipeline worker that stopped, normally or not.
type PipelineExited struct {
	Pipeline  ids.PipelineID
	Component MonitoredComponentType
}

// AnimationsPending tells the script thread that a reflow left animation
// updates to run.
type AnimationsPending struct {
	Pipeline ids.PipelineID
	Count    int
	Timeline float64
}

func (HangAlert) isConstellationMsg()      {}
func (PaintMetric) isConstellationMsg()    {}
func (PipelineExited) isConstellationMsg() {}
func (PaintMetric) isScriptMsg()           {}
func (AnimationsPending) isScriptMsg()     {}
