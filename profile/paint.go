package profile

import (
	"sync"
	"time"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/constellation"
	"github.com/Swind/go-layout-harness/ids"
)

// PaintTimeMetrics records when a pipeline first painted, and first painted
// something contentful. Each metric is observed at most once.
type PaintTimeMetrics struct {
	pipeline        ids.PipelineID
	timeProfiler    TimeProfilerChan
	constellation   *channel.Sender[constellation.Msg]
	script          *channel.Sender[constellation.ScriptMsg]
	url             string
	navigationStart time.Time

	mu                   sync.Mutex
	firstPaint           *time.Time
	firstContentfulPaint *time.Time
}

// NewPaintTimeMetrics creates the paint timing instrumentation of a pipeline.
// It takes ownership of the given handles.
func NewPaintTimeMetrics(
	pipeline ids.PipelineID,
	timeProfiler TimeProfilerChan,
	constellationChan *channel.Sender[constellation.Msg],
	scriptChan *channel.Sender[constellation.ScriptMsg],
	url string,
	navigationStart time.Time,
) *PaintTimeMetrics {
	return &PaintTimeMetrics{
		pipeline:        pipeline,
		timeProfiler:    timeProfiler,
		constellation:   constellationChan,
		script:          scriptChan,
		url:             url,
		navigationStart: navigationStart,
	}
}

// MaybeObserve records the paint of epoch at now. First paint is recorded on
// the first call; first contentful paint on the first call with contentful set.
func (m *PaintTimeMetrics) MaybeObserve(epoch uint64, contentful bool, now time.Time) {
	m.mu.Lock()
	var observed []constellation.PaintMetricKind
	if m.firstPaint == nil {
		m.firstPaint = &now
		observed = append(observed, constellation.FirstPaint)
	}
	if contentful && m.firstContentfulPaint == nil {
		m.firstContentfulPaint = &now
		observed = append(observed, constellation.FirstContentfulPaint)
	}
	m.mu.Unlock()

	meta := &TimerMetadata{URL: m.url}
	for _, kind := range observed {
		category := CategoryTimeToFirstPaint
		if kind == constellation.FirstContentfulPaint {
			category = CategoryTimeToFirstContentfulPaint
		}
		m.timeProfiler.Send(category, meta, m.navigationStart, now)

		metric := constellation.PaintMetric{
			Pipeline:             m.pipeline,
			Kind:                 kind,
			Epoch:                epoch,
			SinceNavigationStart: now.Sub(m.navigationStart),
		}
		_ = m.constellation.Send(metric)
		_ = m.script.Send(metric)
	}
}

// FirstPaint returns the first paint time, if observed.
func (m *PaintTimeMetrics) FirstPaint() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstPaint == nil {
		return time.Time{}, false
	}
	return *m.firstPaint, true
}

// FirstContentfulPaint returns the first contentful paint time, if observed.
func (m *PaintTimeMetrics) FirstContentfulPaint() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstContentfulPaint == nil {
		return time.Time{}, false
	}
	return *m.firstContentfulPaint, true
}
