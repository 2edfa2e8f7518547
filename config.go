package harness

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-layout-harness/core"
	"github.com/Swind/go-layout-harness/ids"
	"github.com/Swind/go-layout-harness/layout"
)

// Config holds the parameters of one bootstrapped pipeline.
type Config struct {
	// Namespace is the pipeline namespace installed for this process.
	Namespace ids.PipelineNamespaceID

	// URL is the initial document URL.
	URL string

	// WindowSize is the viewport the layout worker starts with.
	WindowSize layout.WindowSizeData

	UserAgent string

	// TimeProfilerPeriod, when positive, makes the time profiler log its
	// aggregate that often. Zero disables periodic output.
	TimeProfilerPeriod time.Duration

	// MemReporterTimeout bounds each memory reporter during a collection.
	MemReporterTimeout time.Duration

	// HangMonitoring enables hang alerts from the start. It can be toggled
	// later with Pipeline.SetHangMonitoring.
	HangMonitoring     bool
	HangSampleInterval time.Duration
	HangTransient      time.Duration
	HangPermanent      time.Duration

	// SnapshotInterval, when positive, exports worker snapshots to
	// Registerer that often.
	SnapshotInterval time.Duration

	// Logger receives component logs. Defaults to a NoOpLogger.
	Logger core.Logger

	// Registerer receives every collector of the pipeline. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prom.Registerer

	// MetricsNamespace prefixes metric names. Defaults to "layout".
	MetricsNamespace string

	// Metrics records runner metrics. When nil, a Prometheus exporter is
	// registered with Registerer.
	Metrics core.Metrics

	// PanicHandler is called when a worker task panics.
	PanicHandler core.PanicHandler
}

// DefaultConfig returns the configuration of the headless harness: an
// 800x600 window at device pixel ratio 1 showing about:blank, with hang
// monitoring off.
func DefaultConfig() *Config {
	return &Config{
		Namespace: 1,
		URL:       "about:blank",
		WindowSize: layout.WindowSizeData{
			InitialViewport:  layout.Size{Width: 800, Height: 600},
			DevicePixelRatio: 1,
		},
		UserAgent:          "Mozilla/5.0 (Headless) go-layout-harness",
		MemReporterTimeout: 5 * time.Second,
		HangSampleInterval: 50 * time.Millisecond,
		HangTransient:      time.Second,
		HangPermanent:      10 * time.Second,
		MetricsNamespace:   "layout",
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.Namespace == 0 {
		out.Namespace = d.Namespace
	}
	if out.URL == "" {
		out.URL = d.URL
	}
	if out.WindowSize.InitialViewport == (layout.Size{}) {
		out.WindowSize = d.WindowSize
	}
	if out.UserAgent == "" {
		out.UserAgent = d.UserAgent
	}
	if out.MemReporterTimeout <= 0 {
		out.MemReporterTimeout = d.MemReporterTimeout
	}
	if out.HangSampleInterval <= 0 {
		out.HangSampleInterval = d.HangSampleInterval
	}
	if out.HangTransient <= 0 {
		out.HangTransient = d.HangTransient
	}
	if out.HangPermanent <= 0 {
		out.HangPermanent = d.HangPermanent
	}
	if out.MetricsNamespace == "" {
		out.MetricsNamespace = d.MetricsNamespace
	}
	out.Logger = core.LoggerOrNoOp(out.Logger)
	if out.Registerer == nil {
		out.Registerer = prom.DefaultRegisterer
	}
	return &out
}
