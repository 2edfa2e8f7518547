// Package profile provides the time and memory profilers of the pipeline and
// the per-pipeline paint timing instrumentation.
//
// Both profilers are passive workers reached through cloneable channel
// handles. Nothing in the pipeline waits on them, apart from the explicit
// Barrier and Collect round trips.
package profile

import (
	"context"
	"fmt"
	"sort"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/core"
)

// Category classifies a timed interval.
type Category string

const (
	CategoryLayoutPerform              Category = "layout_perform"
	CategoryLayoutStyleRecalc          Category = "layout_style_recalc"
	CategoryLayoutDisplayList          Category = "layout_display_list"
	CategoryNetworkFetch               Category = "network_fetch"
	CategoryImageDecode                Category = "image_decode"
	CategoryFontRegistration           Category = "font_registration"
	CategoryTimeToFirstPaint           Category = "time_to_first_paint"
	CategoryTimeToFirstContentfulPaint Category = "time_to_first_contentful_paint"
)

// TimerMetadata attributes a sample to a document.
type TimerMetadata struct {
	URL         string
	Incremental bool
}

type timeMsg interface {
	isTimeMsg()
}

type timeSample struct {
	category Category
	meta     *TimerMetadata
	start    time.Time
	end      time.Time
}

type timeBarrier struct {
	reply *channel.Sender[struct{}]
}

type timePrint struct{}

func (timeSample) isTimeMsg()  {}
func (timeBarrier) isTimeMsg() {}
func (timePrint) isTimeMsg()   {}

// TimeProfilerChan is a handle on the time profiler. The zero value drops
// every sample, and its Barrier fails with channel.ErrDisconnected.
type TimeProfilerChan struct {
	sender *channel.Sender[timeMsg]
}

// Send records the interval [start, end] under category.
func (c TimeProfilerChan) Send(category Category, meta *TimerMetadata, start, end time.Time) {
	// The profiler is passive; a dead profiler must not fail its callers.
	if c.sender == nil {
		return
	}
	_ = c.sender.Send(timeSample{category: category, meta: meta, start: start, end: end})
}

// Print asks the profiler to log its aggregated samples.
func (c TimeProfilerChan) Print() {
	if c.sender == nil {
		return
	}
	_ = c.sender.Send(timePrint{})
}

// Barrier blocks until every sample sent before it has been recorded.
func (c TimeProfilerChan) Barrier(ctx context.Context) error {
	if c.sender == nil {
		return fmt.Errorf("time profiler barrier: %w", channel.ErrDisconnected)
	}
	replyTx, replyRx := channel.New[struct{}]()
	if err := c.sender.Send(timeBarrier{reply: replyTx}); err != nil {
		replyTx.Close()
		return fmt.Errorf("time profiler barrier: %w", err)
	}
	if _, err := replyRx.RecvContext(ctx); err != nil {
		return fmt.Errorf("time profiler barrier: %w", err)
	}
	return nil
}

// Clone returns another handle on the same profiler.
func (c TimeProfilerChan) Clone() TimeProfilerChan {
	if c.sender == nil {
		return c
	}
	return TimeProfilerChan{sender: c.sender.Clone()}
}

// Close drops this handle.
func (c TimeProfilerChan) Close() {
	if c.sender == nil {
		return
	}
	c.sender.Close()
}

// TimeProfile runs fn and records how long it took.
func TimeProfile[T any](c TimeProfilerChan, category Category, meta *TimerMetadata, fn func() T) T {
	start := time.Now()
	result := fn()
	c.Send(category, meta, start, time.Now())
	return result
}

// TimeProfilerOptions configures CreateTimeProfiler.
type TimeProfilerOptions struct {
	// Period, when positive, makes the profiler log its aggregate that often.
	Period time.Duration

	// Registerer receives the profiler_time_seconds histogram. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prom.Registerer

	// Namespace prefixes the metric names. Defaults to "layout".
	Namespace string

	Workers *core.WorkerGroup
}

type timeProfiler struct {
	rx      *channel.Receiver[timeMsg]
	period  time.Duration
	logger  core.Logger
	buckets map[Category][]time.Duration
	seconds *prom.HistogramVec
}

// CreateTimeProfiler starts the time profiler on its own runner.
func CreateTimeProfiler(opts TimeProfilerOptions) (TimeProfilerChan, error) {
	seconds := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespaceOr(opts.Namespace),
		Name:      "profiler_time_seconds",
		Help:      "Time profiler samples by category, in seconds.",
		Buckets:   prom.DefBuckets,
	}, []string{"category"})

	seconds, err := registerCollector(registererOr(opts.Registerer), seconds)
	if err != nil {
		return TimeProfilerChan{}, fmt.Errorf("register time profiler collector: %w", err)
	}

	tx, rx := channel.New[timeMsg]()
	p := &timeProfiler{
		rx:      rx,
		period:  opts.Period,
		logger:  opts.Workers.Logger(),
		buckets: make(map[Category][]time.Duration),
		seconds: seconds,
	}

	runner := opts.Workers.Spawn("TimeProfiler")
	runner.PostTask(p.run)

	if p.period > 0 {
		ticker := TimeProfilerChan{sender: tx.Clone()}
		tickerRunner := opts.Workers.Spawn("TimeProfilerTicker")
		tickerRunner.PostTask(func(ctx context.Context) {
			defer ticker.Close()
			t := time.NewTicker(p.period)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					ticker.Print()
				case <-ctx.Done():
					return
				}
			}
		})
	}

	return TimeProfilerChan{sender: tx}, nil
}

func (p *timeProfiler) run(ctx context.Context) {
	defer p.rx.Close()
	for {
		msg, err := p.rx.RecvContext(ctx)
		if err != nil {
			return
		}
		start := time.Now()

		switch m := msg.(type) {
		case timeSample:
			d := m.end.Sub(m.start)
			p.buckets[m.category] = append(p.buckets[m.category], d)
			p.seconds.WithLabelValues(string(m.category)).Observe(d.Seconds())
		case timeBarrier:
			_ = m.reply.Send(struct{}{})
			m.reply.Close()
		case timePrint:
			p.print()
		}
		core.RecordMessage(ctx, start, p.rx.Len())
	}
}

func (p *timeProfiler) print() {
	categories := make([]string, 0, len(p.buckets))
	for c := range p.buckets {
		categories = append(categories, string(c))
	}
	sort.Strings(categories)

	for _, c := range categories {
		samples := p.buckets[Category(c)]
		var total, worst time.Duration
		for _, d := range samples {
			total += d
			worst = max(worst, d)
		}
		p.logger.Info("time profile",
			core.F("category", c),
			core.F("count", len(samples)),
			core.F("mean", total/time.Duration(len(samples))),
			core.F("max", worst),
		)
	}
}
