package profile

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/core"
)

// ReportKind tells whether a report is part of the explicit heap tree.
type ReportKind int

const (
	ReportExplicitHeap ReportKind = iota
	ReportNonExplicit
)

// Report is one memory measurement.
type Report struct {
	Path []string
	Kind ReportKind
	Size uint64
}

// Reporter produces memory reports on request. CollectReports must not block;
// it hands the request to the reporter's own worker, which answers on reply.
type Reporter interface {
	CollectReports(reply *channel.Sender[[]Report]) error
}

type memMsg interface {
	isMemMsg()
}

type memRegister struct {
	name     string
	reporter Reporter
	reply    *channel.Sender[error]
}

type memUnregister struct {
	name string
}

type memCollect struct {
	reply *channel.Sender[[]Report]
}

func (memRegister) isMemMsg()   {}
func (memUnregister) isMemMsg() {}
func (memCollect) isMemMsg()    {}

// ErrReporterExists is returned when a reporter name is registered twice.
var ErrReporterExists = errors.New("profile: memory reporter already registered")

// MemProfilerChan is a handle on the memory profiler.
type MemProfilerChan struct {
	sender *channel.Sender[memMsg]
}

// RegisterReporter adds a named reporter. It waits for the profiler to accept
// the name.
func (c MemProfilerChan) RegisterReporter(name string, r Reporter) error {
	replyTx, replyRx := channel.New[error]()
	if err := c.sender.Send(memRegister{name: name, reporter: r, reply: replyTx}); err != nil {
		replyTx.Close()
		return fmt.Errorf("register memory reporter %s: %w", name, err)
	}
	res, err := replyRx.Recv()
	if err != nil {
		return fmt.Errorf("register memory reporter %s: %w", name, err)
	}
	return res
}

// UnregisterReporter removes a reporter. Unknown names are ignored.
func (c MemProfilerChan) UnregisterReporter(name string) {
	_ = c.sender.Send(memUnregister{name: name})
}

// Collect gathers a report from every registered reporter plus the Go runtime.
func (c MemProfilerChan) Collect(ctx context.Context) ([]Report, error) {
	replyTx, replyRx := channel.New[[]Report]()
	if err := c.sender.Send(memCollect{reply: replyTx}); err != nil {
		replyTx.Close()
		return nil, fmt.Errorf("collect memory reports: %w", err)
	}
	reports, err := replyRx.RecvContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect memory reports: %w", err)
	}
	return reports, nil
}

// Clone returns another handle on the same profiler.
func (c MemProfilerChan) Clone() MemProfilerChan {
	return MemProfilerChan{sender: c.sender.Clone()}
}

// Close drops this handle.
func (c MemProfilerChan) Close() {
	c.sender.Close()
}

// MemProfilerOptions configures CreateMemProfiler.
type MemProfilerOptions struct {
	// ReporterTimeout bounds the wait for each reporter. Defaults to 5s.
	ReporterTimeout time.Duration

	// Registerer receives the profiler_memory_bytes gauges. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prom.Registerer

	// Namespace prefixes the metric names. Defaults to "layout".
	Namespace string

	Workers *core.WorkerGroup
}

type memProfiler struct {
	rx        *channel.Receiver[memMsg]
	reporters map[string]Reporter
	timeout   time.Duration
	logger    core.Logger
	bytes     *prom.GaugeVec
}

// CreateMemProfiler starts the memory profiler on its own runner.
func CreateMemProfiler(opts MemProfilerOptions) (MemProfilerChan, error) {
	bytes := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespaceOr(opts.Namespace),
		Name:      "profiler_memory_bytes",
		Help:      "Last collected memory report per path, in bytes.",
	}, []string{"path"})

	bytes, err := registerCollector(registererOr(opts.Registerer), bytes)
	if err != nil {
		return MemProfilerChan{}, fmt.Errorf("register memory profiler collector: %w", err)
	}

	timeout := opts.ReporterTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	tx, rx := channel.New[memMsg]()
	p := &memProfiler{
		rx:        rx,
		reporters: make(map[string]Reporter),
		timeout:   timeout,
		logger:    opts.Workers.Logger(),
		bytes:     bytes,
	}
	opts.Workers.Spawn("MemProfiler").PostTask(p.run)

	return MemProfilerChan{sender: tx}, nil
}

func (p *memProfiler) run(ctx context.Context) {
	defer p.rx.Close()
	for {
		msg, err := p.rx.RecvContext(ctx)
		if err != nil {
			return
		}
		start := time.Now()

		switch m := msg.(type) {
		case memRegister:
			if _, ok := p.reporters[m.name]; ok {
				_ = m.reply.Send(fmt.Errorf("%s: %w", m.name, ErrReporterExists))
			} else {
				p.reporters[m.name] = m.reporter
				_ = m.reply.Send(nil)
			}
			m.reply.Close()
		case memUnregister:
			delete(p.reporters, m.name)
		case memCollect:
			_ = m.reply.Send(p.collect())
			m.reply.Close()
		}
		core.RecordMessage(ctx, start, p.rx.Len())
	}
}

func (p *memProfiler) collect() []Report {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	reports := []Report{
		{Path: []string{"system-heap-allocated"}, Kind: ReportNonExplicit, Size: ms.HeapAlloc},
		{Path: []string{"system-heap-reserved"}, Kind: ReportNonExplicit, Size: ms.HeapSys},
	}

	names := make([]string, 0, len(p.reporters))
	for name := range p.reporters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		replyTx, replyRx := channel.New[[]Report]()
		if err := p.reporters[name].CollectReports(replyTx); err != nil {
			replyTx.Close()
			p.logger.Warn("memory reporter failed", core.F("reporter", name), core.F("error", err))
			continue
		}
		got, err := replyRx.RecvTimeout(p.timeout)
		if err != nil {
			p.logger.Warn("memory reporter did not answer", core.F("reporter", name), core.F("error", err))
			continue
		}
		reports = append(reports, got...)
	}

	for _, r := range reports {
		p.bytes.WithLabelValues(strings.Join(r.Path, "/")).Set(float64(r.Size))
	}
	return reports
}
