package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-layout-harness/core"
)

// WorkerSnapshotProvider reports the runners of a worker group.
// *core.WorkerGroup implements it.
type WorkerSnapshotProvider interface {
	Stats() []core.RunnerStats
}

var _ WorkerSnapshotProvider = (*core.WorkerGroup)(nil)

// SnapshotPoller periodically exports worker Stats() snapshots into
// Prometheus gauges, labelled by group and runner name.
type SnapshotPoller struct {
	interval time.Duration

	groupsMu sync.RWMutex
	groups   map[string]WorkerSnapshotProvider

	workerPending  *prom.GaugeVec
	workerRunning  *prom.GaugeVec
	workerRejected *prom.GaugeVec
	workerClosed   *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	labels := []string{"group", "runner"}
	workerPending := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "pending",
		Help:      "Messages queued per worker.",
	}, labels)
	workerRunning := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "running",
		Help:      "Worker busy state (1=inside a task, 0=waiting).",
	}, labels)
	workerRejected := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "rejected",
		Help:      "Worker rejected task count snapshot.",
	}, labels)
	workerClosed := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "closed",
		Help:      "Worker closed state (1=closed, 0=open).",
	}, labels)

	var err error
	if workerPending, err = registerCollector(reg, workerPending); err != nil {
		return nil, err
	}
	if workerRunning, err = registerCollector(reg, workerRunning); err != nil {
		return nil, err
	}
	if workerRejected, err = registerCollector(reg, workerRejected); err != nil {
		return nil, err
	}
	if workerClosed, err = registerCollector(reg, workerClosed); err != nil {
		return nil, err
	}

	return &SnapshotPoller{
		interval:       interval,
		groups:         make(map[string]WorkerSnapshotProvider),
		workerPending:  workerPending,
		workerRunning:  workerRunning,
		workerRejected: workerRejected,
		workerClosed:   workerClosed,
	}, nil
}

// AddGroup adds or replaces a worker group by name.
func (p *SnapshotPoller) AddGroup(name string, provider WorkerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "group")
	p.groupsMu.Lock()
	p.groups[name] = provider
	p.groupsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling and takes a last snapshot. Repeated calls are
// safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	p.collectOnce()

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.groupsMu.RLock()
	defer p.groupsMu.RUnlock()

	for group, provider := range p.groups {
		for _, stats := range provider.Stats() {
			runner := normalizeLabel(stats.Name, "unknown")
			p.workerPending.WithLabelValues(group, runner).Set(float64(stats.Pending))
			p.workerRunning.WithLabelValues(group, runner).Set(boolGauge(stats.Running))
			p.workerRejected.WithLabelValues(group, runner).Set(float64(stats.Rejected))
			p.workerClosed.WithLabelValues(group, runner).Set(boolGauge(stats.Closed))
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
