package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/image/math/fixed"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/compositor"
	"github.com/Swind/go-layout-harness/constellation"
	"github.com/Swind/go-layout-harness/core"
	"github.com/Swind/go-layout-harness/embedder"
	"github.com/Swind/go-layout-harness/fonts"
	"github.com/Swind/go-layout-harness/hangmonitor"
	"github.com/Swind/go-layout-harness/ids"
	"github.com/Swind/go-layout-harness/layout"
	obsprom "github.com/Swind/go-layout-harness/observability/prometheus"
	"github.com/Swind/go-layout-harness/profile"
	"github.com/Swind/go-layout-harness/resource"
)

// ErrReflowAborted is returned by Reflow when the layout worker went away
// before answering.
var ErrReflowAborted = errors.New("harness: reflow aborted")

// Pipeline is a fully wired layout pipeline. It owns every worker it
// started; Close stops them.
type Pipeline struct {
	logger    core.Logger
	workers   *core.WorkerGroup
	installer *ids.Installer
	namespace *ids.PipelineNamespace
	id        ids.PipelineID
	browsing  ids.TopLevelBrowsingContextID

	// far end of the namespace request channel; nothing serves it
	namespaceRequests *channel.Receiver[ids.NamespaceRequest]

	timeProfiler profile.TimeProfilerChan
	memProfiler  profile.MemProfilerChan
	waker        *embedder.HeadlessEventLoopWaker
	embedder     *embedder.Proxy
	resources    resource.ResourceThreads
	compositor   *compositor.Proxy
	fontCache    *fonts.FontCacheThread
	hangControl  *channel.Sender[hangmonitor.ControlMsg]
	imageCache   resource.ImageCache
	paintMetrics *profile.PaintTimeMetrics
	layout       *layout.Thread
	layoutChan   *channel.Sender[layout.Msg]
	poller       *obsprom.SnapshotPoller

	constellationRx *channel.Receiver[constellation.Msg]
	scriptRx        *channel.Receiver[constellation.ScriptMsg]

	closeOnce sync.Once
	closeErr  error
}

// Bootstrap constructs a pipeline in dependency order: namespace,
// profilers, waker, embedder proxy, resource threads, compositor, font
// cache, hang monitor, image cache and finally the layout worker.
//
// A failing step aborts the bootstrap; workers already started are not
// stopped.
func Bootstrap(cfg *Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger

	metrics := cfg.Metrics
	if metrics == nil {
		exporter, err := obsprom.NewMetricsExporter(cfg.MetricsNamespace, cfg.Registerer, obsprom.ExporterOptions{})
		if err != nil {
			return nil, fmt.Errorf("register runner metrics: %w", err)
		}
		metrics = exporter
	}
	workers := core.NewWorkerGroup(core.RunnerOptions{
		Logger:       logger,
		Metrics:      metrics,
		PanicHandler: cfg.PanicHandler,
	})
	p := &Pipeline{logger: logger, workers: workers}

	logger.Info("installing pipeline namespace", core.F("namespace", cfg.Namespace))
	p.installer = ids.NewInstaller()
	nsTx, nsRx := channel.New[ids.NamespaceRequest]()
	p.installer.SetSender(nsTx)
	p.namespaceRequests = nsRx
	ns, err := p.installer.Install(cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("install namespace: %w", err)
	}
	p.namespace = ns
	p.id = ns.NewPipelineID()
	p.browsing = ns.NewTopLevelBrowsingContextID()

	logger.Info("setting up profiler")
	p.timeProfiler, err = profile.CreateTimeProfiler(profile.TimeProfilerOptions{
		Period:     cfg.TimeProfilerPeriod,
		Registerer: cfg.Registerer,
		Namespace:  cfg.MetricsNamespace,
		Workers:    workers,
	})
	if err != nil {
		return nil, fmt.Errorf("create time profiler: %w", err)
	}
	p.memProfiler, err = profile.CreateMemProfiler(profile.MemProfilerOptions{
		ReporterTimeout: cfg.MemReporterTimeout,
		Registerer:      cfg.Registerer,
		Namespace:       cfg.MetricsNamespace,
		Workers:         workers,
	})
	if err != nil {
		return nil, fmt.Errorf("create memory profiler: %w", err)
	}

	logger.Info("creating event loop waker")
	p.waker = embedder.NewHeadlessEventLoopWaker()

	logger.Info("creating embedder proxy")
	embTx, embRx := channel.New[embedder.Msg]()
	p.embedder = embedder.NewProxy(embTx, p.waker.Clone())

	logger.Info("creating resource threads")
	// the private handle belongs to the constellation, which is not run here
	public, _, err := resource.NewResourceThreads(resource.Options{
		UserAgent:    cfg.UserAgent,
		TimeProfiler: p.timeProfiler.Clone(),
		MemProfiler:  p.memProfiler.Clone(),
		Embedder:     p.embedder.Clone(),
		Workers:      workers,
	})
	if err != nil {
		return nil, fmt.Errorf("create resource threads: %w", err)
	}
	p.resources = public

	logger.Info("creating compositor proxy")
	compTx, compRx := channel.New[compositor.Msg]()
	compositor.Start(compRx, embRx, p.waker, compositor.Options{
		Namespace: compositor.IDNamespace(cfg.Namespace),
		Workers:   workers,
	})
	p.compositor = compositor.NewProxy(compTx, p.waker.Clone())

	logger.Info("creating font thread")
	p.fontCache, err = fonts.NewFontCacheThread(
		public,
		compositor.NewFontRegistrar(p.compositor.Clone()),
		fonts.Options{TimeProfiler: p.timeProfiler.Clone(), Workers: workers},
	)
	if err != nil {
		return nil, fmt.Errorf("create font cache: %w", err)
	}

	logger.Info("creating hang monitor", core.F("enabled", cfg.HangMonitoring))
	constTx, constRx := channel.New[constellation.Msg]()
	scriptTx, scriptRx := channel.New[constellation.ScriptMsg]()
	p.constellationRx = constRx
	p.scriptRx = scriptRx
	controlTx, controlRx := channel.New[hangmonitor.ControlMsg]()
	p.hangControl = controlTx
	hang := hangmonitor.Init(constTx.Clone(), controlRx, cfg.HangMonitoring, hangmonitor.Options{
		SampleInterval: cfg.HangSampleInterval,
		Workers:        workers,
	})

	logger.Info("creating image cache")
	p.imageCache = resource.NewImageCache(resource.ImageCacheOptions{
		Compositor:   p.compositor.Clone(),
		TimeProfiler: p.timeProfiler.Clone(),
		Workers:      workers,
	})

	p.paintMetrics = profile.NewPaintTimeMetrics(p.id, p.timeProfiler.Clone(), constTx.Clone(), scriptTx.Clone(), cfg.URL, time.Now())

	logger.Info("creating layout thread", core.F("pipeline", p.id))
	layoutTx, layoutRx := channel.New[layout.Msg]()
	p.layoutChan = layoutTx
	p.layout, err = layout.Create(layout.Params{
		ID:                      p.id,
		TopLevelBrowsingContext: p.browsing,
		URL:                     cfg.URL,
		Receiver:                layoutRx,
		HangMonitor:             hang,
		HangTransient:           cfg.HangTransient,
		HangPermanent:           cfg.HangPermanent,
		ConstellationChan:       constTx,
		ScriptChan:              scriptTx,
		ImageCache:              p.imageCache,
		FontCache:               p.fontCache.Clone(),
		TimeProfiler:            p.timeProfiler.Clone(),
		MemProfiler:             p.memProfiler.Clone(),
		Compositor:              p.compositor.Clone(),
		PaintTimeMetrics:        p.paintMetrics,
		WindowSize:              cfg.WindowSize,
		Workers:                 workers,
	})
	if err != nil {
		return nil, fmt.Errorf("create layout thread: %w", err)
	}

	if cfg.SnapshotInterval > 0 {
		p.poller, err = obsprom.NewSnapshotPoller(cfg.MetricsNamespace, cfg.Registerer, cfg.SnapshotInterval)
		if err != nil {
			return nil, fmt.Errorf("create snapshot poller: %w", err)
		}
		p.poller.AddGroup(p.id.String(), workers)
		p.poller.Start(context.Background())
	}

	return p, nil
}

// ID returns the pipeline id.
func (p *Pipeline) ID() ids.PipelineID { return p.id }

// Namespace returns the installed pipeline namespace.
func (p *Pipeline) Namespace() *ids.PipelineNamespace { return p.namespace }

// Layout returns the layout worker.
func (p *Pipeline) Layout() *layout.Thread { return p.layout }

// Compositor returns the compositor proxy. The pipeline keeps ownership.
func (p *Pipeline) Compositor() *compositor.Proxy { return p.compositor }

// Resources returns the public resource threads handle.
func (p *Pipeline) Resources() resource.ResourceThreads { return p.resources }

// FontCache returns the font cache handle. The pipeline keeps ownership.
func (p *Pipeline) FontCache() *fonts.FontCacheThread { return p.fontCache }

// ImageCache returns the image cache.
func (p *Pipeline) ImageCache() resource.ImageCache { return p.imageCache }

// MemProfiler returns the memory profiler handle.
func (p *Pipeline) MemProfiler() profile.MemProfilerChan { return p.memProfiler }

// PaintMetrics returns the paint timing of the pipeline.
func (p *Pipeline) PaintMetrics() *profile.PaintTimeMetrics { return p.paintMetrics }

// Workers returns the worker group owning every runner of the pipeline.
func (p *Pipeline) Workers() *core.WorkerGroup { return p.workers }

// ConstellationEvents is the receiving end of the constellation channel:
// hang alerts, paint metrics and worker exits.
func (p *Pipeline) ConstellationEvents() *channel.Receiver[constellation.Msg] {
	return p.constellationRx
}

// ScriptEvents is the receiving end of the script channel.
func (p *Pipeline) ScriptEvents() *channel.Receiver[constellation.ScriptMsg] {
	return p.scriptRx
}

// SetFinalURL tells the layout worker the document URL.
func (p *Pipeline) SetFinalURL(url string) error {
	if err := p.layoutChan.Send(layout.SetFinalURLMsg{URL: url}); err != nil {
		return fmt.Errorf("set final url: %w", err)
	}
	return nil
}

// Reflow sends req to the layout worker and blocks until it completes.
// Any ScriptJoin in req is replaced.
//
// There is no timeout: a hung worker blocks the caller. A worker that exits
// without answering makes Reflow fail with ErrReflowAborted.
func (p *Pipeline) Reflow(req layout.ScriptReflow) (layout.ReflowComplete, error) {
	joinTx, joinRx := channel.New[layout.ReflowComplete]()
	req.ScriptJoin = joinTx
	if err := p.layoutChan.Send(layout.ReflowMsg{Reflow: req}); err != nil {
		joinTx.Close()
		return layout.ReflowComplete{}, fmt.Errorf("%w: %w", ErrReflowAborted, err)
	}

	complete, err := joinRx.Recv()
	if err != nil {
		return layout.ReflowComplete{}, fmt.Errorf("%w: %w", ErrReflowAborted, err)
	}
	p.logger.Debug("reflow complete",
		core.F("pipeline", complete.Pipeline),
		core.F("epoch", complete.Epoch),
		core.F("items", complete.Items))
	return complete, nil
}

// SetHangMonitoring turns hang alerts on or off.
func (p *Pipeline) SetHangMonitoring(enabled bool) error {
	var msg hangmonitor.ControlMsg = hangmonitor.DisableMonitoring{}
	if enabled {
		msg = hangmonitor.EnableMonitoring{}
	}
	if err := p.hangControl.Send(msg); err != nil {
		return fmt.Errorf("hang monitor control: %w", err)
	}
	return nil
}

// Close asks every worker to exit and waits for them, bounded by ctx.
// Calling Close more than once returns the first result.
func (p *Pipeline) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.logger.Info("shutting down pipeline", core.F("pipeline", p.id))

		// layout first: it still talks to everything else while draining
		p.layoutChan.Close()
		layoutErr := p.layout.Stop(ctx)

		_ = p.hangControl.Send(hangmonitor.Exit{})
		_ = p.fontCache.Exit()
		_ = p.compositor.Exit()
		p.poller.Stop()
		p.namespaceRequests.Close()
		p.timeProfiler.Close()
		p.memProfiler.Close()

		p.closeErr = errors.Join(layoutErr, p.workers.StopAll(ctx))
	})
	return p.closeErr
}

// NewScriptReflow builds a full reflow of the clip rectangle (x, y, w, h in
// pixels) in a window of the given size.
func NewScriptReflow(x, y, w, h int, window layout.WindowSizeData, origin layout.Origin) layout.ScriptReflow {
	return layout.ScriptReflow{
		PageClipRect:       fixed.R(x, y, x+w, y+h),
		WindowSize:         window,
		StylesheetsChanged: false,
		Animations:         layout.NewDocumentAnimationSet(),
		Origin:             origin,
		Goal:               layout.ReflowGoalFull,
	}
}

// DefaultReflow is the reflow the headless harness issues: a 500x500 clip
// of a 500x500 window at device pixel ratio 1, for http://quox.dev:80.
func DefaultReflow() layout.ScriptReflow {
	return NewScriptReflow(0, 0, 500, 500,
		layout.WindowSizeData{
			InitialViewport:  layout.Size{Width: 500, Height: 500},
			DevicePixelRatio: 1,
		},
		layout.Origin{Scheme: "http", Host: "quox.dev", Port: 80},
	)
}

// Run bootstraps a pipeline, sets its URL, performs one reflow and shuts
// the pipeline down.
func Run(cfg *Config) error {
	cfg = cfg.withDefaults()
	p, err := Bootstrap(cfg)
	if err != nil {
		return err
	}

	if err := p.SetFinalURL(cfg.URL); err != nil {
		return err
	}
	complete, err := p.Reflow(DefaultReflow())
	if err != nil {
		return err
	}
	cfg.Logger.Info("reflow finished",
		core.F("pipeline", complete.Pipeline),
		core.F("epoch", complete.Epoch),
		core.F("items", complete.Items))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Close(ctx)
}
