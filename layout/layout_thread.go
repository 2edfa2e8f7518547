// Package layout is the layout worker of a pipeline.
//
// A worker owns the layout state of one document and handles its commands in
// order on a dedicated runner. Every reflow resolves the default font through
// the font cache (which may in turn block on the compositor), builds a display
// list for the clipped device viewport, hands it to the compositor and
// answers the request with exactly one ReflowComplete.
package layout

import (
	"context"
	"fmt"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/math/fixed"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/compositor"
	"github.com/Swind/go-layout-harness/constellation"
	"github.com/Swind/go-layout-harness/core"
	"github.com/Swind/go-layout-harness/fonts"
	"github.com/Swind/go-layout-harness/hangmonitor"
	"github.com/Swind/go-layout-harness/ids"
	"github.com/Swind/go-layout-harness/profile"
	"github.com/Swind/go-layout-harness/resource"
)

// DefaultFontSize is the CSS pixel size of the default font.
const DefaultFontSize = 16

// State is the lifecycle state of a layout worker.
type State int32

const (
	// StateIdle means the worker is waiting for a command.
	StateIdle State = iota
	// StateProcessing means the worker is draining its command queue.
	StateProcessing
)

func (s State) String() string {
	if s == StateProcessing {
		return "processing"
	}
	return "idle"
}

// Params are the dependencies of a layout worker. Create takes ownership of
// every channel endpoint and handle in it.
type Params struct {
	ID                      ids.PipelineID
	TopLevelBrowsingContext ids.TopLevelBrowsingContextID
	URL                     string
	IsIframe                bool

	Receiver          *channel.Receiver[Msg]
	HangMonitor       *hangmonitor.Register
	HangTransient     time.Duration
	HangPermanent     time.Duration
	ConstellationChan *channel.Sender[constellation.Msg]
	ScriptChan        *channel.Sender[constellation.ScriptMsg]
	ImageCache        resource.ImageCache
	FontCache         *fonts.FontCacheThread
	TimeProfiler      profile.TimeProfilerChan
	MemProfiler       profile.MemProfilerChan
	Compositor        *compositor.Proxy
	PaintTimeMetrics  *profile.PaintTimeMetrics
	// Busy mirrors whether the worker is handling a command. May be nil.
	Busy       *atomic.Bool
	WindowSize WindowSizeData

	Workers *core.WorkerGroup

	// beforeReflow runs on the worker before each reflow.
	beforeReflow func(ScriptReflow)
}

// Thread is a running layout worker.
type Thread struct {
	id            ids.PipelineID
	rx            *channel.Receiver[Msg]
	hang          *hangmonitor.Handle
	constellation *channel.Sender[constellation.Msg]
	script        *channel.Sender[constellation.ScriptMsg]
	imageCache    resource.ImageCache
	fontCache     *fonts.FontCacheThread
	timeProfiler  profile.TimeProfilerChan
	memProfiler   profile.MemProfilerChan
	compositor    *compositor.Proxy
	paintTiming   *profile.PaintTimeMetrics
	busy          *atomic.Bool
	logger        core.Logger
	runner        *core.SingleThreadTaskRunner
	beforeReflow  func(ScriptReflow)

	state            atomic.Int32
	displayListBytes atomic.Uint64
	exitOnce         sync.Once

	mu         sync.Mutex
	url        string
	windowSize WindowSizeData

	// owned by the worker goroutine
	epoch uint64
}

// Create spawns the layout worker. Messages already queued on p.Receiver are
// handled in order once the worker starts.
func Create(p Params) (*Thread, error) {
	transient, permanent := p.HangTransient, p.HangPermanent
	if transient <= 0 {
		transient = time.Second
	}
	if permanent <= 0 {
		permanent = 10 * time.Second
	}

	t := &Thread{
		id:            p.ID,
		rx:            p.Receiver,
		constellation: p.ConstellationChan,
		script:        p.ScriptChan,
		imageCache:    p.ImageCache,
		fontCache:     p.FontCache,
		timeProfiler:  p.TimeProfiler,
		memProfiler:   p.MemProfiler,
		compositor:    p.Compositor,
		paintTiming:   p.PaintTimeMetrics,
		busy:          p.Busy,
		logger:        p.Workers.Logger(),
		beforeReflow:  p.beforeReflow,
		url:           p.URL,
		windowSize:    p.WindowSize,
	}
	if t.busy == nil {
		t.busy = new(atomic.Bool)
	}
	t.hang = p.HangMonitor.RegisterComponent(
		constellation.MonitoredComponentID{Pipeline: p.ID, Type: constellation.MonitoredComponentLayout},
		transient, permanent,
	)

	if err := t.memProfiler.RegisterReporter(t.reporterName(), reporter{t}); err != nil {
		t.hang.Unregister()
		return nil, fmt.Errorf("layout %s: %w", p.ID, err)
	}

	t.logger.Info("layout worker created",
		core.F("pipeline", p.ID),
		core.F("browsing_context", p.TopLevelBrowsingContext),
		core.F("url", p.URL),
		core.F("iframe", p.IsIframe),
	)
	t.runner = p.Workers.Spawn(fmt.Sprintf("Layout%s", p.ID))
	t.runner.PostTask(t.run)
	return t, nil
}

// PipelineID returns the pipeline the worker lays out.
func (t *Thread) PipelineID() ids.PipelineID {
	return t.id
}

// State returns the current lifecycle state.
func (t *Thread) State() State {
	return State(t.state.Load())
}

// URL returns the document URL.
func (t *Thread) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// WindowSize returns the window size of the last reflow, or the initial one.
func (t *Thread) WindowSize() WindowSizeData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.windowSize
}

// Done is closed once the worker's runner has stopped.
func (t *Thread) Done() <-chan struct{} {
	return t.runner.Done()
}

// Stop stops the worker. Queued commands are dropped and pending reflows
// observe a closed completion channel.
func (t *Thread) Stop(ctx context.Context) error {
	if err := t.runner.StopContext(ctx); err != nil {
		return err
	}
	// the runner can stop before it ever picked up the command loop
	t.shutdown()
	return nil
}

func (t *Thread) reporterName() string {
	return "layout-thread" + t.id.String()
}

func (t *Thread) run(ctx context.Context) {
	defer t.shutdown()

	for {
		msg, err := t.rx.RecvContext(ctx)
		if err != nil {
			return
		}

		start := time.Now()
		t.state.Store(int32(StateProcessing))
		t.busy.Store(true)
		t.handle(msg)
		core.RecordMessage(ctx, start, t.rx.Len())

		if t.rx.Len() == 0 {
			t.hang.NotifyWait()
			t.busy.Store(false)
			t.state.Store(int32(StateIdle))
		}
	}
}

// shutdown also runs when a command panics. Only the first call has an
// effect.
func (t *Thread) shutdown() {
	t.exitOnce.Do(t.exit)
}

func (t *Thread) exit() {
	for _, msg := range t.rx.CloseAndDrain() {
		if m, ok := msg.(ReflowMsg); ok && m.Reflow.ScriptJoin != nil {
			m.Reflow.ScriptJoin.Close()
		}
	}
	t.hang.Unregister()
	if t.constellation != nil {
		_ = t.constellation.Send(constellation.PipelineExited{
			Pipeline:  t.id,
			Component: constellation.MonitoredComponentLayout,
		})
	}
	t.memProfiler.UnregisterReporter(t.reporterName())
	t.busy.Store(false)
	t.state.Store(int32(StateIdle))
	t.logger.Debug("layout worker exited", core.F("pipeline", t.id))
}

func (t *Thread) handle(msg Msg) {
	switch m := msg.(type) {
	case SetFinalURLMsg:
		t.hang.NotifyActivity("set-final-url")
		t.mu.Lock()
		t.url = m.URL
		t.mu.Unlock()
		t.logger.Debug("final url set", core.F("pipeline", t.id), core.F("url", m.URL))

	case ReflowMsg:
		t.hang.NotifyActivity("reflow")
		t.handleReflow(m.Reflow)
	}
}

func (t *Thread) handleReflow(r ScriptReflow) {
	if r.ScriptJoin == nil {
		t.logger.Warn("reflow without completion channel dropped", core.F("pipeline", t.id))
		return
	}
	// A panic below still closes the channel, so the requester sees
	// channel.ErrDisconnected instead of waiting forever.
	defer r.ScriptJoin.Close()

	if t.beforeReflow != nil {
		t.beforeReflow(r)
	}

	t.mu.Lock()
	t.windowSize = r.WindowSize
	url := t.url
	t.mu.Unlock()

	meta := &profile.TimerMetadata{URL: url, Incremental: r.DirtyRoot != nil}
	complete := profile.TimeProfile(t.timeProfiler, profile.CategoryLayoutPerform, meta, func() ReflowComplete {
		return t.reflow(r, url, meta)
	})

	if err := r.ScriptJoin.Send(complete); err != nil {
		t.logger.Warn("reflow requester gone", core.F("pipeline", t.id), core.F("error", err))
	}
}

func (t *Thread) reflow(r ScriptReflow, url string, meta *profile.TimerMetadata) ReflowComplete {
	complete := ReflowComplete{Pipeline: t.id, Goal: r.Goal}

	// the style pass only has animation state to update
	pendingAnimations := profile.TimeProfile(t.timeProfiler, profile.CategoryLayoutStyleRecalc, meta, r.Animations.Dirty)

	dpr := r.WindowSize.DevicePixelRatio
	if dpr <= 0 {
		dpr = 1
	}
	font, fontErr := t.resolveFont(DefaultFontSize * dpr)
	if fontErr != nil {
		t.logger.Warn("default font unavailable", core.F("pipeline", t.id), core.F("error", fontErr))
	}

	viewport := r.WindowSize.DeviceViewport()
	clip := r.PageClipRect.Intersect(viewport)

	t.logger.Debug("reflow",
		core.F("pipeline", t.id),
		core.F("goal", r.Goal),
		core.F("origin", r.Origin),
		core.F("clip", clip),
		core.F("dom_count", r.DOMCount),
		core.F("stylesheets_changed", r.StylesheetsChanged),
		core.F("animations", r.Animations.Len()),
	)

	if r.Goal != ReflowGoalFull {
		return complete
	}

	list := profile.TimeProfile(t.timeProfiler, profile.CategoryLayoutDisplayList, meta, func() compositor.DisplayList {
		return t.buildDisplayList(r, url, clip, viewport, font, fontErr == nil)
	})

	t.epoch++
	list.Epoch = t.epoch
	t.displayListBytes.Store(displayListSize(list))
	if err := t.compositor.Send(compositor.UpdateDisplayListMsg{List: list}); err != nil {
		t.logger.Error("compositor gone", core.F("pipeline", t.id), core.F("error", err))
	} else if t.paintTiming != nil {
		t.paintTiming.MaybeObserve(list.Epoch, list.IsContentful(), time.Now())
	}

	if pendingAnimations > 0 && t.script != nil {
		_ = t.script.Send(constellation.AnimationsPending{
			Pipeline: t.id,
			Count:    pendingAnimations,
			Timeline: r.AnimationTimelineValue,
		})
	}

	complete.Epoch = list.Epoch
	complete.Items = len(list.Items)
	return complete
}

type resolvedFont struct {
	key      compositor.FontKey
	instance compositor.FontInstanceKey
	size     float32
}

// resolveFont is the nested round trip: layout waits on the font cache,
// which waits on the compositor the first time a face or size is used.
func (t *Thread) resolveFont(size float32) (resolvedFont, error) {
	tmpl, err := t.fontCache.GetFontTemplate(fonts.FontDescriptor{Family: fonts.DefaultFamily})
	if err != nil {
		return resolvedFont{}, err
	}
	instance, err := t.fontCache.GetFontInstance(tmpl.Key, size)
	if err != nil {
		return resolvedFont{}, err
	}
	return resolvedFont{key: tmpl.Key, instance: instance, size: size}, nil
}

func (t *Thread) buildDisplayList(
	r ScriptReflow,
	url string,
	clip, viewport fixed.Rectangle26_6,
	font resolvedFont,
	haveFont bool,
) compositor.DisplayList {
	list := compositor.DisplayList{Pipeline: t.id, Viewport: viewport}
	if clip.Empty() {
		return list
	}

	list.Items = append(list.Items, compositor.DisplayItem{
		Kind:   compositor.ItemRect,
		Bounds: clip,
		Color:  color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
	})

	// about:blank paints only its canvas
	if haveFont && url != "" && url != "about:blank" {
		bounds := clip
		if m, err := t.fontCache.MeasureText(font.key, font.size, url); err == nil {
			bounds.Max.X = min(bounds.Max.X, bounds.Min.X+m.Advance)
			bounds.Max.Y = min(bounds.Max.Y, bounds.Min.Y+m.Height())
		} else {
			t.logger.Warn("text measurement failed", core.F("pipeline", t.id), core.F("error", err))
		}
		list.Items = append(list.Items, compositor.DisplayItem{
			Kind:   compositor.ItemText,
			Bounds: bounds,
			Color:  color.RGBA{A: 0xff},
			Font:   font.instance,
			Text:   url,
		})
	}

	if t.imageCache != nil {
		for _, src := range r.Images {
			resp := t.imageCache.Find(src)
			if resp.State != resource.ImageLoaded {
				continue
			}
			bounds := clip
			bounds.Max.X = min(bounds.Max.X, bounds.Min.X+fixed.I(resp.Image.Width))
			bounds.Max.Y = min(bounds.Max.Y, bounds.Min.Y+fixed.I(resp.Image.Height))
			list.Items = append(list.Items, compositor.DisplayItem{
				Kind:   compositor.ItemImage,
				Bounds: bounds,
				Image:  resp.Image.Key,
			})
		}
	}
	return list
}

func displayListSize(list compositor.DisplayList) uint64 {
	var n uint64
	for _, item := range list.Items {
		n += uint64(len(item.Text)) + 64
	}
	return n
}

type reporter struct {
	t *Thread
}

func (r reporter) CollectReports(reply *channel.Sender[[]profile.Report]) error {
	defer reply.Close()
	return reply.Send([]profile.Report{{
		Path: []string{r.t.reporterName(), "display-list"},
		Kind: profile.ReportExplicitHeap,
		Size: r.t.displayListBytes.Load(),
	}})
}
