package layout

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/image/math/fixed"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/compositor"
	"github.com/Swind/go-layout-harness/constellation"
	"github.com/Swind/go-layout-harness/core"
	"github.com/Swind/go-layout-harness/embedder"
	"github.com/Swind/go-layout-harness/fonts"
	"github.com/Swind/go-layout-harness/hangmonitor"
	"github.com/Swind/go-layout-harness/ids"
	"github.com/Swind/go-layout-harness/profile"
	"github.com/Swind/go-layout-harness/resource"
)

type fixture struct {
	t          *testing.T
	workers    *core.WorkerGroup
	namespace  *ids.PipelineNamespace
	compositor *compositor.Proxy
	imageCache resource.ImageCache
	params     Params
	commands   *channel.Sender[Msg]
	scriptRx   *channel.Receiver[constellation.ScriptMsg]
	constRx    *channel.Receiver[constellation.Msg]
}

// newFixture wires a layout worker's dependencies the way the harness does,
// without starting the worker.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	workers := core.NewWorkerGroup(core.RunnerOptions{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := workers.StopAll(ctx); err != nil {
			t.Errorf("StopAll: %v", err)
		}
	})

	ns, err := ids.NewInstaller().Install(1)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	reg := prom.NewRegistry()
	tp, err := profile.CreateTimeProfiler(profile.TimeProfilerOptions{Registerer: reg, Workers: workers})
	if err != nil {
		t.Fatalf("CreateTimeProfiler: %v", err)
	}
	mem, err := profile.CreateMemProfiler(profile.MemProfilerOptions{Registerer: reg, Workers: workers})
	if err != nil {
		t.Fatalf("CreateMemProfiler: %v", err)
	}

	waker := embedder.NewHeadlessEventLoopWaker()
	embTx, embRx := channel.New[embedder.Msg]()
	emb := embedder.NewProxy(embTx, waker)
	public, _, err := resource.NewResourceThreads(resource.Options{TimeProfiler: tp.Clone(), MemProfiler: mem.Clone(), Embedder: emb, Workers: workers})
	if err != nil {
		t.Fatalf("NewResourceThreads: %v", err)
	}

	compTx, compRx := channel.New[compositor.Msg]()
	compositor.Start(compRx, embRx, waker, compositor.Options{Workers: workers})
	proxy := compositor.NewProxy(compTx, waker)

	fontCache, err := fonts.NewFontCacheThread(public, compositor.NewFontRegistrar(proxy.Clone()), fonts.Options{TimeProfiler: tp.Clone(), Workers: workers})
	if err != nil {
		t.Fatalf("NewFontCacheThread: %v", err)
	}

	constTx, constRx := channel.New[constellation.Msg]()
	scriptTx, scriptRx := channel.New[constellation.ScriptMsg]()
	hang := hangmonitor.Init(constTx.Clone(), nil, false, hangmonitor.Options{Workers: workers})
	imageCache := resource.NewImageCache(resource.ImageCacheOptions{Compositor: proxy.Clone(), TimeProfiler: tp.Clone(), Workers: workers})

	pipeline := ns.NewPipelineID()
	commands, rx := channel.New[Msg]()
	return &fixture{
		t:          t,
		workers:    workers,
		namespace:  ns,
		compositor: proxy,
		imageCache: imageCache,
		commands:   commands,
		scriptRx:   scriptRx,
		constRx:    constRx,
		params: Params{
			ID:                      pipeline,
			TopLevelBrowsingContext: ns.NewTopLevelBrowsingContextID(),
			URL:                     "about:blank",
			Receiver:                rx,
			HangMonitor:             hang,
			ConstellationChan:       constTx,
			ScriptChan:              scriptTx.Clone(),
			ImageCache:              imageCache,
			FontCache:               fontCache,
			TimeProfiler:            tp,
			MemProfiler:             mem,
			Compositor:              proxy.Clone(),
			PaintTimeMetrics:        profile.NewPaintTimeMetrics(pipeline, tp.Clone(), constTx.Clone(), scriptTx, "about:blank", time.Now()),
			WindowSize:              WindowSizeData{InitialViewport: Size{Width: 800, Height: 600}, DevicePixelRatio: 1},
			Workers:                 workers,
		},
	}
}

func (f *fixture) create() *Thread {
	f.t.Helper()
	thread, err := Create(f.params)
	if err != nil {
		f.t.Fatalf("Create: %v", err)
	}
	return thread
}

func testReflow(join *channel.Sender[ReflowComplete]) ScriptReflow {
	return ScriptReflow{
		PageClipRect: fixed.R(0, 0, 500, 500),
		WindowSize:   WindowSizeData{InitialViewport: Size{Width: 500, Height: 500}, DevicePixelRatio: 1},
		Animations:   NewDocumentAnimationSet(),
		Origin:       Origin{Scheme: "http", Host: "quox.dev", Port: 80},
		Goal:         ReflowGoalFull,
		ScriptJoin:   join,
	}
}

// awaitJoin is the requester's blocking receive bounded by a test deadline.
func awaitJoin(t *testing.T, rx *channel.Receiver[ReflowComplete]) (ReflowComplete, error) {
	t.Helper()
	type result struct {
		c   ReflowComplete
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := rx.Recv()
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		return r.c, r.err
	case <-time.After(2 * time.Second):
		t.Fatal("reflow completion never arrived")
		return ReflowComplete{}, nil
	}
}

// TestLayout_SetFinalURLThenReflow verifies the two-command sequence yields
// exactly one completion, and none before Reflow is sent
func TestLayout_SetFinalURLThenReflow(t *testing.T) {
	f := newFixture(t)
	thread := f.create()
	if got := thread.State(); got != StateIdle {
		t.Fatalf("initial state = %v, want idle", got)
	}

	joinTx, joinRx := channel.New[ReflowComplete]()
	if err := f.commands.Send(SetFinalURLMsg{URL: "about:blank"}); err != nil {
		t.Fatalf("send SetFinalURL: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := joinRx.TryRecv(); !errors.Is(err, channel.ErrEmpty) {
		t.Fatalf("completion observed before Reflow: %v", err)
	}

	if err := f.commands.Send(ReflowMsg{Reflow: testReflow(joinTx)}); err != nil {
		t.Fatalf("send Reflow: %v", err)
	}
	complete, err := awaitJoin(t, joinRx)
	if err != nil {
		t.Fatalf("reflow: %v", err)
	}
	if complete.Pipeline != f.params.ID || complete.Epoch != 1 || complete.Items == 0 {
		t.Errorf("completion = %+v", complete)
	}

	// exactly one signal: the channel is closed after it
	if _, err := joinRx.RecvTimeout(time.Second); !errors.Is(err, channel.ErrDisconnected) {
		t.Errorf("second receive: got %v, want ErrDisconnected", err)
	}
	if thread.URL() != "about:blank" {
		t.Errorf("URL = %q", thread.URL())
	}
}

// TestLayout_PanicClosesCompletion simulates the worker dying mid-reflow and
// checks the requester is released with a disconnect
func TestLayout_PanicClosesCompletion(t *testing.T) {
	f := newFixture(t)
	f.params.beforeReflow = func(ScriptReflow) { panic("simulated layout crash") }
	thread := f.create()

	joinTx, joinRx := channel.New[ReflowComplete]()
	if err := f.commands.Send(ReflowMsg{Reflow: testReflow(joinTx)}); err != nil {
		t.Fatalf("send Reflow: %v", err)
	}

	_, err := awaitJoin(t, joinRx)
	if !errors.Is(err, channel.ErrDisconnected) {
		t.Fatalf("got %v, want ErrDisconnected", err)
	}

	// the worker is gone: later commands are refused
	deadline := time.After(time.Second)
	for f.commands.Send(SetFinalURLMsg{URL: "data:,x"}) == nil {
		select {
		case <-deadline:
			t.Fatal("worker still accepting commands after panic")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if thread.State() != StateIdle {
		t.Errorf("state after exit = %v", thread.State())
	}
}

// TestLayout_StopReleasesQueuedReflow stops the worker right after a reflow
// was queued, often before the worker picked up its command loop. The
// requester must be released either way.
func TestLayout_StopReleasesQueuedReflow(t *testing.T) {
	for range 10 {
		f := newFixture(t)
		joinTx, joinRx := channel.New[ReflowComplete]()
		if err := f.commands.Send(ReflowMsg{Reflow: testReflow(joinTx)}); err != nil {
			t.Fatalf("send Reflow: %v", err)
		}
		thread := f.create()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := thread.Stop(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}

		// answered when the loop got to it first, closed otherwise
		if _, err := awaitJoin(t, joinRx); err != nil && !errors.Is(err, channel.ErrDisconnected) {
			t.Fatalf("reflow: got %v, want completion or ErrDisconnected", err)
		}
		if _, err := joinRx.TryRecv(); !errors.Is(err, channel.ErrDisconnected) {
			t.Fatalf("completion channel left open: %v", err)
		}

		exited := 0
		for {
			msg, err := f.constRx.TryRecv()
			if err != nil {
				break
			}
			if e, ok := msg.(constellation.PipelineExited); ok && e.Pipeline == f.params.ID {
				exited++
			}
		}
		if exited != 1 {
			t.Fatalf("PipelineExited sent %d times, want 1", exited)
		}
		if err := thread.Stop(context.Background()); err != nil {
			t.Fatalf("second Stop: %v", err)
		}
	}
}

func TestLayout_DisplayListReachesCompositor(t *testing.T) {
	f := newFixture(t)
	f.create()

	joinTx, joinRx := channel.New[ReflowComplete]()
	_ = f.commands.Send(SetFinalURLMsg{URL: "data:,hello"})
	_ = f.commands.Send(ReflowMsg{Reflow: testReflow(joinTx)})
	if _, err := awaitJoin(t, joinRx); err != nil {
		t.Fatalf("reflow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	list, err := f.compositor.DisplayList(ctx, f.params.ID)
	if err != nil {
		t.Fatalf("DisplayList: %v", err)
	}
	if list.Epoch != 1 || len(list.Items) != 2 {
		t.Fatalf("display list = %+v", list)
	}

	// clip 500x500 inside a 500x500 viewport
	if want := fixed.R(0, 0, 500, 500); list.Items[0].Bounds != want {
		t.Errorf("rect bounds = %v, want %v", list.Items[0].Bounds, want)
	}
	text := list.Items[1]
	if text.Kind != compositor.ItemText || text.Text != "data:,hello" || text.Font.ID == 0 {
		t.Errorf("text item = %+v", text)
	}
	// the run is measured: narrower than the clip, one line tall
	if w, h := text.Bounds.Max.X-text.Bounds.Min.X, text.Bounds.Max.Y-text.Bounds.Min.Y; w <= 0 || w >= fixed.I(500) || h < fixed.I(DefaultFontSize) || h > fixed.I(2*DefaultFontSize) {
		t.Errorf("text bounds = %v", text.Bounds)
	}
}

// TestLayout_ClipIntersectsDeviceViewport verifies the clip is cut to the
// viewport scaled by the device pixel ratio
func TestLayout_ClipIntersectsDeviceViewport(t *testing.T) {
	f := newFixture(t)
	f.create()

	joinTx, joinRx := channel.New[ReflowComplete]()
	reflow := testReflow(joinTx)
	reflow.PageClipRect = fixed.R(100, 100, 1000, 1000)
	reflow.WindowSize = WindowSizeData{InitialViewport: Size{Width: 300, Height: 200}, DevicePixelRatio: 2}
	_ = f.commands.Send(ReflowMsg{Reflow: reflow})
	if _, err := awaitJoin(t, joinRx); err != nil {
		t.Fatalf("reflow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	list, err := f.compositor.DisplayList(ctx, f.params.ID)
	if err != nil {
		t.Fatalf("DisplayList: %v", err)
	}
	if want := fixed.R(100, 100, 600, 400); list.Items[0].Bounds != want {
		t.Errorf("clip = %v, want %v", list.Items[0].Bounds, want)
	}
}

func TestLayout_PaintsLoadedImagesAndReportsAnimations(t *testing.T) {
	f := newFixture(t)
	f.create()

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	f.imageCache.Store("img.png", buf.Bytes())
	loadedTx, loadedRx := channel.New[resource.ImageResponse]()
	f.imageCache.AddListener("img.png", loadedTx)
	if resp, err := loadedRx.RecvTimeout(time.Second); err != nil || resp.State != resource.ImageLoaded {
		t.Fatalf("image not loaded: %+v, %v", resp, err)
	}

	joinTx, joinRx := channel.New[ReflowComplete]()
	reflow := testReflow(joinTx)
	reflow.Images = []string{"img.png", "missing.png"}
	reflow.Animations.Set(AnimationSetKey{Node: 7}, ElementAnimationSet{Names: []string{"fade"}, Dirty: true})
	reflow.AnimationTimelineValue = 1.5
	_ = f.commands.Send(ReflowMsg{Reflow: reflow})

	complete, err := awaitJoin(t, joinRx)
	if err != nil {
		t.Fatalf("reflow: %v", err)
	}
	// canvas plus the loaded image; about:blank paints no text
	if complete.Items != 2 {
		t.Errorf("items = %d, want 2", complete.Items)
	}

	for {
		msg, err := f.scriptRx.RecvTimeout(time.Second)
		if err != nil {
			t.Fatalf("no animation notice: %v", err)
		}
		if pending, ok := msg.(constellation.AnimationsPending); ok {
			if pending.Count != 1 || pending.Timeline != 1.5 {
				t.Errorf("animations pending = %+v", pending)
			}
			break
		}
	}
}

func TestLayout_MemoryReporter(t *testing.T) {
	f := newFixture(t)
	f.create()

	joinTx, joinRx := channel.New[ReflowComplete]()
	_ = f.commands.Send(ReflowMsg{Reflow: testReflow(joinTx)})
	if _, err := awaitJoin(t, joinRx); err != nil {
		t.Fatalf("reflow: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reports, err := f.params.MemProfiler.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, r := range reports {
		if len(r.Path) == 2 && r.Path[1] == "display-list" {
			if r.Size == 0 {
				t.Error("display list reported empty")
			}
			return
		}
	}
	t.Errorf("no layout report in %+v", reports)
}

func TestDocumentAnimationSet_SharedBetweenCopies(t *testing.T) {
	set := NewDocumentAnimationSet()
	copied := set

	copied.Set(AnimationSetKey{Node: 1}, ElementAnimationSet{Names: []string{"spin"}, Dirty: true})
	got, ok := set.Get(AnimationSetKey{Node: 1})
	if !ok || got.Names[0] != "spin" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if set.Len() != 1 || set.Dirty() != 1 {
		t.Errorf("Len = %d, Dirty = %d", set.Len(), set.Dirty())
	}

	var zero DocumentAnimationSet
	if zero.Len() != 0 {
		t.Error("zero set not empty")
	}
}

func TestDocumentAnimationSet_ZeroValueSet(t *testing.T) {
	var r ScriptReflow
	r.Animations.Set(AnimationSetKey{Node: 3, PseudoElement: "::before"}, ElementAnimationSet{Names: []string{"pulse"}})

	shared := r.Animations
	if _, ok := shared.Get(AnimationSetKey{Node: 3, PseudoElement: "::before"}); !ok {
		t.Fatal("zero set lost its first entry")
	}
	if shared.Len() != 1 || shared.Dirty() != 0 {
		t.Errorf("Len = %d, Dirty = %d", shared.Len(), shared.Dirty())
	}
}
