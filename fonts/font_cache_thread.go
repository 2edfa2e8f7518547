// Package fonts is the font cache service. It knows the system faces and any
// web fonts added at runtime, and hands out compositor keys for faces and
// sized instances of them.
//
// Keys come from the compositor. The font cache thread registers a face the
// first time it is asked for it and blocks until the compositor answers; a
// key is cached only once the compositor has allocated it.
package fonts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/image/font"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/compositor"
	"github.com/Swind/go-layout-harness/core"
	"github.com/Swind/go-layout-harness/profile"
	"github.com/Swind/go-layout-harness/resource"
)

// ErrFontNotFound is returned when no face matches a descriptor.
var ErrFontNotFound = errors.New("fonts: no matching font")

// RegistrationSink allocates compositor keys for font data and sized
// instances. Both calls block until the keys are allocated.
type RegistrationSink interface {
	AddFont(data compositor.FontData) (compositor.FontKey, error)
	AddFontInstance(key compositor.FontKey, size float32) (compositor.FontInstanceKey, error)
}

type result[T any] struct {
	value T
	err   error
}

type msg interface {
	isFontMsg()
}

type getTemplateMsg struct {
	descriptor FontDescriptor
	reply      *channel.Sender[result[FontTemplate]]
}

type getInstanceMsg struct {
	key   compositor.FontKey
	size  float32
	reply *channel.Sender[result[compositor.FontInstanceKey]]
}

type addWebFontMsg struct {
	family string
	url    string
	reply  *channel.Sender[error]
}

type measureMsg struct {
	key   compositor.FontKey
	size  float32
	text  string
	reply *channel.Sender[result[TextMetrics]]
}

type exitMsg struct{}

func (getTemplateMsg) isFontMsg() {}
func (getInstanceMsg) isFontMsg() {}
func (addWebFontMsg) isFontMsg()  {}
func (measureMsg) isFontMsg()     {}
func (exitMsg) isFontMsg()        {}

// FontCacheThread is a handle on the font cache service.
type FontCacheThread struct {
	sender *channel.Sender[msg]
}

// Options configures NewFontCacheThread.
type Options struct {
	TimeProfiler profile.TimeProfilerChan
	Workers      *core.WorkerGroup
}

type instanceID struct {
	font compositor.FontKey
	size float32
}

type fontCache struct {
	rx           *channel.Receiver[msg]
	resources    resource.ResourceThreads
	sink         RegistrationSink
	timeProfiler profile.TimeProfilerChan
	logger       core.Logger

	templates []*template
	instances map[instanceID]compositor.FontInstanceKey
	faces     map[instanceID]font.Face
}

// NewFontCacheThread starts the font cache service. Web fonts are fetched
// through resources; keys are allocated through sink.
func NewFontCacheThread(resources resource.ResourceThreads, sink RegistrationSink, opts Options) (*FontCacheThread, error) {
	templates, err := systemTemplates()
	if err != nil {
		return nil, fmt.Errorf("load system fonts: %w", err)
	}

	tx, rx := channel.New[msg]()
	c := &fontCache{
		rx:           rx,
		resources:    resources,
		sink:         sink,
		timeProfiler: opts.TimeProfiler,
		logger:       opts.Workers.Logger(),
		templates:    templates,
		instances:    make(map[instanceID]compositor.FontInstanceKey),
		faces:        make(map[instanceID]font.Face),
	}
	opts.Workers.Spawn("FontCache").PostTask(c.run)
	return &FontCacheThread{sender: tx}, nil
}

// Clone returns another handle on the same service.
func (f *FontCacheThread) Clone() *FontCacheThread {
	return &FontCacheThread{sender: f.sender.Clone()}
}

// Close drops this handle.
func (f *FontCacheThread) Close() {
	f.sender.Close()
}

// Exit stops the service after the requests queued before it. Later
// requests fail with channel.ErrDisconnected.
func (f *FontCacheThread) Exit() error {
	return f.sender.Send(exitMsg{})
}

// GetFontTemplate returns the face matching descriptor, registering it with
// the compositor on first use.
func (f *FontCacheThread) GetFontTemplate(descriptor FontDescriptor) (FontTemplate, error) {
	replyTx, replyRx := channel.New[result[FontTemplate]]()
	if err := f.sender.Send(getTemplateMsg{descriptor: descriptor, reply: replyTx}); err != nil {
		replyTx.Close()
		return FontTemplate{}, fmt.Errorf("get font template: %w", err)
	}
	res, err := replyRx.Recv()
	if err != nil {
		return FontTemplate{}, fmt.Errorf("get font template: %w", err)
	}
	return res.value, res.err
}

// GetFontInstance returns the instance key of font at size.
func (f *FontCacheThread) GetFontInstance(fontKey compositor.FontKey, size float32) (compositor.FontInstanceKey, error) {
	replyTx, replyRx := channel.New[result[compositor.FontInstanceKey]]()
	if err := f.sender.Send(getInstanceMsg{key: fontKey, size: size, reply: replyTx}); err != nil {
		replyTx.Close()
		return compositor.FontInstanceKey{}, fmt.Errorf("get font instance: %w", err)
	}
	res, err := replyRx.Recv()
	if err != nil {
		return compositor.FontInstanceKey{}, fmt.Errorf("get font instance: %w", err)
	}
	return res.value, res.err
}

// AddWebFont fetches url and makes it available under family.
func (f *FontCacheThread) AddWebFont(family, url string) error {
	replyTx, replyRx := channel.New[error]()
	if err := f.sender.Send(addWebFontMsg{family: family, url: url, reply: replyTx}); err != nil {
		replyTx.Close()
		return fmt.Errorf("add web font: %w", err)
	}
	res, err := replyRx.Recv()
	if err != nil {
		return fmt.Errorf("add web font: %w", err)
	}
	return res
}

func (c *fontCache) run(ctx context.Context) {
	defer c.shutdown()

	for {
		m, err := c.rx.RecvContext(ctx)
		if err != nil {
			return
		}
		start := time.Now()

		switch m := m.(type) {
		case getTemplateMsg:
			t, err := c.template(m.descriptor)
			_ = m.reply.Send(result[FontTemplate]{value: t, err: err})
			m.reply.Close()

		case getInstanceMsg:
			key, err := c.instance(m.key, m.size)
			_ = m.reply.Send(result[compositor.FontInstanceKey]{value: key, err: err})
			m.reply.Close()

		case addWebFontMsg:
			_ = m.reply.Send(c.addWebFont(ctx, m.family, m.url))
			m.reply.Close()

		case measureMsg:
			metrics, err := c.measure(m.key, m.size, m.text)
			_ = m.reply.Send(result[TextMetrics]{value: metrics, err: err})
			m.reply.Close()

		case exitMsg:
			return
		}
		core.RecordMessage(ctx, start, c.rx.Len())
	}
}

func (c *fontCache) shutdown() {
	for _, m := range c.rx.CloseAndDrain() {
		switch m := m.(type) {
		case getTemplateMsg:
			m.reply.Close()
		case getInstanceMsg:
			m.reply.Close()
		case addWebFontMsg:
			m.reply.Close()
		case measureMsg:
			m.reply.Close()
		}
	}
	for _, face := range c.faces {
		_ = face.Close()
	}
	c.logger.Debug("font cache exited")
}

func (c *fontCache) template(d FontDescriptor) (FontTemplate, error) {
	t := match(c.templates, d)
	if t == nil {
		return FontTemplate{}, fmt.Errorf("%w: %+v", ErrFontNotFound, d)
	}
	if t.registered {
		return t.FontTemplate, nil
	}

	key, err := profile.TimeProfile(c.timeProfiler, profile.CategoryFontRegistration, nil,
		func() result[compositor.FontKey] {
			key, err := c.sink.AddFont(compositor.FontData{Bytes: t.data})
			return result[compositor.FontKey]{value: key, err: err}
		}).unwrap()
	if err != nil {
		return FontTemplate{}, fmt.Errorf("register %s: %w", t.Identifier, err)
	}

	t.Key = key
	t.registered = true
	c.logger.Debug("font registered", core.F("font", t.Identifier), core.F("key", key))
	return t.FontTemplate, nil
}

func (c *fontCache) instance(fontKey compositor.FontKey, size float32) (compositor.FontInstanceKey, error) {
	id := instanceID{font: fontKey, size: size}
	if key, ok := c.instances[id]; ok {
		return key, nil
	}

	key, err := profile.TimeProfile(c.timeProfiler, profile.CategoryFontRegistration, nil,
		func() result[compositor.FontInstanceKey] {
			key, err := c.sink.AddFontInstance(fontKey, size)
			return result[compositor.FontInstanceKey]{value: key, err: err}
		}).unwrap()
	if err != nil {
		return compositor.FontInstanceKey{}, fmt.Errorf("register instance of %v at %v: %w", fontKey, size, err)
	}
	c.instances[id] = key
	return key, nil
}

func (c *fontCache) addWebFont(ctx context.Context, family, url string) error {
	resp, err := c.resources.Fetch(ctx, url)
	if err != nil {
		return fmt.Errorf("web font %s: %w", family, err)
	}
	t, err := parseTemplate(url, family, resp.Body)
	if err != nil {
		return fmt.Errorf("web font %s: %w", family, err)
	}
	// newest first, so a web font shadows a system face of the same name
	c.templates = append([]*template{t}, c.templates...)
	c.logger.Debug("web font added", core.F("family", family), core.F("url", url))
	return nil
}

func (r result[T]) unwrap() (T, error) {
	return r.value, r.err
}
