// Package compositor is the headless compositor of the pipeline: it owns the
// resource key namespace (fonts, font instances, images) and the latest
// display list of every pipeline.
//
// The compositor runs the headless event loop. It parks on the shared
// HeadlessEventLoopWaker and, on every wake, drains both its own mailbox and
// the embedder's. Every Proxy.Send wakes it, so no message is left waiting.
package compositor

import (
	"context"
	"errors"
	"time"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/core"
	"github.com/Swind/go-layout-harness/embedder"
	"github.com/Swind/go-layout-harness/ids"
)

// Options configures Start.
type Options struct {
	// Namespace scopes the keys this compositor allocates. Defaults to 1.
	Namespace IDNamespace

	Workers *core.WorkerGroup
}

type fontInstance struct {
	font FontKey
	size float32
}

type compositor struct {
	rx         *channel.Receiver[Msg]
	embedderRx *channel.Receiver[embedder.Msg]
	waker      *embedder.HeadlessEventLoopWaker
	logger     core.Logger

	namespace    IDNamespace
	nextID       uint32
	fonts        map[FontKey]FontData
	instances    map[FontInstanceKey]fontInstance
	images       map[ImageKey]ImageDescriptor
	displayLists map[ids.PipelineID]DisplayList
	exited       bool
}

// Start runs the compositor event loop on its own runner. It takes ownership
// of both receivers; embedderRx may be nil.
func Start(
	rx *channel.Receiver[Msg],
	embedderRx *channel.Receiver[embedder.Msg],
	waker *embedder.HeadlessEventLoopWaker,
	opts Options,
) {
	ns := opts.Namespace
	if ns == 0 {
		ns = 1
	}

	c := &compositor{
		rx:           rx,
		embedderRx:   embedderRx,
		waker:        waker,
		logger:       opts.Workers.Logger(),
		namespace:    ns,
		fonts:        make(map[FontKey]FontData),
		instances:    make(map[FontInstanceKey]fontInstance),
		images:       make(map[ImageKey]ImageDescriptor),
		displayLists: make(map[ids.PipelineID]DisplayList),
	}
	opts.Workers.Spawn("Compositor").PostTask(c.run)
}

func (c *compositor) run(ctx context.Context) {
	defer c.shutdown()
	for {
		if disconnected := c.drain(ctx); disconnected || c.exited {
			return
		}
		if !c.waker.WaitContext(ctx) {
			return
		}
	}
}

// drain handles everything queued. It reports whether every compositor
// proxy is gone.
func (c *compositor) drain(ctx context.Context) bool {
	if c.embedderRx != nil {
		for {
			msg, err := c.embedderRx.TryRecv()
			if err != nil {
				break
			}
			c.handleEmbedderMsg(msg)
		}
	}

	for !c.exited {
		msg, err := c.rx.TryRecv()
		if errors.Is(err, channel.ErrEmpty) {
			return false
		}
		if err != nil {
			return true
		}
		start := time.Now()
		c.handle(msg)
		core.RecordMessage(ctx, start, c.rx.Len())
	}
	return false
}

func (c *compositor) shutdown() {
	for _, msg := range c.rx.CloseAndDrain() {
		msg.drop()
	}
	if c.embedderRx != nil {
		c.embedderRx.Close()
	}
	c.logger.Debug("compositor exited")
}

func (c *compositor) allocate() uint32 {
	c.nextID++
	return c.nextID
}

func (c *compositor) handle(msg Msg) {
	switch m := msg.(type) {
	case AddFontMsg:
		key := FontKey{Namespace: c.namespace, ID: c.allocate()}
		c.fonts[key] = m.Data
		c.logger.Debug("font added", core.F("key", key), core.F("bytes", len(m.Data.Bytes)))
		_ = m.Reply.Send(key)
		m.Reply.Close()

	case AddFontInstanceMsg:
		if _, ok := c.fonts[m.Key]; !ok {
			c.logger.Warn("font instance for unknown font", core.F("key", m.Key))
		}
		key := FontInstanceKey{Namespace: c.namespace, ID: c.allocate()}
		c.instances[key] = fontInstance{font: m.Key, size: m.Size}
		c.logger.Debug("font instance added", core.F("key", key), core.F("font", m.Key), core.F("size", m.Size))
		_ = m.Reply.Send(key)
		m.Reply.Close()

	case GenerateImageKeyMsg:
		_ = m.Reply.Send(ImageKey{Namespace: c.namespace, ID: c.allocate()})
		m.Reply.Close()

	case AddImageMsg:
		c.images[m.Key] = m.Descriptor

	case UpdateDisplayListMsg:
		c.displayLists[m.List.Pipeline] = m.List
		c.logger.Debug("display list updated",
			core.F("pipeline", m.List.Pipeline),
			core.F("epoch", m.List.Epoch),
			core.F("items", len(m.List.Items)),
		)

	case GetDisplayListMsg:
		_ = m.Reply.Send(c.displayLists[m.Pipeline])
		m.Reply.Close()

	case ExitMsg:
		c.exited = true
	}
}

func (c *compositor) handleEmbedderMsg(msg embedder.Msg) {
	switch m := msg.(type) {
	case embedder.ResourceLoadBlocked:
		c.logger.Info("resource load blocked", core.F("url", m.URL), core.F("reason", m.Reason))
	case embedder.Status:
		c.logger.Info("status", core.F("text", m.Text))
	}
}
