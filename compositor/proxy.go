package compositor

import (
	"context"
	"fmt"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/embedder"
	"github.com/Swind/go-layout-harness/ids"
)

// Proxy is the compositor's mailbox. Sending wakes the event loop.
type Proxy struct {
	sender *channel.Sender[Msg]
	waker  embedder.EventLoopWaker
}

// NewProxy creates a proxy over sender. The proxy takes ownership of sender.
func NewProxy(sender *channel.Sender[Msg], waker embedder.EventLoopWaker) *Proxy {
	return &Proxy{sender: sender, waker: waker}
}

// Send enqueues msg and wakes the event loop.
func (p *Proxy) Send(msg Msg) error {
	if err := p.sender.Send(msg); err != nil {
		return fmt.Errorf("compositor proxy: %w", err)
	}
	p.waker.Wake()
	return nil
}

// Clone returns an independent handle on the same compositor.
func (p *Proxy) Clone() *Proxy {
	return &Proxy{sender: p.sender.Clone(), waker: p.waker.Clone()}
}

// Close drops this handle.
func (p *Proxy) Close() {
	p.sender.Close()
}

// GenerateImageKey allocates an image key. It blocks until the compositor
// answers.
func (p *Proxy) GenerateImageKey() (ImageKey, error) {
	replyTx, replyRx := channel.New[ImageKey]()
	if err := p.Send(GenerateImageKeyMsg{Reply: replyTx}); err != nil {
		replyTx.Close()
		return ImageKey{}, err
	}
	key, err := replyRx.Recv()
	if err != nil {
		return ImageKey{}, fmt.Errorf("generate image key: %w", err)
	}
	return key, nil
}

// DisplayList fetches the latest display list of pipeline.
func (p *Proxy) DisplayList(ctx context.Context, pipeline ids.PipelineID) (DisplayList, error) {
	replyTx, replyRx := channel.New[DisplayList]()
	if err := p.Send(GetDisplayListMsg{Pipeline: pipeline, Reply: replyTx}); err != nil {
		replyTx.Close()
		return DisplayList{}, err
	}
	dl, err := replyRx.RecvContext(ctx)
	if err != nil {
		return DisplayList{}, fmt.Errorf("get display list: %w", err)
	}
	return dl, nil
}

// Exit asks the event loop to stop after the messages queued before it.
func (p *Proxy) Exit() error {
	return p.Send(ExitMsg{})
}

// =============================================================================
// Font registration
// =============================================================================

// FontRegistrar is the font cache's way into the compositor.
//
// Each call sends one request and parks the calling goroutine on the reply,
// with no timeout. This is deliberately synchronous: the font cache cannot
// hand out a key the compositor has not allocated, and replies come back in
// request order because one compositor goroutine answers them all. A
// compositor that never answers blocks the caller forever; one that exits
// makes the call fail with channel.ErrDisconnected.
type FontRegistrar struct {
	proxy *Proxy
}

// NewFontRegistrar wraps proxy. The registrar takes ownership of proxy.
func NewFontRegistrar(proxy *Proxy) *FontRegistrar {
	return &FontRegistrar{proxy: proxy}
}

// AddFont registers font bytes and returns the allocated key.
func (r *FontRegistrar) AddFont(data FontData) (FontKey, error) {
	replyTx, replyRx := channel.New[FontKey]()
	if err := r.proxy.Send(AddFontMsg{Data: data, Reply: replyTx}); err != nil {
		replyTx.Close()
		return FontKey{}, fmt.Errorf("add font: %w", err)
	}
	key, err := replyRx.Recv()
	if err != nil {
		return FontKey{}, fmt.Errorf("add font: %w", err)
	}
	return key, nil
}

// AddFontInstance registers key at size and returns the allocated key.
func (r *FontRegistrar) AddFontInstance(key FontKey, size float32) (FontInstanceKey, error) {
	replyTx, replyRx := channel.New[FontInstanceKey]()
	if err := r.proxy.Send(AddFontInstanceMsg{Key: key, Size: size, Reply: replyTx}); err != nil {
		replyTx.Close()
		return FontInstanceKey{}, fmt.Errorf("add font instance: %w", err)
	}
	instance, err := replyRx.Recv()
	if err != nil {
		return FontInstanceKey{}, fmt.Errorf("add font instance: %w", err)
	}
	return instance, nil
}
