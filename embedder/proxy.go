// Package embedder holds the pieces the embedding application provides to
// the engine: the event-loop waker and the proxy the engine uses to talk back
// to the embedder.
package embedder

import (
	"fmt"

	"github.com/Swind/go-layout-harness/channel"
)

// Msg is a message from the engine to the embedder.
type Msg interface {
	isEmbedderMsg()
}

// ResourceLoadBlocked reports a load the resource loader refused to perform.
type ResourceLoadBlocked struct {
	URL    string
	Reason string
}

// Status carries a free-form status line.
type Status struct {
	Text string
}

func (ResourceLoadBlocked) isEmbedderMsg() {}
func (Status) isEmbedderMsg()              {}

// Proxy sends messages to the embedder and wakes its event loop.
type Proxy struct {
	sender *channel.Sender[Msg]
	waker  EventLoopWaker
}

// NewProxy creates a proxy over sender. The proxy takes ownership of sender.
func NewProxy(sender *channel.Sender[Msg], waker EventLoopWaker) *Proxy {
	return &Proxy{sender: sender, waker: waker}
}

// Send enqueues msg and wakes the event loop.
func (p *Proxy) Send(msg Msg) error {
	if err := p.sender.Send(msg); err != nil {
		return fmt.Errorf("embedder proxy: %w", err)
	}
	p.waker.Wake()
	return nil
}

// Clone returns an independent handle on the same embedder channel.
func (p *Proxy) Clone() *Proxy {
	return &Proxy{sender: p.sender.Clone(), waker: p.waker.Clone()}
}

// Waker returns the proxy's event-loop waker.
func (p *Proxy) Waker() EventLoopWaker {
	return p.waker
}
