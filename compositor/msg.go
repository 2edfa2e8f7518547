package compositor

import (
	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/ids"
)

// Msg is a message to the compositor.
type Msg interface {
	isCompositorMsg()
	// drop releases any reply channel the message carries without answering.
	drop()
}

// AddFontMsg registers font bytes and answers with their key.
type AddFontMsg struct {
	Data  FontData
	Reply *channel.Sender[FontKey]
}

// AddFontInstanceMsg registers a font at a size and answers with its key.
type AddFontInstanceMsg struct {
	Key   FontKey
	Size  float32
	Reply *channel.Sender[FontInstanceKey]
}

// GenerateImageKeyMsg allocates an image key.
type GenerateImageKeyMsg struct {
	Reply *channel.Sender[ImageKey]
}

// AddImageMsg uploads pixels under a previously generated key.
type AddImageMsg struct {
	Key        ImageKey
	Descriptor ImageDescriptor
	Data       []byte
}

// UpdateDisplayListMsg replaces the display list of a pipeline.
type UpdateDisplayListMsg struct {
	List DisplayList
}

// GetDisplayListMsg answers with the latest display list of a pipeline, or
// an empty list if it never painted.
type GetDisplayListMsg struct {
	Pipeline ids.PipelineID
	Reply    *channel.Sender[DisplayList]
}

// ExitMsg stops the compositor event loop.
type ExitMsg struct{}

func (AddFontMsg) isCompositorMsg()           {}
func (AddFontInstanceMsg) isCompositorMsg()   {}
func (GenerateImageKeyMsg) isCompositorMsg()  {}
func (AddImageMsg) isCompositorMsg()          {}
func (UpdateDisplayListMsg) isCompositorMsg() {}
func (GetDisplayListMsg) isCompositorMsg()    {}
func (ExitMsg) isCompositorMsg()              {}

func (m AddFontMsg) drop()          { m.Reply.Close() }
func (m AddFontInstanceMsg) drop()  { m.Reply.Close() }
func (m GenerateImageKeyMsg) drop() { m.Reply.Close() }
func (AddImageMsg) drop()           {}
func (UpdateDisplayListMsg) drop()  {}
func (m GetDisplayListMsg) drop()   { m.Reply.Close() }
func (ExitMsg) drop()               {}
