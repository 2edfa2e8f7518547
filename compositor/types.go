package compositor

import (
	"fmt"
	"image/color"

	"golang.org/x/image/math/fixed"

	"github.com/Swind/go-layout-harness/ids"
)

// IDNamespace scopes the resource keys one compositor hands out.
type IDNamespace uint32

// FontKey names font bytes registered with the compositor.
type FontKey struct {
	Namespace IDNamespace
	ID        uint32
}

func (k FontKey) String() string { return fmt.Sprintf("FontKey(%d,%d)", k.Namespace, k.ID) }

// FontInstanceKey names a registered font at one size.
type FontInstanceKey struct {
	Namespace IDNamespace
	ID        uint32
}

func (k FontInstanceKey) String() string {
	return fmt.Sprintf("FontInstanceKey(%d,%d)", k.Namespace, k.ID)
}

// ImageKey names decoded image pixels registered with the compositor.
type ImageKey struct {
	Namespace IDNamespace
	ID        uint32
}

// FontData is raw font file bytes. Index selects a face in a collection.
type FontData struct {
	Bytes []byte
	Index uint32
}

// ImageDescriptor describes the pixels sent with AddImageMsg.
type ImageDescriptor struct {
	Width  int
	Height int
	// Stride is the byte length of one row.
	Stride int
}

// =============================================================================
// Display lists
// =============================================================================

// DisplayItemKind tags a display item.
type DisplayItemKind int

const (
	ItemRect DisplayItemKind = iota
	ItemText
	ItemImage
)

// DisplayItem is one drawing command. Geometry is in fixed-point layout units.
type DisplayItem struct {
	Kind   DisplayItemKind
	Bounds fixed.Rectangle26_6
	Color  color.RGBA
	Font   FontInstanceKey
	Text   string
	Image  ImageKey
}

// DisplayList is what one reflow of one pipeline painted.
type DisplayList struct {
	Pipeline ids.PipelineID
	Epoch    uint64
	Viewport fixed.Rectangle26_6
	Items    []DisplayItem
}

// IsContentful reports whether the list paints text or images.
func (dl DisplayList) IsContentful() bool {
	for _, item := range dl.Items {
		if item.Kind == ItemText || item.Kind == ItemImage {
			return true
		}
	}
	return false
}
