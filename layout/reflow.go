package layout

import (
	"fmt"
	"sync"

	"golang.org/x/image/math/fixed"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/ids"
)

// Size is a width and height in CSS pixels.
type Size struct {
	Width  float32
	Height float32
}

// WindowSizeData is the viewport a document is laid out in.
type WindowSizeData struct {
	InitialViewport  Size
	DevicePixelRatio float32
}

// DeviceViewport is the viewport in device pixels, in fixed-point units.
func (w WindowSizeData) DeviceViewport() fixed.Rectangle26_6 {
	dpr := w.DevicePixelRatio
	if dpr <= 0 {
		dpr = 1
	}
	return fixed.Rectangle26_6{
		Max: fixed.Point26_6{
			X: fixed.Int26_6(w.InitialViewport.Width * dpr * 64),
			Y: fixed.Int26_6(w.InitialViewport.Height * dpr * 64),
		},
	}
}

// Origin is a tuple origin.
type Origin struct {
	Scheme string
	Host   string
	Port   uint16
}

func (o Origin) String() string {
	return fmt.Sprintf("%s://%s:%d", o.Scheme, o.Host, o.Port)
}

// ReflowGoal says what a reflow has to produce.
type ReflowGoal int

const (
	// ReflowGoalFull lays out and paints the whole document.
	ReflowGoalFull ReflowGoal = iota
	// ReflowGoalLayoutQuery lays out without painting.
	ReflowGoalLayoutQuery
)

func (g ReflowGoal) String() string {
	if g == ReflowGoalLayoutQuery {
		return "layout-query"
	}
	return "full"
}

// NodeID addresses a node of the script thread's document.
type NodeID uint64

// ReflowComplete is the single completion signal of a reflow.
type ReflowComplete struct {
	Pipeline ids.PipelineID
	Epoch    uint64
	Goal     ReflowGoal
	// Items is the size of the display list sent to the compositor, zero
	// when nothing was painted.
	Items int
}

// ScriptReflow is one reflow request.
//
// ScriptJoin receives exactly one ReflowComplete and is then closed. If the
// layout worker dies first, ScriptJoin is closed without a value.
type ScriptReflow struct {
	PageClipRect       fixed.Rectangle26_6
	WindowSize         WindowSizeData
	StylesheetsChanged bool
	Animations         DocumentAnimationSet
	// DirtyRoot is the root of the restyle, nil for a full restyle.
	DirtyRoot              *NodeID
	Origin                 Origin
	Goal                   ReflowGoal
	ScriptJoin             *channel.Sender[ReflowComplete]
	DOMCount               uint32
	AnimationTimelineValue float64
	// Images lists image URLs referenced by the document. Loaded ones are
	// painted; the rest are skipped until a later reflow.
	Images []string
}

// =============================================================================
// Animations
// =============================================================================

// AnimationSetKey addresses the animations of one element or pseudo-element.
type AnimationSetKey struct {
	Node          NodeID
	PseudoElement string
}

// ElementAnimationSet is the animation state of one element.
type ElementAnimationSet struct {
	Names []string
	Dirty bool
}

type animationSets struct {
	mu   sync.RWMutex
	sets map[AnimationSetKey]ElementAnimationSet
}

// DocumentAnimationSet is the animation state of a document. Copies share
// the same state; reads take the read lock, writes the write lock. The zero
// value is an empty set.
type DocumentAnimationSet struct {
	shared *animationSets
}

// NewDocumentAnimationSet returns an empty set.
func NewDocumentAnimationSet() DocumentAnimationSet {
	return DocumentAnimationSet{shared: &animationSets{sets: make(map[AnimationSetKey]ElementAnimationSet)}}
}

// Get returns the animations of key.
func (d DocumentAnimationSet) Get(key AnimationSetKey) (ElementAnimationSet, bool) {
	if d.shared == nil {
		return ElementAnimationSet{}, false
	}
	d.shared.mu.RLock()
	defer d.shared.mu.RUnlock()
	s, ok := d.shared.sets[key]
	return s, ok
}

// Set replaces the animations of key. A zero set allocates its state on the
// first Set; copies taken before that do not see it.
func (d *DocumentAnimationSet) Set(key AnimationSetKey, set ElementAnimationSet) {
	if d.shared == nil {
		*d = NewDocumentAnimationSet()
	}
	d.shared.mu.Lock()
	defer d.shared.mu.Unlock()
	d.shared.sets[key] = set
}

// Len returns the number of animated elements.
func (d DocumentAnimationSet) Len() int {
	if d.shared == nil {
		return 0
	}
	d.shared.mu.RLock()
	defer d.shared.mu.RUnlock()
	return len(d.shared.sets)
}

// Dirty counts the element sets with pending updates.
func (d DocumentAnimationSet) Dirty() int {
	if d.shared == nil {
		return 0
	}
	d.shared.mu.RLock()
	defer d.shared.mu.RUnlock()

	n := 0
	for _, s := range d.shared.sets {
		if s.Dirty {
			n++
		}
	}
	return n
}
