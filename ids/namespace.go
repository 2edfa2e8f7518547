// Package ids mints process-unique identifiers for pipelines and browsing
// contexts.
//
// Identifiers are (namespace, index) pairs. A namespace id is installed once
// per process through an Installer, which returns the PipelineNamespace
// handle that all further minting goes through:
//
//	installer := ids.NewInstaller()
//	ns, err := installer.Install(ids.PipelineNamespaceID(1))
//	pipelineID := ns.NewPipelineID()
package ids

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Swind/go-layout-harness/channel"
)

var (
	// ErrNamespaceInstalled is returned when Install is called a second time.
	ErrNamespaceInstalled = errors.New("ids: pipeline namespace already installed")

	// ErrNamespaceNotInstalled is the panic value of minting from a namespace
	// that was never installed.
	ErrNamespaceNotInstalled = errors.New("ids: pipeline namespace not installed")

	// ErrNoNamespaceAuthority is returned by RequestNamespace when no request
	// sender was configured.
	ErrNoNamespaceAuthority = errors.New("ids: no namespace request sender")
)

// PipelineNamespaceID is assigned once per process.
type PipelineNamespaceID uint32

// PipelineIndex increases monotonically within a namespace, starting at 1.
type PipelineIndex uint32

// PipelineID identifies one page's layout context.
type PipelineID struct {
	NamespaceID PipelineNamespaceID
	Index       PipelineIndex
}

func (id PipelineID) String() string {
	return fmt.Sprintf("(%d,%d)", id.NamespaceID, id.Index)
}

// BrowsingContextID identifies a browsing context (a frame).
type BrowsingContextID struct {
	NamespaceID PipelineNamespaceID
	Index       uint32
}

func (id BrowsingContextID) String() string {
	return fmt.Sprintf("BrowsingContext(%d,%d)", id.NamespaceID, id.Index)
}

// TopLevelBrowsingContextID is the browsing context of a top-level document.
type TopLevelBrowsingContextID struct {
	BrowsingContextID
}

// PipelineNamespace mints identifiers from one installed namespace id.
//
// The zero value is an uninstalled namespace; minting from it panics with
// ErrNamespaceNotInstalled.
type PipelineNamespace struct {
	id               PipelineNamespaceID
	installed        bool
	nextIndex        atomic.Uint32
	nextContextIndex atomic.Uint32
}

// ID returns the installed namespace id.
func (n *PipelineNamespace) ID() PipelineNamespaceID {
	n.mustBeInstalled()
	return n.id
}

// NewPipelineID returns a pipeline id never returned before by this namespace.
// It never blocks.
func (n *PipelineNamespace) NewPipelineID() PipelineID {
	n.mustBeInstalled()
	return PipelineID{
		NamespaceID: n.id,
		Index:       PipelineIndex(n.nextIndex.Add(1)),
	}
}

// NewBrowsingContextID mints a browsing context id.
func (n *PipelineNamespace) NewBrowsingContextID() BrowsingContextID {
	n.mustBeInstalled()
	return BrowsingContextID{
		NamespaceID: n.id,
		Index:       n.nextContextIndex.Add(1),
	}
}

// NewTopLevelBrowsingContextID mints a top-level browsing context id.
func (n *PipelineNamespace) NewTopLevelBrowsingContextID() TopLevelBrowsingContextID {
	return TopLevelBrowsingContextID{n.NewBrowsingContextID()}
}

func (n *PipelineNamespace) mustBeInstalled() {
	if n == nil || !n.installed {
		panic(ErrNamespaceNotInstalled)
	}
}

// =============================================================================
// Installer
// =============================================================================

// NamespaceRequest asks a namespace authority for a fresh namespace id.
type NamespaceRequest struct {
	Reply *channel.Sender[PipelineNamespaceID]
}

// Installer installs the process namespace exactly once, and can ask an
// out-of-process authority for namespace ids over its request sender.
type Installer struct {
	mu        sync.Mutex
	namespace *PipelineNamespace
	requests  *channel.Sender[NamespaceRequest]
}

// NewInstaller creates an Installer with nothing installed.
func NewInstaller() *Installer {
	return &Installer{}
}

// SetSender sets the channel namespace requests are sent on.
func (i *Installer) SetSender(sender *channel.Sender[NamespaceRequest]) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.requests = sender
}

// Install installs id as the process namespace and returns its handle.
// A second call fails with ErrNamespaceInstalled; callers treat that as fatal.
func (i *Installer) Install(id PipelineNamespaceID) (*PipelineNamespace, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.namespace != nil {
		return nil, fmt.Errorf("install namespace %d over %d: %w", id, i.namespace.id, ErrNamespaceInstalled)
	}

	i.namespace = &PipelineNamespace{id: id, installed: true}
	return i.namespace, nil
}

// Namespace returns the installed namespace, or nil.
func (i *Installer) Namespace() *PipelineNamespace {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.namespace
}

// RequestNamespace asks the namespace authority for a namespace id and blocks
// for the answer. Without a listener on the far end it blocks until ctx ends.
func (i *Installer) RequestNamespace(ctx context.Context) (PipelineNamespaceID, error) {
	i.mu.Lock()
	requests := i.requests
	i.mu.Unlock()

	if requests == nil {
		return 0, ErrNoNamespaceAuthority
	}

	replyTx, replyRx := channel.New[PipelineNamespaceID]()
	if err := requests.Send(NamespaceRequest{Reply: replyTx}); err != nil {
		replyTx.Close()
		return 0, fmt.Errorf("send namespace request: %w", err)
	}

	id, err := replyRx.RecvContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("receive namespace id: %w", err)
	}
	return id, nil
}
