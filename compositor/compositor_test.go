package compositor

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/image/math/fixed"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/core"
	"github.com/Swind/go-layout-harness/embedder"
	"github.com/Swind/go-layout-harness/ids"
)

func startTestCompositor(t *testing.T) (*Proxy, *embedder.Proxy) {
	t.Helper()
	workers := core.NewWorkerGroup(core.RunnerOptions{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := workers.StopAll(ctx); err != nil {
			t.Errorf("StopAll: %v", err)
		}
	})

	waker := embedder.NewHeadlessEventLoopWaker()
	tx, rx := channel.New[Msg]()
	embTx, embRx := channel.New[embedder.Msg]()
	Start(rx, embRx, waker, Options{Namespace: 9, Workers: workers})
	return NewProxy(tx, waker), embedder.NewProxy(embTx, waker)
}

// TestFontRegistrar_DistinctKeysInOrder verifies N registrations yield N
// distinct keys, each answered in request order
func TestFontRegistrar_DistinctKeysInOrder(t *testing.T) {
	proxy, _ := startTestCompositor(t)
	registrar := NewFontRegistrar(proxy.Clone())

	const n = 50
	seen := make(map[uint32]bool)
	var last uint32
	for i := 0; i < n; i++ {
		key, err := registrar.AddFont(FontData{Bytes: []byte{byte(i)}})
		if err != nil {
			t.Fatalf("AddFont %d failed: %v", i, err)
		}
		inst, err := registrar.AddFontInstance(key, float32(10+i))
		if err != nil {
			t.Fatalf("AddFontInstance %d failed: %v", i, err)
		}

		for _, id := range []uint32{key.ID, inst.ID} {
			if seen[id] {
				t.Fatalf("key id %d allocated twice", id)
			}
			if id <= last {
				t.Fatalf("key id %d allocated after %d", id, last)
			}
			seen[id] = true
			last = id
		}
		if key.Namespace != 9 || inst.Namespace != 9 {
			t.Fatalf("keys outside namespace 9: %v %v", key, inst)
		}
	}
}

// TestCompositor_QueuedRequestsAnsweredInSendOrder sends a burst of requests
// before reading any reply and checks replies follow the send order
func TestCompositor_QueuedRequestsAnsweredInSendOrder(t *testing.T) {
	proxy, _ := startTestCompositor(t)

	const n = 20
	replies := make([]*channel.Receiver[FontKey], n)
	for i := 0; i < n; i++ {
		tx, rx := channel.New[FontKey]()
		replies[i] = rx
		if err := proxy.Send(AddFontMsg{Data: FontData{Index: uint32(i)}, Reply: tx}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	var prev uint32
	for i, rx := range replies {
		key, err := rx.RecvTimeout(time.Second)
		if err != nil {
			t.Fatalf("reply %d: %v", i, err)
		}
		if key.ID <= prev {
			t.Fatalf("reply %d has id %d, previous %d", i, key.ID, prev)
		}
		prev = key.ID
	}
}

// TestCompositor_DisplayListAndImages verifies display lists are stored per
// pipeline and image keys come from the same allocator
func TestCompositor_DisplayListAndImages(t *testing.T) {
	proxy, emb := startTestCompositor(t)
	ns, _ := ids.NewInstaller().Install(1)
	pipeline := ns.NewPipelineID()

	imageKey, err := proxy.GenerateImageKey()
	if err != nil {
		t.Fatalf("GenerateImageKey: %v", err)
	}
	if err := proxy.Send(AddImageMsg{Key: imageKey, Descriptor: ImageDescriptor{Width: 1, Height: 1, Stride: 4}, Data: make([]byte, 4)}); err != nil {
		t.Fatalf("AddImage: %v", err)
	}

	// embedder traffic shares the event loop and must not stall it
	if err := emb.Send(embedder.Status{Text: "hello"}); err != nil {
		t.Fatalf("embedder Send: %v", err)
	}

	list := DisplayList{
		Pipeline: pipeline,
		Epoch:    1,
		Items: []DisplayItem{
			{Kind: ItemRect, Bounds: fixed.R(0, 0, 10, 10)},
			{Kind: ItemImage, Bounds: fixed.R(0, 0, 1, 1), Image: imageKey},
		},
	}
	if err := proxy.Send(UpdateDisplayListMsg{List: list}); err != nil {
		t.Fatalf("UpdateDisplayList: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := proxy.DisplayList(ctx, pipeline)
	if err != nil {
		t.Fatalf("DisplayList: %v", err)
	}
	if got.Epoch != 1 || len(got.Items) != 2 || !got.IsContentful() {
		t.Errorf("display list = %+v", got)
	}

	other, err := proxy.DisplayList(ctx, ns.NewPipelineID())
	if err != nil {
		t.Fatalf("DisplayList other: %v", err)
	}
	if len(other.Items) != 0 {
		t.Errorf("unpainted pipeline has items: %+v", other)
	}
}

// TestCompositor_ExitReleasesPendingRequests verifies a request queued
// behind Exit fails with a disconnect instead of hanging its sender
func TestCompositor_ExitReleasesPendingRequests(t *testing.T) {
	proxy, _ := startTestCompositor(t)
	registrar := NewFontRegistrar(proxy.Clone())

	if err := proxy.Exit(); err != nil {
		t.Fatalf("Exit: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := registrar.AddFont(FontData{})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, channel.ErrDisconnected) {
			t.Fatalf("AddFont after exit: got %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AddFont hung after compositor exit")
	}
}
