package resource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/compositor"
	"github.com/Swind/go-layout-harness/core"
	"github.com/Swind/go-layout-harness/profile"
)

// ErrImageNotStored is returned by Find for URLs no one stored.
var ErrImageNotStored = errors.New("resource: image not stored")

// ImageState is the lifecycle of one cache entry.
type ImageState int

const (
	ImageNotRequested ImageState = iota
	ImagePending
	ImageLoaded
	ImageFailed
)

func (s ImageState) String() string {
	switch s {
	case ImageNotRequested:
		return "not-requested"
	case ImagePending:
		return "pending"
	case ImageLoaded:
		return "loaded"
	case ImageFailed:
		return "failed"
	default:
		return fmt.Sprintf("ImageState(%d)", int(s))
	}
}

// Image is a decoded image uploaded to the compositor.
type Image struct {
	URL    string
	Format string
	Width  int
	Height int
	Key    compositor.ImageKey
}

// ImageResponse reports the state of one URL. Image is set when State is
// ImageLoaded, Err when it is ImageFailed.
type ImageResponse struct {
	URL   string
	State ImageState
	Image *Image
	Err   error
}

// ImageCache is shared by every layout worker of a process. Decoding happens
// off the caller's goroutine; Find never blocks on it.
type ImageCache interface {
	// Find returns the current state of url.
	Find(url string) ImageResponse

	// Store hands encoded bytes for url to the cache and starts decoding.
	// Storing a URL that is pending or loaded is a no-op.
	Store(url string, data []byte)

	// AddListener delivers the final response for url to listener, then
	// closes it. If url is already final the delivery is immediate.
	AddListener(url string, listener *channel.Sender[ImageResponse])
}

// ImageCacheOptions configures NewImageCache.
type ImageCacheOptions struct {
	Compositor   *compositor.Proxy
	TimeProfiler profile.TimeProfilerChan
	Workers      *core.WorkerGroup
}

type imageEntry struct {
	response  ImageResponse
	listeners []*channel.Sender[ImageResponse]
}

type imageCache struct {
	decoder      core.TaskRunner
	cacheRunner  core.TaskRunner
	compositor   *compositor.Proxy
	timeProfiler profile.TimeProfilerChan
	logger       core.Logger

	mu      sync.Mutex
	entries map[string]*imageEntry
}

// NewImageCache creates the cache with its decode and upload runners. The
// cache takes ownership of opts.Compositor.
func NewImageCache(opts ImageCacheOptions) ImageCache {
	return &imageCache{
		decoder:      opts.Workers.Spawn("ImageDecoder"),
		cacheRunner:  opts.Workers.Spawn("ImageCache"),
		compositor:   opts.Compositor,
		timeProfiler: opts.TimeProfiler,
		logger:       opts.Workers.Logger(),
		entries:      make(map[string]*imageEntry),
	}
}

func (c *imageCache) Find(url string) ImageResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[url]; ok {
		return e.response
	}
	return ImageResponse{URL: url, State: ImageNotRequested, Err: ErrImageNotStored}
}

func (c *imageCache) Store(url string, data []byte) {
	c.mu.Lock()
	if e, ok := c.entries[url]; ok && e.response.State != ImageFailed {
		c.mu.Unlock()
		return
	}
	c.entries[url] = &imageEntry{response: ImageResponse{URL: url, State: ImagePending}}
	c.mu.Unlock()

	core.PostTaskAndReplyWithResult(
		c.decoder,
		func(ctx context.Context) (decodedImage, error) {
			return profile.TimeProfile(c.timeProfiler, profile.CategoryImageDecode,
				&profile.TimerMetadata{URL: url},
				func() decodedImage { return decode(data) }), nil
		},
		func(ctx context.Context, d decodedImage, _ error) {
			c.finish(url, d)
		},
		c.cacheRunner,
	)
}

func (c *imageCache) AddListener(url string, listener *channel.Sender[ImageResponse]) {
	c.mu.Lock()
	e, ok := c.entries[url]
	if ok && e.response.State == ImagePending {
		e.listeners = append(e.listeners, listener)
		c.mu.Unlock()
		return
	}
	resp := ImageResponse{URL: url, State: ImageNotRequested, Err: ErrImageNotStored}
	if ok {
		resp = e.response
	}
	c.mu.Unlock()

	_ = listener.Send(resp)
	listener.Close()
}

type decodedImage struct {
	format string
	rgba   *image.RGBA
	err    error
}

func decode(data []byte) decodedImage {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return decodedImage{err: err}
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return decodedImage{format: format, rgba: rgba}
}

// finish runs on the cache runner: it uploads a decoded image and settles
// the entry.
func (c *imageCache) finish(url string, d decodedImage) {
	resp := ImageResponse{URL: url}
	if d.err != nil {
		resp.State = ImageFailed
		resp.Err = fmt.Errorf("decode %s: %w", url, d.err)
	} else if key, err := c.upload(d.rgba); err != nil {
		resp.State = ImageFailed
		resp.Err = err
	} else {
		resp.State = ImageLoaded
		resp.Image = &Image{
			URL:    url,
			Format: d.format,
			Width:  d.rgba.Rect.Dx(),
			Height: d.rgba.Rect.Dy(),
			Key:    key,
		}
	}
	c.logger.Debug("image settled", core.F("url", url), core.F("state", resp.State), core.F("error", resp.Err))

	c.mu.Lock()
	e := c.entries[url]
	e.response = resp
	listeners := e.listeners
	e.listeners = nil
	c.mu.Unlock()

	for _, l := range listeners {
		_ = l.Send(resp)
		l.Close()
	}
}

func (c *imageCache) upload(rgba *image.RGBA) (compositor.ImageKey, error) {
	key, err := c.compositor.GenerateImageKey()
	if err != nil {
		return compositor.ImageKey{}, err
	}
	desc := compositor.ImageDescriptor{
		Width:  rgba.Rect.Dx(),
		Height: rgba.Rect.Dy(),
		Stride: rgba.Stride,
	}
	if err := c.compositor.Send(compositor.AddImageMsg{Key: key, Descriptor: desc, Data: rgba.Pix}); err != nil {
		return compositor.ImageKey{}, err
	}
	return key, nil
}
