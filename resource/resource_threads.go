// Package resource answers load requests for the pipeline and caches decoded
// images.
//
// There is no network access: about:, data: and file: URLs are served, and
// http(s) loads are refused and reported to the embedder.
package resource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Swind/go-layout-harness/channel"
	"github.com/Swind/go-layout-harness/core"
	"github.com/Swind/go-layout-harness/embedder"
	"github.com/Swind/go-layout-harness/profile"
)

var (
	// ErrNetworkDisabled is returned for http and https loads.
	ErrNetworkDisabled = errors.New("resource: network access disabled")

	// ErrUnsupportedScheme is returned for schemes the loader does not serve.
	ErrUnsupportedScheme = errors.New("resource: unsupported scheme")

	// ErrMalformedURL is returned for URLs that do not parse.
	ErrMalformedURL = errors.New("resource: malformed url")
)

// FetchRequest is one load.
type FetchRequest struct {
	ID  uuid.UUID
	URL string
}

// FetchResponse answers a FetchRequest. Err is set when the load failed.
type FetchResponse struct {
	ID          uuid.UUID
	URL         string
	ContentType string
	Body        []byte
	Err         error
}

// Msg is a message to the resource thread.
type Msg interface {
	isResourceMsg()
}

// FetchMsg asks for a load; the response goes to Reply.
type FetchMsg struct {
	Request FetchRequest
	Private bool
	Reply   *channel.Sender[FetchResponse]
}

// CollectReportsMsg asks for memory reports.
type CollectReportsMsg struct {
	Reply *channel.Sender[[]profile.Report]
}

func (FetchMsg) isResourceMsg()          {}
func (CollectReportsMsg) isResourceMsg() {}

// ResourceThreads is a handle on the resource thread. Handles created by
// NewResourceThreads differ only in whether their loads are private: private
// loads bypass the response cache.
type ResourceThreads struct {
	sender  *channel.Sender[Msg]
	private bool
}

// Sender returns a new sending handle on the resource thread.
func (r ResourceThreads) Sender() *channel.Sender[Msg] {
	return r.sender.Clone()
}

// Private reports whether loads through this handle are private.
func (r ResourceThreads) Private() bool {
	return r.private
}

// Fetch loads rawURL and waits for the response.
func (r ResourceThreads) Fetch(ctx context.Context, rawURL string) (FetchResponse, error) {
	return Fetch(ctx, r.sender, rawURL, r.private)
}

// Fetch loads rawURL through sender and waits for the response.
func Fetch(ctx context.Context, sender *channel.Sender[Msg], rawURL string, private bool) (FetchResponse, error) {
	replyTx, replyRx := channel.New[FetchResponse]()
	req := FetchRequest{ID: uuid.New(), URL: rawURL}
	if err := sender.Send(FetchMsg{Request: req, Private: private, Reply: replyTx}); err != nil {
		replyTx.Close()
		return FetchResponse{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	resp, err := replyRx.RecvContext(ctx)
	if err != nil {
		return FetchResponse{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if resp.Err != nil {
		return resp, fmt.Errorf("fetch %s: %w", rawURL, resp.Err)
	}
	return resp, nil
}

// CollectReports implements profile.Reporter.
func (r ResourceThreads) CollectReports(reply *channel.Sender[[]profile.Report]) error {
	return r.sender.Send(CollectReportsMsg{Reply: reply})
}

// Options configures NewResourceThreads.
type Options struct {
	UserAgent    string
	TimeProfiler profile.TimeProfilerChan
	MemProfiler  profile.MemProfilerChan
	Embedder     *embedder.Proxy
	Workers      *core.WorkerGroup
}

type resourceManager struct {
	rx           *channel.Receiver[Msg]
	userAgent    string
	timeProfiler profile.TimeProfilerChan
	embedder     *embedder.Proxy
	logger       core.Logger
	cache        map[string]FetchResponse
}

// NewResourceThreads starts the resource thread and returns its public and
// private handles. The thread registers itself with the memory profiler as
// "resource-threads".
func NewResourceThreads(opts Options) (public, private ResourceThreads, err error) {
	tx, rx := channel.New[Msg]()
	m := &resourceManager{
		rx:           rx,
		userAgent:    opts.UserAgent,
		timeProfiler: opts.TimeProfiler,
		embedder:     opts.Embedder,
		logger:       opts.Workers.Logger(),
		cache:        make(map[string]FetchResponse),
	}
	opts.Workers.Spawn("ResourceManager").PostTask(m.run)

	public = ResourceThreads{sender: tx}
	private = ResourceThreads{sender: tx.Clone(), private: true}

	if err := opts.MemProfiler.RegisterReporter("resource-threads", ResourceThreads{sender: tx.Clone()}); err != nil {
		return public, private, fmt.Errorf("register resource reporter: %w", err)
	}
	return public, private, nil
}

func (m *resourceManager) run(ctx context.Context) {
	defer func() {
		for _, msg := range m.rx.CloseAndDrain() {
			switch msg := msg.(type) {
			case FetchMsg:
				msg.Reply.Close()
			case CollectReportsMsg:
				msg.Reply.Close()
			}
		}
	}()

	for {
		msg, err := m.rx.RecvContext(ctx)
		if err != nil {
			return
		}
		start := time.Now()

		switch msg := msg.(type) {
		case FetchMsg:
			resp := profile.TimeProfile(m.timeProfiler, profile.CategoryNetworkFetch,
				&profile.TimerMetadata{URL: msg.Request.URL},
				func() FetchResponse { return m.fetch(msg.Request, msg.Private) })
			_ = msg.Reply.Send(resp)
			msg.Reply.Close()

		case CollectReportsMsg:
			var size uint64
			for _, resp := range m.cache {
				size += uint64(len(resp.Body))
			}
			_ = msg.Reply.Send([]profile.Report{{
				Path: []string{"resource-threads", "response-cache"},
				Kind: profile.ReportExplicitHeap,
				Size: size,
			}})
			msg.Reply.Close()
		}
		core.RecordMessage(ctx, start, m.rx.Len())
	}
}

func (m *resourceManager) fetch(req FetchRequest, private bool) FetchResponse {
	if !private {
		if cached, ok := m.cache[req.URL]; ok {
			cached.ID = req.ID
			return cached
		}
	}

	resp := FetchResponse{ID: req.ID, URL: req.URL}
	resp.ContentType, resp.Body, resp.Err = m.load(req.URL)
	m.logger.Debug("fetch",
		core.F("id", req.ID),
		core.F("url", req.URL),
		core.F("bytes", len(resp.Body)),
		core.F("error", resp.Err),
	)

	if resp.Err == nil && !private {
		m.cache[req.URL] = resp
	}
	return resp
}

func (m *resourceManager) load(rawURL string) (string, []byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}

	switch u.Scheme {
	case "about":
		if u.Opaque != "blank" {
			return "", nil, fmt.Errorf("%w: about:%s", ErrUnsupportedScheme, u.Opaque)
		}
		return "text/html;charset=utf-8", []byte{}, nil

	case "data":
		return parseDataURL(rawURL)

	case "file":
		body, err := os.ReadFile(filepath.FromSlash(u.Path))
		if err != nil {
			return "", nil, err
		}
		contentType := mime.TypeByExtension(filepath.Ext(u.Path))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return contentType, body, nil

	case "http", "https":
		if m.embedder != nil {
			_ = m.embedder.Send(embedder.ResourceLoadBlocked{URL: rawURL, Reason: ErrNetworkDisabled.Error()})
		}
		return "", nil, ErrNetworkDisabled

	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// parseDataURL decodes data:[<mediatype>][;base64],<data>
func parseDataURL(rawURL string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(rawURL, "data:")
	if !ok {
		return "", nil, ErrMalformedURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: data url without comma", ErrMalformedURL)
	}

	meta, isBase64 := strings.CutSuffix(meta, ";base64")
	contentType := meta
	if contentType == "" {
		contentType = "text/plain;charset=US-ASCII"
	}

	if isBase64 {
		body, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
		}
		return contentType, body, nil
	}

	body, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	return contentType, []byte(body), nil
}
