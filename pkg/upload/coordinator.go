// Package upload manages attachment transfers for the session engine: one
// multipart POST at a time, with progress reporting and cancellation. It is
// independent of the chat transport; a dropped websocket does not touch an
// in-flight upload.
package upload

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultMaxFileSize is the upload size cutoff (100MB).
const DefaultMaxFileSize = 100 << 20

var (
	ErrAlreadyInFlight    = errors.New("an upload is already in flight")
	ErrFileUnreadable     = errors.New("file cannot be read")
	ErrFileTooLarge       = errors.New("file exceeds the upload size limit")
	ErrNetworkUnavailable = errors.New("upload endpoint unreachable")
	ErrUploadRejected     = errors.New("upload rejected by server")
)

type TaskState int

const (
	StatePending TaskState = iota
	StateInFlight
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

type Progress struct {
	Sent  int64
	Total int64
}

// Task is the handle for one transfer. Progress carries the latest byte
// count (stale updates are shed); Done closes exactly once when the task
// settles, after which Link/Err/State are stable.
type Task struct {
	id     string
	path   string
	total  int64
	cancel context.CancelFunc

	progress chan Progress
	done     chan struct{}

	mu    sync.Mutex
	state TaskState
	link  string
	err   error
}

func (t *Task) ID() string { return t.id }

func (t *Task) Path() string { return t.path }

func (t *Task) Total() int64 { return t.total }

func (t *Task) Progress() <-chan Progress { return t.progress }

func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Link returns the server-provided content link once the task succeeded.
func (t *Task) Link() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link
}

// Err returns the settling error for failed or cancelled tasks.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancel aborts the transfer. The task settles as cancelled, never retried.
// Cancelling a settled task is a no-op.
func (t *Task) Cancel() {
	t.cancel()
}

func (t *Task) setState(s TaskState) {
	t.mu.Lock()
	if !t.state.Terminal() {
		t.state = s
	}
	t.mu.Unlock()
}

func (t *Task) settle(s TaskState, link string, err error) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.link = link
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// report publishes the latest byte count without ever blocking the transfer.
func (t *Task) report(sent int64) {
	p := Progress{Sent: sent, Total: t.total}
	for {
		select {
		case t.progress <- p:
			return
		default:
		}
		select {
		case <-t.progress:
		default:
		}
	}
}

type Option func(*Coordinator)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Coordinator) {
		c.client = client
	}
}

func WithMaxFileSize(n int64) Option {
	return func(c *Coordinator) {
		c.maxSize = n
	}
}

// Coordinator enforces single-flight: at most one transfer per session. A
// second Start while one is active fails fast with ErrAlreadyInFlight.
type Coordinator struct {
	endpoint string
	handle   string
	client   *http.Client
	maxSize  int64

	mu     sync.Mutex
	active *Task
}

// NewCoordinator uploads to endpoint, tagging every transfer with the local
// identity's handle (the server's "userphone" form field).
func NewCoordinator(endpoint, handle string, opts ...Option) *Coordinator {
	c := &Coordinator{
		endpoint: endpoint,
		handle:   handle,
		client:   &http.Client{Timeout: 10 * time.Minute},
		maxSize:  DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start validates the file and launches the transfer. The returned task is
// already registered as the in-flight one.
func (c *Coordinator) Start(ctx context.Context, path string) (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && !c.active.State().Terminal() {
		return nil, ErrAlreadyInFlight
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(ErrFileUnreadable, "stat %s: %v", path, err)
	}
	if fi.IsDir() {
		return nil, errors.Wrapf(ErrFileUnreadable, "%s is a directory", path)
	}
	if fi.Size() > c.maxSize {
		return nil, errors.Wrapf(ErrFileTooLarge, "%s is %d bytes, limit %d", path, fi.Size(), c.maxSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrFileUnreadable, "open %s: %v", path, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		id:       uuid.NewString(),
		path:     path,
		total:    fi.Size(),
		cancel:   cancel,
		progress: make(chan Progress, 1),
		done:     make(chan struct{}),
		state:    StatePending,
	}
	c.active = t
	go c.run(runCtx, t, f)
	return t, nil
}

// Active returns the current task, settled or not, nil before the first Start.
func (c *Coordinator) Active() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Coordinator) run(ctx context.Context, t *Task, f *os.File) {
	defer f.Close()
	t.setState(StateInFlight)
	log.Info().Str("component", "upload").Str("task_id", t.id).Str("path", t.path).
		Int64("size", t.total).Msg("upload started")

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(t.path))
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		counted := &countingReader{r: f, onRead: t.report}
		if _, err := io.Copy(part, counted); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("userphone", c.handle); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, pr)
	if err != nil {
		t.settle(StateFailed, "", errors.Wrap(err, "build upload request"))
		return
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			log.Info().Str("component", "upload").Str("task_id", t.id).Msg("upload cancelled")
			t.settle(StateCancelled, "", ctx.Err())
			return
		}
		t.settle(StateFailed, "", errors.Wrapf(ErrNetworkUnavailable, "%v", err))
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var reply struct {
		Code    int    `json:"code"`
		Msg     string `json:"msg"`
		Message string `json:"message"`
		Link    string `json:"link"`
	}
	_ = json.Unmarshal(body, &reply)
	reason := reply.Msg
	if reason == "" {
		reason = reply.Message
	}

	if resp.StatusCode != http.StatusOK || reply.Link == "" {
		log.Warn().Str("component", "upload").Str("task_id", t.id).
			Int("status", resp.StatusCode).Str("reason", reason).Msg("upload rejected")
		t.settle(StateFailed, "", errors.Wrapf(ErrUploadRejected, "status %d: %s", resp.StatusCode, reason))
		return
	}

	t.report(t.total)
	log.Info().Str("component", "upload").Str("task_id", t.id).Str("link", reply.Link).Msg("upload succeeded")
	t.settle(StateSucceeded, reply.Link, nil)
}

type countingReader struct {
	r      io.Reader
	n      int64
	onRead func(sent int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.onRead(c.n)
	}
	return n, err
}
