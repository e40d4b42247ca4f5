package correlation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/joshp123/robobridge/plugins/roborock/protocol"
)

const (
	DefaultFragmentTolerance = 2 * time.Second
	DefaultFragmentDebounce  = 500 * time.Millisecond
)

// FragmentConfig tunes the aggregation windows.
type FragmentConfig struct {
	Tolerance time.Duration
	Debounce  time.Duration
	Timeout   time.Duration
}

func (c FragmentConfig) withDefaults() FragmentConfig {
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultFragmentTolerance
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultFragmentDebounce
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// FragmentRequest describes the replies a window accepts: same protocol code
// and a timestamp within tolerance of the request's.
type FragmentRequest struct {
	DUID      string
	Method    string
	Timestamp uint32
	Protocol  protocol.Code
	Version   protocol.Version
}

// FragmentPending is an open aggregation window.
type FragmentPending struct {
	Request FragmentRequest

	res       *result[map[string]any]
	merged    map[string]any
	fragments int
	debounce  *time.Timer
	deadline  *time.Timer
	tracker   *FragmentTracker
}

// Wait returns the merged payload once no fragment arrived for the debounce
// period, or a TimeoutError if nothing matched before the deadline.
func (p *FragmentPending) Wait(ctx context.Context) (map[string]any, error) {
	merged, err := p.res.wait(ctx)
	if ctx.Err() != nil && err == ctx.Err() {
		p.tracker.finish(p, nil, err)
	}
	return merged, err
}

// FragmentTracker merges replies that arrive as several partial pushes.
type FragmentTracker struct {
	cfg    FragmentConfig
	logger *slog.Logger

	mu      sync.Mutex
	windows map[*FragmentPending]struct{}
}

func NewFragmentTracker(cfg FragmentConfig, logger *slog.Logger) *FragmentTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &FragmentTracker{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		windows: make(map[*FragmentPending]struct{}),
	}
}

// Expect opens a window. It must be called before the request is sent.
func (t *FragmentTracker) Expect(req FragmentRequest) *FragmentPending {
	p := &FragmentPending{
		Request: req,
		res:     newResult[map[string]any](),
		merged:  make(map[string]any),
		tracker: t,
	}
	timeout := t.cfg.Timeout
	t.mu.Lock()
	t.windows[p] = struct{}{}
	p.deadline = time.AfterFunc(timeout, func() {
		// A window that matched anything resolves through its debounce.
		t.mu.Lock()
		matched := p.fragments > 0
		t.mu.Unlock()
		if matched {
			return
		}
		if t.finish(p, nil, &TimeoutError{Method: req.Method, After: timeout}) {
			t.logger.Warn("fragment window timed out", "duid", req.DUID, "method", req.Method, "protocol", req.Protocol.String(), "after", timeout)
		}
	})
	t.mu.Unlock()
	return p
}

// Offer feeds an envelope to every matching window. It reports whether any
// window accepted it.
func (t *FragmentTracker) Offer(env protocol.Envelope) bool {
	if len(env.Body) == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	accepted := false
	for p := range t.windows {
		if !t.matches(p.Request, env.Header) {
			continue
		}
		mergeFragment(p.merged, p.Request.Version, env.Body)
		p.fragments++
		accepted = true
		if p.debounce == nil {
			p.debounce = time.AfterFunc(t.cfg.Debounce, func() { t.flush(p) })
		} else {
			p.debounce.Reset(t.cfg.Debounce)
		}
	}
	return accepted
}

// Cancel fails one window, typically when its request could not be sent.
func (t *FragmentTracker) Cancel(p *FragmentPending, err error) {
	if err == nil {
		err = ErrCancelled
	}
	t.finish(p, nil, err)
}

// CancelAll fails every open window.
func (t *FragmentTracker) CancelAll(err error) {
	if err == nil {
		err = ErrCancelled
	}
	t.mu.Lock()
	all := make([]*FragmentPending, 0, len(t.windows))
	for p := range t.windows {
		all = append(all, p)
	}
	t.mu.Unlock()
	for _, p := range all {
		t.finish(p, nil, err)
	}
}

// Len reports the number of open windows.
func (t *FragmentTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}

func (t *FragmentTracker) matches(req FragmentRequest, h protocol.Header) bool {
	if h.Protocol != req.Protocol {
		return false
	}
	diff := int64(h.Timestamp) - int64(req.Timestamp)
	if diff < 0 {
		diff = -diff
	}
	return time.Duration(diff)*time.Second <= t.cfg.Tolerance
}

func (t *FragmentTracker) flush(p *FragmentPending) {
	t.mu.Lock()
	merged := make(map[string]any, len(p.merged))
	for k, v := range p.merged {
		merged[k] = v
	}
	fragments := p.fragments
	t.mu.Unlock()
	if t.finish(p, merged, nil) {
		t.logger.Debug("fragment window resolved", "duid", p.Request.DUID, "method", p.Request.Method, "fragments", fragments)
	}
}

func (t *FragmentTracker) finish(p *FragmentPending, merged map[string]any, err error) bool {
	t.mu.Lock()
	delete(t.windows, p)
	if p.debounce != nil {
		p.debounce.Stop()
	}
	p.deadline.Stop()
	t.mu.Unlock()
	return p.res.settle(merged, err)
}

// mergeFragment copies remapped fields into dst; later fragments win. A B01
// method reply nests its fields under the request data point.
func mergeFragment(dst map[string]any, version protocol.Version, body protocol.Body) {
	for k, v := range protocol.Remap(version, body) {
		if k != protocol.B01Request {
			dst[k] = v
			continue
		}
		obj, err := protocol.ObjectFrom(v)
		if err != nil {
			dst[k] = v
			continue
		}
		data, err := protocol.ObjectFrom(obj["data"])
		if err != nil {
			dst[k] = v
			continue
		}
		for dk, dv := range protocol.Remap(version, protocol.Body(data)) {
			dst[dk] = dv
		}
	}
}
