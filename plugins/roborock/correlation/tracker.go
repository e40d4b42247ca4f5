// Package correlation matches asynchronous device replies to the requests
// that caused them.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joshp123/robobridge/plugins/roborock/protocol"
)

// DefaultTimeout bounds how long a request waits for its reply.
const DefaultTimeout = 10 * time.Second

// Pending is an outstanding request.
type Pending struct {
	ID     int
	Method string

	res     *result[protocol.Envelope]
	timer   *time.Timer
	tracker *ResponseTracker
}

// Wait blocks until the reply arrives, the deadline passes or ctx ends.
// A cancelled ctx removes the request from the tracker.
func (p *Pending) Wait(ctx context.Context) (protocol.Envelope, error) {
	env, err := p.res.wait(ctx)
	if ctx.Err() != nil && err == ctx.Err() {
		p.tracker.settle(p, protocol.Envelope{}, err)
	}
	return env, err
}

// Done is closed once the request settles.
func (p *Pending) Done() <-chan struct{} {
	return p.res.done
}

// ResponseTracker holds the requests awaiting a single reply each.
type ResponseTracker struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[int]*Pending
}

func NewResponseTracker(timeout time.Duration, logger *slog.Logger) *ResponseTracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseTracker{
		timeout: timeout,
		logger:  logger,
		pending: make(map[int]*Pending),
	}
}

// Expect registers a request id. Ids must be unique among outstanding
// requests.
func (t *ResponseTracker) Expect(id int, method string) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[id]; exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	return t.addLocked(id, method), nil
}

// Next registers a request under a fresh random id.
func (t *ResponseTracker) Next(method string) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		id := protocol.NextInt(10000, 32767)
		if _, exists := t.pending[id]; !exists {
			return t.addLocked(id, method)
		}
	}
}

func (t *ResponseTracker) addLocked(id int, method string) *Pending {
	p := &Pending{ID: id, Method: method, res: newResult[protocol.Envelope](), tracker: t}
	after := t.timeout
	p.timer = time.AfterFunc(after, func() {
		if t.settle(p, protocol.Envelope{}, &TimeoutError{MessageID: id, Method: method, After: after}) {
			t.logger.Warn("request timed out", "id", id, "method", method, "after", after)
		}
	})
	t.pending[id] = p
	return p
}

// Cancel fails one request.
func (t *ResponseTracker) Cancel(p *Pending, err error) {
	if err == nil {
		err = ErrCancelled
	}
	t.settle(p, protocol.Envelope{}, err)
}

// CancelAll fails every outstanding request. Used on shutdown.
func (t *ResponseTracker) CancelAll(err error) {
	if err == nil {
		err = ErrCancelled
	}
	t.mu.Lock()
	all := make([]*Pending, 0, len(t.pending))
	for _, p := range t.pending {
		all = append(all, p)
	}
	t.mu.Unlock()
	for _, p := range all {
		t.settle(p, protocol.Envelope{}, err)
	}
}

// Len reports the number of outstanding requests.
func (t *ResponseTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// TryResolve looks for a reply id in the envelope body and resolves the
// matching request with the whole envelope. The declared code is checked
// first, then the generic rpc response key, then every other key.
func (t *ResponseTracker) TryResolve(env protocol.Envelope) bool {
	for _, key := range scanOrder(env) {
		id, ok := replyID(env.Body[key])
		if !ok {
			continue
		}
		t.mu.Lock()
		p := t.pending[id]
		t.mu.Unlock()
		if p == nil {
			continue
		}
		return t.settle(p, env, nil)
	}
	t.logger.Debug("no pending request for message", "protocol", env.Header.Protocol.String(), "seq", env.Header.Seq)
	return false
}

func (t *ResponseTracker) settle(p *Pending, env protocol.Envelope, err error) bool {
	t.mu.Lock()
	if cur, ok := t.pending[p.ID]; ok && cur == p {
		delete(t.pending, p.ID)
	}
	t.mu.Unlock()
	p.timer.Stop()
	return p.res.settle(env, err)
}

func scanOrder(env protocol.Envelope) []string {
	if len(env.Body) == 0 {
		return nil
	}
	first := env.Header.Protocol.Key()
	generic := protocol.CodeRPCResponse.Key()
	order := make([]string, 0, len(env.Body))
	if _, ok := env.Body[first]; ok {
		order = append(order, first)
	}
	if _, ok := env.Body[generic]; ok && generic != first {
		order = append(order, generic)
	}
	for _, key := range env.Body.Keys() {
		if key != first && key != generic {
			order = append(order, key)
		}
	}
	return order
}

func replyID(v any) (int, bool) {
	if blob, ok := v.(protocol.MapBlob); ok {
		return blob.RequestID, true
	}
	obj, err := protocol.ObjectFrom(v)
	if err != nil {
		return 0, false
	}
	for _, field := range []string{"id", "msgId"} {
		if id, ok := protocol.IntFrom(obj[field]); ok {
			return id, true
		}
	}
	return 0, false
}
