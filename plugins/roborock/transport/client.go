// Package transport moves framed envelopes between the bridge and devices
// over the local TCP stream, the cloud MQTT bus and UDP discovery.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/joshp123/robobridge/plugins/roborock/protocol"
)

// LevelNotice sits between info and warn; handshake outcomes use it.
const LevelNotice = slog.Level(2)

// Client is a per-device transport.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	IsReady() bool
	// Version is the wire version negotiated for the connection.
	Version() protocol.Version
	Send(ctx context.Context, duid string, env protocol.Envelope) error
	OnMessage(func(protocol.Envelope)) (remove func())
}

// ConnectionListener hears about connection lifecycle changes. OnDisconnected
// is only called for failures before the connection became ready.
type ConnectionListener interface {
	OnReady(duid string, version protocol.Version)
	OnDisconnected(duid string, reason error)
}

// handlers is a set of message callbacks safe for concurrent use.
type handlers struct {
	mu     sync.Mutex
	next   int
	byID   map[int]func(protocol.Envelope)
	logger *slog.Logger
}

func (h *handlers) add(fn func(protocol.Envelope)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byID == nil {
		h.byID = make(map[int]func(protocol.Envelope))
	}
	id := h.next
	h.next++
	h.byID[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.byID, id)
	}
}

func (h *handlers) emit(env protocol.Envelope) {
	h.mu.Lock()
	list := make([]func(protocol.Envelope), 0, len(h.byID))
	for _, fn := range h.byID {
		list = append(list, fn)
	}
	h.mu.Unlock()
	for _, fn := range list {
		h.call(fn, env)
	}
}

func (h *handlers) call(fn func(protocol.Envelope), env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("message handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(env)
}

// decodeErrorKind labels codec failures for metrics and logs.
func decodeErrorKind(err error) string {
	var (
		perr *protocol.ProtocolError
		cerr *protocol.ChecksumError
		derr *protocol.DecryptionError
	)
	switch {
	case errors.As(err, &cerr):
		return "checksum"
	case errors.As(err, &derr):
		return "decrypt"
	case errors.As(err, &perr):
		return "protocol"
	case errors.Is(err, protocol.ErrMissingKey):
		return "missing_key"
	default:
		return "other"
	}
}

type nopListener struct{}

func (nopListener) OnReady(string, protocol.Version) {}
func (nopListener) OnDisconnected(string, error)     {}
