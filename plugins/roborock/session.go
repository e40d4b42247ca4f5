package roborock

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/joshp123/robobridge/plugins/roborock/correlation"
	"github.com/joshp123/robobridge/plugins/roborock/dispatch"
	"github.com/joshp123/robobridge/plugins/roborock/protocol"
	"github.com/joshp123/robobridge/plugins/roborock/transport"
)

// deviceSession binds one device to its transport, trackers and dispatcher.
type deviceSession struct {
	device     Device
	bridge     *Bridge
	logger     *slog.Logger
	responses  *correlation.ResponseTracker
	fragments  *correlation.FragmentTracker
	dispatcher dispatch.Dispatcher

	client transport.Client
	local  bool
	detach func()

	// sendMu keeps frames for one device in request order.
	sendMu sync.Mutex
}

func newDeviceSession(dev Device, b *Bridge) *deviceSession {
	logger := b.logger.With("duid", dev.DUID)
	return &deviceSession{
		device:    dev,
		bridge:    b,
		logger:    logger,
		responses: correlation.NewResponseTracker(b.cfg.RPCTimeout, logger),
		fragments: correlation.NewFragmentTracker(correlation.FragmentConfig{
			Tolerance: b.cfg.FragmentTolerance,
			Debounce:  b.cfg.FragmentDebounce,
			Timeout:   b.cfg.RPCTimeout,
		}, logger),
	}
}

func (s *deviceSession) DUID() string { return s.device.DUID }

func (s *deviceSession) Local() bool { return s.local }

func (s *deviceSession) Responses() *correlation.ResponseTracker { return s.responses }

func (s *deviceSession) Fragments() *correlation.FragmentTracker { return s.fragments }

func (s *deviceSession) SecurityEndpoint() string { return s.bridge.bootstrap.SecurityEndpoint() }

func (s *deviceSession) Send(ctx context.Context, env protocol.Envelope) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.client.Send(ctx, s.device.DUID, env)
}

func (s *deviceSession) transportName() string {
	if s.local {
		return "local"
	}
	return "mqtt"
}

// attach starts routing client messages through the session.
func (s *deviceSession) attach(client transport.Client, local bool) {
	s.client = client
	s.local = local
	s.detach = client.OnMessage(s.handle)
}

func (s *deviceSession) release() {
	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	if s.client != nil {
		s.client.Disconnect()
	}
}

// close fails everything outstanding and drops the transport.
func (s *deviceSession) close(err error) {
	s.responses.CancelAll(err)
	s.fragments.CancelAll(err)
	s.release()
}

func (s *deviceSession) handle(env protocol.Envelope) {
	if !s.responses.TryResolve(env) && s.device.Generation() == dispatch.GenerationB01 {
		s.fragments.Offer(env)
	}
	s.bridge.deliver(s.device.DUID, env)
	s.bridge.observePush(s, env)
}

// pushFields names the fields of a pushed envelope. Numeric keys without a
// name are dropped.
func pushFields(version protocol.Version, env protocol.Envelope) map[string]any {
	if env.Header.Protocol == protocol.CodeMapResponse || len(env.Body) == 0 {
		return nil
	}
	if env.Header.Version != "" {
		version = env.Header.Version
	}
	out := make(map[string]any)
	for k, v := range protocol.Remap(version, env.Body) {
		if k == protocol.B01Request {
			obj, err := protocol.ObjectFrom(v)
			if err != nil {
				continue
			}
			data, err := protocol.ObjectFrom(obj["data"])
			if err != nil {
				continue
			}
			for dk, dv := range protocol.Remap(version, protocol.Body(data)) {
				if !numeric(dk) {
					out[dk] = dv
				}
			}
			continue
		}
		if !numeric(k) {
			out[k] = v
		}
	}
	return out
}

func numeric(key string) bool {
	_, err := strconv.Atoi(key)
	return err == nil
}
