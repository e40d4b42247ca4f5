package roborock

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/joshp123/robobridge/plugins/roborock/dispatch"
	"github.com/joshp123/robobridge/plugins/roborock/protocol"
	"github.com/joshp123/robobridge/plugins/roborock/state"
)

// StateEvent reports a change of a device's normalized state.
type StateEvent struct {
	DUID       string         `json:"duid"`
	Status     state.Status   `json:"status"`
	StatusName string         `json:"status_name"`
	Resolved   state.Resolved `json:"resolved"`
	Battery    int            `json:"battery"`
	At         time.Time      `json:"at"`
}

// DeviceMessage is a decoded envelope tagged with its device.
type DeviceMessage struct {
	DUID     string
	Envelope protocol.Envelope
}

// observation is the last known status of a device.
type observation struct {
	fields   map[string]any
	status   dispatch.DeviceStatus
	resolved state.Resolved
	at       time.Time
}

// listeners is a callback set. A panicking callback is logged and does not
// stop delivery to the others.
type listeners[T any] struct {
	logger *slog.Logger

	mu   sync.Mutex
	next int
	byID map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byID == nil {
		l.byID = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.byID[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.byID, id)
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	list := make([]func(T), 0, len(l.byID))
	for _, fn := range l.byID {
		list = append(list, fn)
	}
	l.mu.Unlock()
	for _, fn := range list {
		l.call(fn, v)
	}
}

func (l *listeners[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("listener panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn(v)
}

func (b *Bridge) deliver(duid string, env protocol.Envelope) {
	b.messages.emit(DeviceMessage{DUID: duid, Envelope: env})
}

// observePush folds status fields from a pushed envelope into the device's
// last known status. The merge and the store share one critical section so a
// concurrent poll cannot drop fields.
func (b *Bridge) observePush(s *deviceSession, env protocol.Envelope) {
	fields := pushFields(s.device.Version, env)
	if len(fields) == 0 {
		return
	}
	b.mu.Lock()
	merged := make(map[string]any)
	if prev, ok := b.observed[s.device.DUID]; ok {
		for k, v := range prev.fields {
			merged[k] = v
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	if _, ok := state.StatusFrom(merged); !ok {
		b.mu.Unlock()
		return
	}
	ch := b.recordLocked(s.device, statusFor(s.device, merged))
	b.mu.Unlock()
	b.publish(ch)
}

func statusFor(dev Device, fields map[string]any) *dispatch.DeviceStatus {
	if dev.Generation() == dispatch.GenerationB01 {
		return dispatch.StatusFromB01(fields)
	}
	return dispatch.StatusFromV1(fields)
}

// updateState records a status and emits a StateEvent when the status code
// or the resolved state changed.
func (b *Bridge) updateState(dev Device, status *dispatch.DeviceStatus) {
	b.mu.Lock()
	ch := b.recordLocked(dev, status)
	b.mu.Unlock()
	b.publish(ch)
}

// stateChange is what recordLocked decided; publish acts on it unlocked.
type stateChange struct {
	dev      Device
	status   *dispatch.DeviceStatus
	resolved state.Resolved
	at       time.Time
	changed  bool
	restore  bool
	setting  dispatch.CleanModeSetting
}

// recordLocked stores status as the device's observation. b.mu must be held.
func (b *Bridge) recordLocked(dev Device, status *dispatch.DeviceStatus) stateChange {
	resolved := status.Resolved()
	now := b.now()
	prev, had := b.observed[dev.DUID]
	b.observed[dev.DUID] = observation{fields: status.Raw, status: *status, resolved: resolved, at: now}
	ch := stateChange{
		dev:      dev,
		status:   status,
		resolved: resolved,
		at:       now,
		changed:  !had || prev.resolved != resolved || prev.status.Status != status.Status,
		restore:  had && prev.resolved.RunMode != state.RunModeIdle && resolved.RunMode == state.RunModeIdle && b.restore[dev.DUID],
	}
	if ch.restore {
		delete(b.restore, dev.DUID)
	}
	ch.setting = b.defaults[dev.DUID]
	return ch
}

func (b *Bridge) publish(ch stateChange) {
	if ch.changed {
		b.logger.Debug("device state changed", "duid", ch.dev.DUID, "status", ch.status.Status.String(), "resolved", ch.resolved.String())
		b.events.emit(StateEvent{
			DUID:       ch.dev.DUID,
			Status:     ch.status.Status,
			StatusName: ch.status.Status.String(),
			Resolved:   ch.resolved,
			Battery:    ch.status.Battery,
			At:         ch.at,
		})
	}
	if ch.restore {
		go b.restoreCleanMode(ch.dev.DUID, ch.setting)
	}
}
