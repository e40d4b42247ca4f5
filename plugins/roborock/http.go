package roborock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/joshp123/robobridge/internal/core"
	"github.com/joshp123/robobridge/plugins/roborock/correlation"
	"github.com/joshp123/robobridge/plugins/roborock/protocol"
)

const (
	commandTimeout  = 60 * time.Second
	streamBuffer    = 64
	streamWriteWait = 5 * time.Second
)

var _ core.HTTPRegistrant = (*Plugin)(nil)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (p *Plugin) RegisterHTTP(r chi.Router) {
	r.Route("/roborock/devices", func(r chi.Router) {
		r.Get("/", p.handleDevices)
		r.Get("/{duid}/status", p.handleStatus)
		r.Post("/{duid}/commands", p.handleCommand)
		r.Get("/{duid}/map", p.handleMap)
		r.Get("/{duid}/events", p.handleEvents)
	})
}

func (p *Plugin) bridgeOr503(w http.ResponseWriter) *Bridge {
	bridge := p.Bridge()
	if bridge == nil {
		http.Error(w, "roborock unavailable: "+p.HealthMessage(), http.StatusServiceUnavailable)
	}
	return bridge
}

func (p *Plugin) handleDevices(w http.ResponseWriter, r *http.Request) {
	bridge := p.bridgeOr503(w)
	if bridge == nil {
		return
	}
	writeJSON(w, http.StatusOK, bridge.Snapshot())
}

func (p *Plugin) handleStatus(w http.ResponseWriter, r *http.Request) {
	bridge := p.bridgeOr503(w)
	if bridge == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	status, err := bridge.GetStatus(ctx, chi.URLParam(r, "duid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "resolved": status.Resolved()})
}

func (p *Plugin) handleCommand(w http.ResponseWriter, r *http.Request) {
	bridge := p.bridgeOr503(w)
	if bridge == nil {
		return
	}
	var cmd Command
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		http.Error(w, "invalid command: "+err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	result, err := bridge.Execute(ctx, chi.URLParam(r, "duid"), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

func (p *Plugin) handleMap(w http.ResponseWriter, r *http.Request) {
	bridge := p.bridgeOr503(w)
	if bridge == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	duid := chi.URLParam(r, "duid")
	if r.URL.Query().Get("format") == "png" {
		img, err := bridge.MapImage(ctx, duid)
		if err != nil {
			writeError(w, err)
			return
		}
		if img == nil {
			http.Error(w, "map not supported by device", http.StatusNotImplemented)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Map-Segments", strconv.Itoa(len(img.Segments)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(img.PNG)
		return
	}
	m, err := bridge.HomeMap(ctx, duid)
	if err != nil {
		writeError(w, err)
		return
	}
	if m == nil {
		http.Error(w, "map not supported by device", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(m.Data)
}

// streamMessage is one websocket frame of the event stream.
type streamMessage struct {
	Type     string          `json:"type"`
	Envelope *streamEnvelope `json:"envelope,omitempty"`
	State    *StateEvent     `json:"state,omitempty"`
}

type streamEnvelope struct {
	Version   string        `json:"version"`
	Protocol  int           `json:"protocol"`
	Seq       uint32        `json:"seq"`
	Timestamp uint32        `json:"timestamp"`
	Body      protocol.Body `json:"body,omitempty"`
}

func (p *Plugin) handleEvents(w http.ResponseWriter, r *http.Request) {
	bridge := p.bridgeOr503(w)
	if bridge == nil {
		return
	}
	duid := chi.URLParam(r, "duid")
	if _, err := bridge.device(duid); err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	out := make(chan streamMessage, streamBuffer)
	push := func(msg streamMessage) {
		select {
		case out <- msg:
		default:
			p.logger.Warn("event stream lagging, dropping message", "duid", duid, "type", msg.Type)
		}
	}
	unsubscribe := bridge.Subscribe(duid, func(env protocol.Envelope) {
		push(streamMessage{Type: "envelope", Envelope: &streamEnvelope{
			Version:   string(env.Header.Version),
			Protocol:  int(env.Header.Protocol),
			Seq:       env.Header.Seq,
			Timestamp: env.Header.Timestamp,
			Body:      env.Body,
		}})
	})
	defer unsubscribe()
	removeState := bridge.OnStateChange(func(ev StateEvent) {
		if ev.DUID == duid {
			push(streamMessage{Type: "state", State: &ev})
		}
	})
	defer removeState()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					p.logger.Warn("event stream read error", "duid", duid, "err", err)
				}
				return
			}
		}
	}()

	p.logger.Info("event stream opened", "duid", duid, "remote", r.RemoteAddr)
	for {
		select {
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				p.logger.Warn("event stream write failed", "duid", duid, "err", err)
				return
			}
		case <-closed:
			p.logger.Info("event stream closed", "duid", duid)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var timeout *correlation.TimeoutError
	switch {
	case errors.Is(err, ErrUnknownDevice):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidCommand):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedDevice):
		status = http.StatusNotImplemented
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, ErrClosed):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
