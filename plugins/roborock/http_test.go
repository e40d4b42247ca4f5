package roborock

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/joshp123/robobridge/internal/core"
	"github.com/joshp123/robobridge/plugins/roborock/protocol"
	"github.com/joshp123/robobridge/plugins/roborock/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTPFixture(t *testing.T) (*testBridge, *httptest.Server) {
	t.Helper()
	tb := newTestBridge(t, Config{})
	p := &Plugin{logger: slog.Default(), bridge: tb.Bridge, health: core.HealthHealthy}
	r := chi.NewRouter()
	p.RegisterHTTP(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return tb, srv
}

func postCommand(t *testing.T, srv *httptest.Server, duid, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/roborock/devices/"+duid+"/commands", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return resp, out
}

func TestHTTPDevices(t *testing.T) {
	_, srv := newHTTPFixture(t)

	resp, err := http.Get(srv.URL + "/roborock/devices/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snaps []DeviceSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snaps))
	require.Len(t, snaps, 3)
	assert.Equal(t, "v1dev", snaps[0].Device.DUID)
	assert.Equal(t, "roborock.vacuum.a15", snaps[0].Device.Model)
	assert.False(t, snaps[0].Ready)
}

func TestHTTPStatus(t *testing.T) {
	tb, srv := newHTTPFixture(t)
	tb.local.setResult("get_status", []any{map[string]any{"state": 5, "battery": 64}})

	resp, err := http.Get(srv.URL + "/roborock/devices/v1dev/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status struct {
			Status  int `json:"status"`
			Battery int `json:"battery"`
		} `json:"status"`
		Resolved state.Resolved `json:"resolved"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, int(state.StatusCleaning), body.Status.Status)
	assert.Equal(t, 64, body.Status.Battery)
	assert.Equal(t, state.RunModeCleaning, body.Resolved.RunMode)
}

func TestHTTPCommands(t *testing.T) {
	tb, srv := newHTTPFixture(t)

	resp, body := postCommand(t, srv, "v1dev", `{"name":"start_rooms","room_ids":[16,17],"repeat":1}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, []string{"app_segment_clean"}, tb.local.sent())

	resp, _ = postCommand(t, srv, "v1dev", `{"name":"start","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = postCommand(t, srv, "v1dev", `{"name":"start_rooms"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "room_ids")

	resp, _ = postCommand(t, srv, "nope", `{"name":"start"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = postCommand(t, srv, "a01dev", `{"name":"start"}`)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestHTTPCommandResult(t *testing.T) {
	tb, srv := newHTTPFixture(t)
	tb.local.setResult("get_consumable", []any{map[string]any{"main_brush_work_time": 3600}})

	resp, body := postCommand(t, srv, "v1dev", `{"name":"get_custom","message":{"method":"get_consumable"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{map[string]any{"main_brush_work_time": float64(3600)}}, body["result"])
}

func TestHTTPMapUnsupported(t *testing.T) {
	tb, srv := newHTTPFixture(t)
	tb.cloud.version = protocol.VersionB01

	for _, path := range []string{"/map", "/map?format=png"} {
		resp, err := http.Get(srv.URL + "/roborock/devices/b01dev" + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotImplemented, resp.StatusCode, path)
	}

	resp, err := http.Get(srv.URL + "/roborock/devices/nope/map")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPUnavailableWithoutBridge(t *testing.T) {
	p := &Plugin{logger: slog.Default(), health: core.HealthError, healthMessage: "bad bootstrap"}
	r := chi.NewRouter()
	p.RegisterHTTP(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/roborock/devices/v1dev/commands", bytes.NewBufferString(`{"name":"start"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad bootstrap")
}

func TestHTTPEventStream(t *testing.T) {
	tb, srv := newHTTPFixture(t)
	require.NoError(t, tb.SendCommand(t.Context(), "v1dev", Command{Name: CommandLocate}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/roborock/devices/v1dev/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool {
		tb.events.mu.Lock()
		defer tb.events.mu.Unlock()
		return len(tb.events.byID) > 0
	}, time.Second, 10*time.Millisecond)

	tb.local.push(statusPush(int(state.StatusReturningHome)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got []streamMessage
	for len(got) < 2 {
		var msg streamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "envelope" && msg.Envelope.Protocol != int(protocol.CodeStatusPush) {
			continue
		}
		got = append(got, msg)
	}
	assert.Equal(t, "envelope", got[0].Type)
	assert.Equal(t, "1.0", got[0].Envelope.Version)
	assert.Equal(t, "state", got[1].Type)
	require.NotNil(t, got[1].State)
	assert.Equal(t, state.StatusReturningHome, got[1].State.Status)
	assert.Equal(t, "v1dev", got[1].State.DUID)

	_, resp2, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/roborock/devices/nope/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp2)
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}
