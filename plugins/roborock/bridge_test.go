package roborock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joshp123/robobridge/plugins/roborock/dispatch"
	"github.com/joshp123/robobridge/plugins/roborock/protocol"
	"github.com/joshp123/robobridge/plugins/roborock/state"
	"github.com/joshp123/robobridge/plugins/roborock/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient answers V1 method calls from a result table.
type fakeClient struct {
	version    protocol.Version
	connectErr error

	mu           sync.Mutex
	ready        bool
	handlers     map[int]func(protocol.Envelope)
	next         int
	methods      []string
	results      map[string]any
	disconnected int
}

func newFakeClient(version protocol.Version) *fakeClient {
	return &fakeClient{
		version:  version,
		handlers: make(map[int]func(protocol.Envelope)),
		results:  make(map[string]any),
	}
}

func (c *fakeClient) Connect(context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	c.ready = false
	c.disconnected++
	c.mu.Unlock()
}

func (c *fakeClient) IsConnected() bool { return c.IsReady() }

func (c *fakeClient) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeClient) Version() protocol.Version { return c.version }

func (c *fakeClient) OnMessage(fn func(protocol.Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.handlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

func (c *fakeClient) push(env protocol.Envelope) {
	c.mu.Lock()
	list := make([]func(protocol.Envelope), 0, len(c.handlers))
	for _, fn := range c.handlers {
		list = append(list, fn)
	}
	c.mu.Unlock()
	for _, fn := range list {
		fn(env)
	}
}

func (c *fakeClient) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.methods...)
}

func (c *fakeClient) setResult(method string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[method] = result
}

func (c *fakeClient) Send(_ context.Context, _ string, env protocol.Envelope) error {
	req, ok := env.Body[protocol.CodeRPCRequest.Key()].(map[string]any)
	if !ok {
		return errors.New("unexpected request shape")
	}
	method, _ := req["method"].(string)
	c.mu.Lock()
	c.methods = append(c.methods, method)
	result, ok := c.results[method]
	c.mu.Unlock()
	if !ok {
		result = []any{"ok"}
	}
	go c.push(protocol.Envelope{
		Header: protocol.Header{Version: c.version, Protocol: protocol.CodeRPCResponse},
		Body:   protocol.Body{protocol.CodeRPCResponse.Key(): map[string]any{"id": req["id"], "result": result}},
	})
	return nil
}

func testBootstrap() BootstrapState {
	return BootstrapState{
		SchemaVersion: 1,
		Username:      "user@example.com",
		UserData: UserData{RRIOT: RRiot{
			U: "user", S: "secret", H: "h", K: "account-key",
		}},
		HomeData: HomeData{
			Products: []HomeDataProduct{{ID: "p1", Model: "roborock.vacuum.a15"}},
			Devices: []HomeDataDevice{
				{DUID: "v1dev", Name: "Downstairs", LocalKey: "0123456789abcdef", ProductID: "p1", PV: "1.0"},
				{DUID: "b01dev", Name: "Upstairs", LocalKey: "fedcba9876543210", PV: "B01"},
				{DUID: "a01dev", Name: "Washer", LocalKey: "aaaaaaaaaaaaaaaa", PV: "A01"},
			},
		},
	}
}

type testBridge struct {
	*Bridge
	local     *fakeClient
	cloud     *fakeClient
	localDial atomic.Int32
	hosts     chan string
}

func newTestBridge(t *testing.T, cfg Config) *testBridge {
	t.Helper()
	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = time.Second
	}
	if cfg.IPOverrides == nil {
		cfg.IPOverrides = map[string]string{"v1dev": "192.168.1.40"}
	}
	b, err := NewBridge(cfg, testBootstrap(), nil)
	require.NoError(t, err)
	tb := &testBridge{
		Bridge: b,
		local:  newFakeClient(protocol.Version1),
		cloud:  newFakeClient(protocol.Version1),
		hosts:  make(chan string, 4),
	}
	b.dialLocal = func(_ Device, host string) transport.Client {
		tb.localDial.Add(1)
		tb.hosts <- host
		return tb.local
	}
	b.dialCloud = func(Device) (transport.Client, error) { return tb.cloud, nil }
	t.Cleanup(func() { _ = b.Close() })
	return tb
}

func statusPush(code int) protocol.Envelope {
	return protocol.Envelope{
		Header: protocol.Header{Version: protocol.Version1, Protocol: protocol.CodeStatusPush},
		Body:   protocol.Body{protocol.CodeStatusPush.Key(): code},
	}
}

func TestBridgeSendCommandOpensLocalSessionOnce(t *testing.T) {
	tb := newTestBridge(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tb.SendCommand(ctx, "v1dev", Command{Name: CommandStart}))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), tb.localDial.Load())
	assert.Equal(t, "192.168.1.40", <-tb.hosts)
	assert.Len(t, tb.local.sent(), 4)
	assert.Empty(t, tb.cloud.sent())
	assert.True(t, tb.Ready("v1dev"))
	assert.False(t, tb.Ready("b01dev"))
}

func TestBridgeFallsBackToCloud(t *testing.T) {
	tb := newTestBridge(t, Config{CloudFallback: true})
	tb.local.connectErr = errors.New("connection refused")

	require.NoError(t, tb.SendCommand(context.Background(), "v1dev", Command{Name: CommandGoHome}))
	assert.Equal(t, []string{"app_charge"}, tb.cloud.sent())
	assert.Equal(t, 1, tb.local.disconnected)

	snaps := tb.Snapshot()
	require.Len(t, snaps, 3)
	assert.Equal(t, "mqtt", snaps[0].Transport)
}

func TestBridgeLocalFailureWithoutFallback(t *testing.T) {
	tb := newTestBridge(t, Config{})
	tb.local.connectErr = errors.New("connection refused")

	err := tb.SendCommand(context.Background(), "v1dev", Command{Name: CommandStop})
	require.Error(t, err)
	assert.Empty(t, tb.cloud.sent())

	tb.local.connectErr = nil
	require.NoError(t, tb.SendCommand(context.Background(), "v1dev", Command{Name: CommandStop}))
	assert.Equal(t, int32(2), tb.localDial.Load())
}

func TestBridgeNeedsAnAddress(t *testing.T) {
	tb := newTestBridge(t, Config{IPOverrides: map[string]string{}})
	err := tb.SendCommand(context.Background(), "v1dev", Command{Name: CommandStart})
	assert.ErrorIs(t, err, ErrNoAddress)

	tb.learnAddress(protocol.Beacon{DUID: "v1dev", IP: "10.1.1.9"})
	tb.learnAddress(protocol.Beacon{DUID: "stranger", IP: "10.1.1.10"})
	require.NoError(t, tb.SendCommand(context.Background(), "v1dev", Command{Name: CommandStart}))
	assert.Equal(t, "10.1.1.9", <-tb.hosts)
}

func TestBridgeRejectsUnknownAndUnsupported(t *testing.T) {
	tb := newTestBridge(t, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, tb.SendCommand(ctx, "nope", Command{Name: CommandStart}), ErrUnknownDevice)
	assert.ErrorIs(t, tb.SendCommand(ctx, "a01dev", Command{Name: CommandStart}), ErrUnsupportedDevice)
	assert.ErrorIs(t, tb.SendCommand(ctx, "v1dev", Command{Name: "dance"}), ErrInvalidCommand)
	assert.Zero(t, tb.localDial.Load())
}

func TestBridgeB01UsesCloud(t *testing.T) {
	tb := newTestBridge(t, Config{})
	tb.cloud.version = protocol.VersionB01

	d, err := tb.Dispatcher(context.Background(), "b01dev")
	require.NoError(t, err)
	assert.Equal(t, dispatch.GenerationB01, d.Generation())
	assert.Zero(t, tb.localDial.Load())

	got, err := tb.Execute(context.Background(), "b01dev", Command{Name: CommandGetMapInfo})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBridgeGetStatusEmitsChangesOnly(t *testing.T) {
	tb := newTestBridge(t, Config{})
	tb.local.setResult("get_status", []any{map[string]any{"state": 8, "battery": 91}})

	var mu sync.Mutex
	var events []StateEvent
	remove := tb.OnStateChange(func(ev StateEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer remove()

	ctx := context.Background()
	status, err := tb.GetStatus(ctx, "v1dev")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCharging, status.Status)
	assert.Equal(t, 91, status.Battery)
	_, err = tb.GetStatus(ctx, "v1dev")
	require.NoError(t, err)

	tb.local.push(statusPush(int(state.StatusCleaning)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, state.Resolved{RunMode: state.RunModeIdle, OperationalState: state.OpCharging}, events[0].Resolved)
	assert.Equal(t, "v1dev", events[1].DUID)
	assert.Equal(t, state.StatusCleaning, events[1].Status)
	assert.Equal(t, state.Resolved{RunMode: state.RunModeCleaning, OperationalState: state.OpRunning}, events[1].Resolved)
	assert.Equal(t, 91, events[1].Battery)

	snap := tb.Snapshot()[0]
	require.NotNil(t, snap.Status)
	assert.Equal(t, state.StatusCleaning, snap.Status.Status)
}

func TestBridgeGetStatusWithoutReplyFails(t *testing.T) {
	tb := newTestBridge(t, Config{RPCTimeout: 50 * time.Millisecond})
	tb.local.setResult("get_status", []any{"not an object"})
	_, err := tb.GetStatus(context.Background(), "v1dev")
	require.Error(t, err)
}

func TestBridgeSubscribe(t *testing.T) {
	tb := newTestBridge(t, Config{})
	require.NoError(t, tb.SendCommand(context.Background(), "v1dev", Command{Name: CommandLocate}))

	var got, all atomic.Int32
	tb.Subscribe("v1dev", func(protocol.Envelope) { panic("boom") })
	unsubscribe := tb.Subscribe("v1dev", func(env protocol.Envelope) {
		if env.Header.Protocol == protocol.CodeStatusPush {
			got.Add(1)
		}
	})
	tb.Subscribe("", func(env protocol.Envelope) {
		if env.Header.Protocol == protocol.CodeStatusPush {
			all.Add(1)
		}
	})
	tb.Subscribe("b01dev", func(protocol.Envelope) { t.Error("wrong device") })

	tb.local.push(statusPush(int(state.StatusIdle)))
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, int32(1), all.Load())

	unsubscribe()
	tb.local.push(statusPush(int(state.StatusCharging)))
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, int32(2), all.Load())
}

func TestBridgeRestoresDefaultCleanModeWhenIdle(t *testing.T) {
	tb := newTestBridge(t, Config{})
	ctx := context.Background()

	require.NoError(t, tb.SendCommand(ctx, "v1dev", Command{
		Name:      CommandChangeCleanMode,
		CleanMode: &dispatch.CleanModeSetting{Suction: dispatch.SuctionBalanced, Persist: true},
	}))
	require.NoError(t, tb.SendCommand(ctx, "v1dev", Command{
		Name:      CommandChangeCleanMode,
		CleanMode: &dispatch.CleanModeSetting{Suction: dispatch.SuctionMax},
	}))
	assert.Equal(t, []string{"set_custom_mode", "set_custom_mode"}, tb.local.sent())

	tb.local.push(statusPush(int(state.StatusCleaning)))
	tb.local.push(statusPush(int(state.StatusCharging)))

	require.Eventually(t, func() bool { return len(tb.local.sent()) == 3 }, time.Second, 10*time.Millisecond)

	tb.local.push(statusPush(int(state.StatusCleaning)))
	tb.local.push(statusPush(int(state.StatusCharging)))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, tb.local.sent(), 3)
}

func TestBridgeExecuteReads(t *testing.T) {
	tb := newTestBridge(t, Config{})
	tb.local.setResult("get_room_mapping", []any{[]any{16, "11100845"}, []any{17, "11100849"}})

	got, err := tb.Execute(context.Background(), "v1dev", Command{Name: CommandGetRoomMap, MapID: 0})
	require.NoError(t, err)
	rooms, ok := got.(*dispatch.RoomMap)
	require.True(t, ok)
	require.Len(t, rooms.Rooms, 2)
	assert.Equal(t, 16, rooms.Rooms[0].SegmentID)
	assert.Equal(t, "11100849", rooms.Rooms[1].IotID)
}

func TestBridgeHomeMapNilForB01(t *testing.T) {
	tb := newTestBridge(t, Config{})
	tb.cloud.version = protocol.VersionB01
	m, err := tb.HomeMap(context.Background(), "b01dev")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestBridgeClose(t *testing.T) {
	tb := newTestBridge(t, Config{})
	require.NoError(t, tb.SendCommand(context.Background(), "v1dev", Command{Name: CommandStart}))

	require.NoError(t, tb.Close())
	assert.Equal(t, 1, tb.local.disconnected)
	assert.False(t, tb.Ready("v1dev"))
	assert.ErrorIs(t, tb.SendCommand(context.Background(), "v1dev", Command{Name: CommandStart}), ErrClosed)
	require.NoError(t, tb.Close())
}

func TestPushFields(t *testing.T) {
	fields := pushFields(protocol.Version1, protocol.Envelope{
		Header: protocol.Header{Version: protocol.Version1, Protocol: protocol.CodeStatusPush},
		Body:   protocol.Body{"121": 5, "122": 80, "999": 1},
	})
	assert.Equal(t, map[string]any{"state": 5, "battery": 80}, fields)

	fields = pushFields(protocol.VersionB01, protocol.Envelope{
		Header: protocol.Header{Version: protocol.VersionB01, Protocol: protocol.CodeRPCResponse},
		Body:   protocol.Body{protocol.B01Request: map[string]any{"msgId": "7", "data": map[string]any{"101": 5}}},
	})
	assert.Equal(t, map[string]any{"status": 5}, fields)

	assert.Nil(t, pushFields(protocol.Version1, protocol.Envelope{Header: protocol.Header{Protocol: protocol.CodeMapResponse}}))
}

func TestConcurrentPushesKeepEveryField(t *testing.T) {
	tb := newTestBridge(t, Config{})
	tb.local.setResult("get_status", []any{map[string]any{"state": 8, "battery": 50}})
	_, err := tb.GetStatus(context.Background(), "v1dev")
	require.NoError(t, err)

	pushes := []protocol.Body{
		{"122": 80},
		{"123": 102},
		{"124": 203},
		{"133": 1},
		{"134": 0},
	}
	var wg sync.WaitGroup
	for _, body := range pushes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tb.local.push(protocol.Envelope{
				Header: protocol.Header{Version: protocol.Version1, Protocol: protocol.CodeStatusPush},
				Body:   body,
			})
		}()
	}
	wg.Wait()

	tb.mu.Lock()
	fields := tb.observed["v1dev"].fields
	tb.mu.Unlock()
	for _, key := range []string{"state", "battery", "fan_power", "water_box_mode", "charge_status", "drying_status"} {
		assert.Contains(t, fields, key)
	}
	assert.Equal(t, 80, fields["battery"])
}
