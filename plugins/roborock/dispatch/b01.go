package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/joshp123/robobridge/plugins/roborock/correlation"
	"github.com/joshp123/robobridge/plugins/roborock/protocol"
	"github.com/joshp123/robobridge/plugins/roborock/state"
)

// B01 room clean control values.
const (
	b01CtrlStop  = 0
	b01CtrlStart = 1
	b01CtrlPause = 2
)

// B01 clean types.
const (
	b01CleanAll   = 0
	b01CleanRooms = 1
)

// b01Suction maps suction levels to the B01 wind property.
var b01Suction = map[int]int{
	SuctionQuiet:    0,
	SuctionBalanced: 1,
	SuctionTurbo:    2,
	SuctionMax:      3,
	SuctionMaxPlus:  4,
}

// b01Water maps water levels to the B01 water property.
var b01Water = map[int]int{
	WaterOff:    0,
	WaterLow:    1,
	WaterMedium: 2,
	WaterHigh:   3,
}

// b01Routes maps mop routes to the clean_path_preference property.
var b01Routes = map[int]int{
	RouteStandard: 0,
	RouteDeep:     1,
	RouteFast:     2,
	RouteDeepPlus: 3,
}

// b01States maps B01 work status to the shared status codes.
var b01States = map[int]state.Status{
	0:  state.StatusIdle,
	1:  state.StatusIdle,
	2:  state.StatusPaused,
	3:  state.StatusReturningHome,
	4:  state.StatusCharging,
	5:  state.StatusCleaning,
	6:  state.StatusMopping,
	7:  state.StatusSegmentCleaning,
	8:  state.StatusUpdating,
	9:  state.StatusError,
	10: state.StatusMapping,
	11: state.StatusEmptyingBin,
	12: state.StatusWashingMop,
	13: state.StatusChargingComplete,
}

var b01StatusProps = []string{
	"status", "fault", "wind", "water", "mode", "quantity",
	"clean_path_preference", "cleaning_time", "cleaning_area", "charge_state",
}

type b01Dispatcher struct {
	link   Link
	logger *slog.Logger
}

func (d *b01Dispatcher) Generation() Generation { return GenerationB01 }

// call sends one service or prop request and collects its fragments.
func (d *b01Dispatcher) call(ctx context.Context, method string, params any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	ts := uint32(time.Now().Unix())
	window := d.link.Fragments().Expect(correlation.FragmentRequest{
		DUID:      d.link.DUID(),
		Method:    method,
		Timestamp: ts,
		Protocol:  protocol.CodeRPCResponse,
		Version:   protocol.VersionB01,
	})
	env := protocol.Envelope{
		Header: protocol.Header{Version: protocol.VersionB01, Timestamp: ts, Protocol: protocol.CodeRPCRequest},
		Body: protocol.Body{protocol.B01Request: map[string]any{
			"method": method,
			"msgId":  strconv.Itoa(protocol.NextInt(10000, 32767)),
			"params": params,
		}},
	}
	if err := d.link.Send(ctx, env); err != nil {
		d.link.Fragments().Cancel(window, err)
		return nil, err
	}
	merged, err := window.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if code, ok := protocol.IntFrom(merged["code"]); ok && code != 0 {
		return nil, &RPCError{Method: method, Payload: merged}
	}
	return merged, nil
}

func (d *b01Dispatcher) command(ctx context.Context, method string, params any) error {
	_, err := d.call(ctx, method, params)
	return err
}

func (d *b01Dispatcher) setProps(ctx context.Context, props map[string]any) error {
	return d.command(ctx, "prop.set", props)
}

func (d *b01Dispatcher) roomClean(ctx context.Context, cleanType, ctrl int, roomIDs []int) error {
	if roomIDs == nil {
		roomIDs = []int{}
	}
	return d.command(ctx, "service.set_room_clean", map[string]any{
		"clean_type": cleanType,
		"ctrl_value": ctrl,
		"room_ids":   roomIDs,
	})
}

// B01 devices expose no network or map reads here.

func (d *b01Dispatcher) GetNetworkInfo(context.Context) (*NetworkInfo, error) { return nil, nil }
func (d *b01Dispatcher) GetHomeMap(context.Context) (*HomeMap, error)         { return nil, nil }
func (d *b01Dispatcher) GetMapInfo(context.Context) (*MapInfo, error)         { return nil, nil }
func (d *b01Dispatcher) GetRoomMap(context.Context, int) (*RoomMap, error)    { return nil, nil }

func (d *b01Dispatcher) GetDeviceStatus(ctx context.Context) (*DeviceStatus, error) {
	props := make([]any, len(b01StatusProps))
	for i, p := range b01StatusProps {
		props[i] = p
	}
	merged, err := d.call(ctx, "prop.get", map[string]any{"property": props})
	if err != nil {
		return nil, err
	}
	return StatusFromB01(merged), nil
}

// StatusFromB01 reads merged B01 fields into the shared status shape.
func StatusFromB01(fields map[string]any) *DeviceStatus {
	s := &DeviceStatus{Raw: fields}
	if raw, ok := protocol.IntFrom(fields["status"]); ok {
		if code, known := b01States[raw]; known {
			s.Status = code
		} else {
			s.Status = state.Status(raw)
		}
	}
	s.Battery, _ = protocol.IntFrom(fields["quantity"])
	s.ErrorCode, _ = protocol.IntFrom(fields["fault"])
	s.CleanTime, _ = protocol.IntFrom(fields["cleaning_time"])
	s.CleanArea, _ = protocol.IntFrom(fields["cleaning_area"])
	if wind, ok := protocol.IntFrom(fields["wind"]); ok {
		s.FanPower = reverse(b01Suction, wind)
	}
	if water, ok := protocol.IntFrom(fields["water"]); ok {
		s.WaterBoxMode = reverse(b01Water, water)
	}
	if route, ok := protocol.IntFrom(fields["clean_path_preference"]); ok {
		s.MopMode = reverse(b01Routes, route)
	}
	return s
}

func reverse(table map[int]int, wire int) int {
	for k, v := range table {
		if v == wire {
			return k
		}
	}
	return 0
}

func (d *b01Dispatcher) GoHome(ctx context.Context) error {
	return d.command(ctx, "service.start_recharge", nil)
}

func (d *b01Dispatcher) StartCleaning(ctx context.Context) error {
	return d.roomClean(ctx, b01CleanAll, b01CtrlStart, nil)
}

func (d *b01Dispatcher) StartRoomCleaning(ctx context.Context, roomIDs []int, repeat int) error {
	if repeat > 1 {
		if err := d.setProps(ctx, map[string]any{"repeat_state": repeat}); err != nil {
			return err
		}
	}
	return d.roomClean(ctx, b01CleanRooms, b01CtrlStart, roomIDs)
}

func (d *b01Dispatcher) PauseCleaning(ctx context.Context) error {
	return d.roomClean(ctx, b01CleanAll, b01CtrlPause, nil)
}

func (d *b01Dispatcher) ResumeCleaning(ctx context.Context) error {
	return d.roomClean(ctx, b01CleanAll, b01CtrlStart, nil)
}

func (d *b01Dispatcher) ResumeRoomCleaning(ctx context.Context) error {
	return d.roomClean(ctx, b01CleanRooms, b01CtrlStart, nil)
}

func (d *b01Dispatcher) StopCleaning(ctx context.Context) error {
	return d.roomClean(ctx, b01CleanAll, b01CtrlStop, nil)
}

func (d *b01Dispatcher) FindMyRobot(ctx context.Context) error {
	return d.command(ctx, "service.find_device", nil)
}

func (d *b01Dispatcher) SendCustomMessage(ctx context.Context, msg CustomMessage) error {
	return d.command(ctx, msg.Method, msg.Params)
}

func (d *b01Dispatcher) GetCustomMessage(ctx context.Context, msg CustomMessage) (any, error) {
	merged, err := d.call(ctx, msg.Method, msg.Params)
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (d *b01Dispatcher) GetCleanModeData(ctx context.Context) (*CleanModeSetting, error) {
	merged, err := d.call(ctx, "prop.get", map[string]any{"property": []any{"wind", "water", "clean_path_preference"}})
	if err != nil {
		return nil, err
	}
	s := StatusFromB01(merged)
	return &CleanModeSetting{Suction: s.FanPower, Water: s.WaterBoxMode, Route: s.MopMode}, nil
}

func (d *b01Dispatcher) ChangeCleanMode(ctx context.Context, setting CleanModeSetting) error {
	return applyCleanMode(ctx, b01CleanMode{d}, setting)
}

type b01CleanMode struct{ d *b01Dispatcher }

// currentPlan reports no plan; B01 devices have no smart or custom plans.
func (o b01CleanMode) currentPlan(context.Context) (int, error) { return 0, nil }

func (o b01CleanMode) setSuction(ctx context.Context, suction int) error {
	wind, ok := b01Suction[suction]
	if !ok {
		return fmt.Errorf("suction %d not supported on b01", suction)
	}
	return o.d.setProps(ctx, map[string]any{"wind": wind})
}

func (o b01CleanMode) setWater(ctx context.Context, water, _ int) error {
	level, ok := b01Water[water]
	if !ok {
		return fmt.Errorf("water %d not supported on b01", water)
	}
	return o.d.setProps(ctx, map[string]any{"water": level})
}

func (o b01CleanMode) setRoute(ctx context.Context, route int) error {
	pref, ok := b01Routes[route]
	if !ok {
		return fmt.Errorf("route %d not supported on b01", route)
	}
	return o.d.setProps(ctx, map[string]any{"clean_path_preference": pref})
}
