package dispatch

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/joshp123/robobridge/plugins/roborock/correlation"
	"github.com/joshp123/robobridge/plugins/roborock/protocol"
	"github.com/joshp123/robobridge/plugins/roborock/state"
)

// maxMapAcks bounds the plain replies accepted before the map blob arrives.
const maxMapAcks = 2

type v1Dispatcher struct {
	link   Link
	logger *slog.Logger
}

func (d *v1Dispatcher) Generation() Generation { return GenerationV1 }

func (d *v1Dispatcher) requestCode() protocol.Code {
	if d.link.Local() {
		return protocol.CodeGeneralRequest
	}
	return protocol.CodeRPCRequest
}

func (d *v1Dispatcher) send(ctx context.Context, p *correlation.Pending, method string, params any, security map[string]any) error {
	if params == nil {
		params = []any{}
	}
	req := map[string]any{"id": p.ID, "method": method, "params": params}
	if security != nil {
		req["security"] = security
	}
	env := protocol.Envelope{
		Header: protocol.Header{Protocol: d.requestCode()},
		Body:   protocol.Body{protocol.CodeRPCRequest.Key(): req},
	}
	if err := d.link.Send(ctx, env); err != nil {
		d.link.Responses().Cancel(p, err)
		return err
	}
	return nil
}

// call runs one method and returns its result field.
func (d *v1Dispatcher) call(ctx context.Context, method string, params any) (any, error) {
	p := d.link.Responses().Next(method)
	if err := d.send(ctx, p, method, params, nil); err != nil {
		return nil, err
	}
	reply, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return rpcResult(method, reply, p.ID)
}

// rpcResult finds the reply object for id and unwraps result or error.
func rpcResult(method string, env protocol.Envelope, id int) (any, error) {
	for _, key := range env.Body.Keys() {
		obj, err := protocol.ObjectFrom(env.Body[key])
		if err != nil {
			continue
		}
		if got, ok := protocol.IntFrom(obj["id"]); !ok || got != id {
			continue
		}
		if devErr, ok := obj["error"]; ok && devErr != nil {
			return nil, &RPCError{Method: method, Payload: devErr}
		}
		return obj["result"], nil
	}
	return nil, fmt.Errorf("%s: reply without result", method)
}

func (d *v1Dispatcher) command(ctx context.Context, method string, params any) error {
	_, err := d.call(ctx, method, params)
	return err
}

func (d *v1Dispatcher) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	res, err := d.call(ctx, "get_network_info", nil)
	if err != nil {
		return nil, err
	}
	obj, err := protocol.ObjectFrom(res)
	if err != nil {
		return nil, fmt.Errorf("get_network_info: %w", err)
	}
	rssi, _ := protocol.IntFrom(obj["rssi"])
	return &NetworkInfo{
		IP:    stringFrom(obj["ip"]),
		SSID:  stringFrom(obj["ssid"]),
		MAC:   stringFrom(obj["mac"]),
		BSSID: stringFrom(obj["bssid"]),
		RSSI:  rssi,
	}, nil
}

func (d *v1Dispatcher) GetDeviceStatus(ctx context.Context) (*DeviceStatus, error) {
	res, err := d.call(ctx, "get_status", nil)
	if err != nil {
		return nil, err
	}
	obj, err := protocol.ObjectFrom(res)
	if err != nil {
		return nil, fmt.Errorf("get_status: %w", err)
	}
	return StatusFromV1(obj), nil
}

// StatusFromV1 reads a get_status object or a remapped status push.
func StatusFromV1(obj map[string]any) *DeviceStatus {
	code, _ := state.StatusFrom(obj)
	s := &DeviceStatus{
		Status:    code,
		Modifiers: state.ModifiersFrom(obj),
		Raw:       obj,
	}
	s.Battery, _ = protocol.IntFrom(obj["battery"])
	s.FanPower, _ = protocol.IntFrom(obj["fan_power"])
	s.WaterBoxMode, _ = protocol.IntFrom(obj["water_box_mode"])
	s.MopMode, _ = protocol.IntFrom(obj["mop_mode"])
	s.ErrorCode, _ = protocol.IntFrom(obj["error_code"])
	s.CleanTime, _ = protocol.IntFrom(obj["clean_time"])
	s.CleanArea, _ = protocol.IntFrom(obj["clean_area"])
	return s
}

// GetHomeMap requests the map with a fresh security nonce. The device may
// acknowledge the request before the map response arrives.
func (d *v1Dispatcher) GetHomeMap(ctx context.Context) (*HomeMap, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	endpoint := d.link.SecurityEndpoint()
	security := map[string]any{"endpoint": endpoint, "nonce": hex.EncodeToString(nonce)}

	p := d.link.Responses().Next("get_map_v1")
	if err := d.send(ctx, p, "get_map_v1", nil, security); err != nil {
		return nil, err
	}
	for acks := 0; ; acks++ {
		reply, err := p.Wait(ctx)
		if err != nil {
			return nil, err
		}
		if raw, ok := reply.Body.Get(protocol.CodeMapResponse); ok {
			blob, ok := raw.(protocol.MapBlob)
			if !ok {
				return nil, errors.New("get_map_v1: malformed map response")
			}
			if endpoint != "" && !strings.HasPrefix(blob.Endpoint, endpoint) {
				return nil, errors.New("get_map_v1: map response endpoint mismatch")
			}
			data, err := decodeMap(blob.Data, nonce)
			if err != nil {
				return nil, fmt.Errorf("get_map_v1: %w", err)
			}
			return &HomeMap{Data: data}, nil
		}
		res, err := rpcResult("get_map_v1", reply, p.ID)
		if err != nil {
			return nil, err
		}
		if acks >= maxMapAcks {
			return nil, fmt.Errorf("get_map_v1: no map after %d replies (last %v)", acks+1, res)
		}
		d.logger.Debug("map request acknowledged", "result", res)
		if p, err = d.link.Responses().Expect(p.ID, "get_map_v1"); err != nil {
			return nil, err
		}
	}
}

func decodeMap(data, nonce []byte) ([]byte, error) {
	plain, err := protocol.DecryptMapPayload(data, nonce)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(plain))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func (d *v1Dispatcher) GetMapInfo(ctx context.Context) (*MapInfo, error) {
	res, err := d.call(ctx, "get_multi_maps_list", nil)
	if err != nil {
		return nil, err
	}
	obj, err := protocol.ObjectFrom(res)
	if err != nil {
		return nil, fmt.Errorf("get_multi_maps_list: %w", err)
	}
	info := &MapInfo{}
	entries, _ := obj["map_info"].([]any)
	for _, raw := range entries {
		entry, err := protocol.ObjectFrom(raw)
		if err != nil {
			continue
		}
		flag, _ := protocol.IntFrom(entry["mapFlag"])
		m := MapEntry{Flag: flag, Name: stringFrom(entry["name"])}
		rooms, _ := entry["rooms"].([]any)
		for _, r := range rooms {
			room, err := protocol.ObjectFrom(r)
			if err != nil {
				continue
			}
			id, _ := protocol.IntFrom(room["id"])
			m.Rooms = append(m.Rooms, Room{SegmentID: id, IotID: stringFrom(room["iot_name_id"]), Name: stringFrom(room["iot_name"])})
		}
		info.Maps = append(info.Maps, m)
	}
	return info, nil
}

// GetRoomMap reads the segment to room mapping of the active map.
func (d *v1Dispatcher) GetRoomMap(ctx context.Context, mapID int) (*RoomMap, error) {
	res, err := d.call(ctx, "get_room_mapping", nil)
	if err != nil {
		return nil, err
	}
	rm := &RoomMap{MapID: mapID}
	rows, _ := res.([]any)
	for _, raw := range rows {
		row, ok := raw.([]any)
		if !ok || len(row) < 2 {
			continue
		}
		id, ok := protocol.IntFrom(row[0])
		if !ok {
			continue
		}
		rm.Rooms = append(rm.Rooms, Room{SegmentID: id, IotID: stringFrom(row[1])})
	}
	return rm, nil
}

func (d *v1Dispatcher) GoHome(ctx context.Context) error {
	return d.command(ctx, "app_charge", nil)
}

func (d *v1Dispatcher) StartCleaning(ctx context.Context) error {
	return d.command(ctx, "app_start", nil)
}

func (d *v1Dispatcher) StartRoomCleaning(ctx context.Context, roomIDs []int, repeat int) error {
	if repeat <= 0 {
		repeat = 1
	}
	return d.command(ctx, "app_segment_clean", []any{roomIDs, repeat})
}

func (d *v1Dispatcher) PauseCleaning(ctx context.Context) error {
	return d.command(ctx, "app_pause", nil)
}

func (d *v1Dispatcher) ResumeCleaning(ctx context.Context) error {
	return d.command(ctx, "app_start", nil)
}

func (d *v1Dispatcher) ResumeRoomCleaning(ctx context.Context) error {
	return d.command(ctx, "resume_segment_clean", nil)
}

func (d *v1Dispatcher) StopCleaning(ctx context.Context) error {
	return d.command(ctx, "app_stop", nil)
}

func (d *v1Dispatcher) FindMyRobot(ctx context.Context) error {
	return d.command(ctx, "find_me", nil)
}

func (d *v1Dispatcher) SendCustomMessage(ctx context.Context, msg CustomMessage) error {
	return d.command(ctx, msg.Method, msg.Params)
}

func (d *v1Dispatcher) GetCustomMessage(ctx context.Context, msg CustomMessage) (any, error) {
	return d.call(ctx, msg.Method, msg.Params)
}

func (d *v1Dispatcher) GetCleanModeData(ctx context.Context) (*CleanModeSetting, error) {
	route, err := d.call(ctx, "get_mop_mode", nil)
	if err != nil {
		return nil, err
	}
	suction, err := d.call(ctx, "get_custom_mode", nil)
	if err != nil {
		return nil, err
	}
	water, err := d.call(ctx, "get_water_box_custom_mode", nil)
	if err != nil {
		return nil, err
	}
	s := &CleanModeSetting{}
	s.Route, _ = scalarFrom(route, "mop_mode")
	s.Suction, _ = scalarFrom(suction, "fan_power")
	s.Water, _ = scalarFrom(water, "water_box_mode")
	if obj, err := protocol.ObjectFrom(water); err == nil {
		s.DistanceOff, _ = protocol.IntFrom(obj["distance_off"])
	}
	return s, nil
}

func (d *v1Dispatcher) ChangeCleanMode(ctx context.Context, setting CleanModeSetting) error {
	return applyCleanMode(ctx, v1CleanMode{d}, setting)
}

type v1CleanMode struct{ d *v1Dispatcher }

func (o v1CleanMode) currentPlan(ctx context.Context) (int, error) {
	res, err := o.d.call(ctx, "get_custom_mode", nil)
	if err != nil {
		return 0, err
	}
	plan, _ := scalarFrom(res, "fan_power")
	return plan, nil
}

func (o v1CleanMode) setSuction(ctx context.Context, suction int) error {
	return o.d.command(ctx, "set_custom_mode", []any{suction})
}

func (o v1CleanMode) setWater(ctx context.Context, water, distanceOff int) error {
	if water == WaterCustomizeWithDistanceOff {
		return o.d.command(ctx, "set_water_box_custom_mode", map[string]any{"water_box_mode": water, "distance_off": distanceOff})
	}
	return o.d.command(ctx, "set_water_box_custom_mode", []any{water})
}

func (o v1CleanMode) setRoute(ctx context.Context, route int) error {
	return o.d.command(ctx, "set_mop_mode", []any{route})
}

func stringFrom(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
