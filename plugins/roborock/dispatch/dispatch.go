// Package dispatch turns device operations into per-generation wire calls.
//
// Each device is bound to exactly one Generation when its session is set up.
// Operations a generation cannot perform return a nil result and a nil error.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joshp123/robobridge/plugins/roborock/correlation"
	"github.com/joshp123/robobridge/plugins/roborock/protocol"
	"github.com/joshp123/robobridge/plugins/roborock/state"
)

// Generation selects the command dialect of a device.
type Generation int

const (
	GenerationUnknown Generation = iota
	// GenerationV1 speaks method RPC over the 1.0 and L01 wire versions.
	GenerationV1
	// GenerationB01 speaks service/prop RPC over the B01 wire version and
	// answers in fragments.
	GenerationB01
)

func (g Generation) String() string {
	switch g {
	case GenerationV1:
		return "v1"
	case GenerationB01:
		return "b01"
	default:
		return "unknown"
	}
}

// GenerationFor maps a wire version to its command dialect. A01 devices have
// no command dialect here.
func GenerationFor(version protocol.Version) Generation {
	switch version {
	case protocol.Version1, protocol.VersionL01:
		return GenerationV1
	case protocol.VersionB01:
		return GenerationB01
	default:
		return GenerationUnknown
	}
}

// Link is a device session as seen by a dispatcher.
type Link interface {
	DUID() string
	// Local reports whether frames go over the LAN stream rather than the
	// cloud bus.
	Local() bool
	Send(ctx context.Context, env protocol.Envelope) error
	Responses() *correlation.ResponseTracker
	Fragments() *correlation.FragmentTracker
	// SecurityEndpoint identifies the account in map requests.
	SecurityEndpoint() string
}

// Dispatcher is the operation set shared by every generation.
type Dispatcher interface {
	Generation() Generation
	GetNetworkInfo(ctx context.Context) (*NetworkInfo, error)
	GetDeviceStatus(ctx context.Context) (*DeviceStatus, error)
	GetHomeMap(ctx context.Context) (*HomeMap, error)
	GetMapInfo(ctx context.Context) (*MapInfo, error)
	GetRoomMap(ctx context.Context, mapID int) (*RoomMap, error)
	GoHome(ctx context.Context) error
	StartCleaning(ctx context.Context) error
	StartRoomCleaning(ctx context.Context, roomIDs []int, repeat int) error
	PauseCleaning(ctx context.Context) error
	ResumeCleaning(ctx context.Context) error
	ResumeRoomCleaning(ctx context.Context) error
	StopCleaning(ctx context.Context) error
	FindMyRobot(ctx context.Context) error
	SendCustomMessage(ctx context.Context, msg CustomMessage) error
	GetCustomMessage(ctx context.Context, msg CustomMessage) (any, error)
	GetCleanModeData(ctx context.Context) (*CleanModeSetting, error)
	ChangeCleanMode(ctx context.Context, setting CleanModeSetting) error
}

// New returns the dispatcher for a generation.
func New(gen Generation, link Link, logger *slog.Logger) (Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("duid", link.DUID(), "generation", gen.String())
	switch gen {
	case GenerationV1:
		return &v1Dispatcher{link: link, logger: logger}, nil
	case GenerationB01:
		return &b01Dispatcher{link: link, logger: logger}, nil
	default:
		return nil, fmt.Errorf("no dispatcher for generation %s", gen)
	}
}

// RPCError is an error reply from the device.
type RPCError struct {
	Method  string
	Payload any
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("device rejected %s: %v", e.Method, e.Payload)
}

type NetworkInfo struct {
	IP    string `json:"ip"`
	SSID  string `json:"ssid"`
	MAC   string `json:"mac"`
	BSSID string `json:"bssid"`
	RSSI  int    `json:"rssi"`
}

// DeviceStatus is a normalized status read.
type DeviceStatus struct {
	Status       state.Status    `json:"status"`
	Battery      int             `json:"battery"`
	FanPower     int             `json:"fan_power"`
	WaterBoxMode int             `json:"water_box_mode"`
	MopMode      int             `json:"mop_mode"`
	ErrorCode    int             `json:"error_code"`
	CleanTime    int             `json:"clean_time"`
	CleanArea    int             `json:"clean_area"`
	Modifiers    state.Modifiers `json:"-"`
	Raw          map[string]any  `json:"raw,omitempty"`
}

// Resolved derives the run mode and operational state.
func (s DeviceStatus) Resolved() state.Resolved {
	return state.Resolve(s.Status, s.Modifiers)
}

// HomeMap is the decrypted, decompressed map blob.
type HomeMap struct {
	Data []byte
}

type Room struct {
	SegmentID int    `json:"segment_id"`
	IotID     string `json:"iot_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

type MapEntry struct {
	Flag  int    `json:"flag"`
	Name  string `json:"name"`
	Rooms []Room `json:"rooms,omitempty"`
}

type MapInfo struct {
	Maps []MapEntry `json:"maps"`
}

type RoomMap struct {
	MapID int    `json:"map_id"`
	Rooms []Room `json:"rooms"`
}

// CustomMessage is a raw method call.
type CustomMessage struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}
