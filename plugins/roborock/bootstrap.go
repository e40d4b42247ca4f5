package roborock

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joshp123/robobridge/plugins/roborock/dispatch"
	"github.com/joshp123/robobridge/plugins/roborock/protocol"
	"github.com/joshp123/robobridge/plugins/roborock/transport"
)

const bootstrapSchemaVersion = 1

// BootstrapState is the persisted account and device snapshot the bridge
// starts from. It is produced out of band by the cloud account login.
type BootstrapState struct {
	SchemaVersion int      `json:"schema_version"`
	Username      string   `json:"username"`
	UserData      UserData `json:"user_data"`
	HomeData      HomeData `json:"home_data"`
}

type Reference struct {
	R string `json:"r"`
	A string `json:"a"`
	M string `json:"m"`
	L string `json:"l"`
}

type RRiot struct {
	U string    `json:"u"`
	S string    `json:"s"`
	H string    `json:"h"`
	K string    `json:"k"`
	R Reference `json:"r"`
}

type UserData struct {
	UID    int64  `json:"uid"`
	RRUID  string `json:"rruid"`
	Region string `json:"region"`
	RRIOT  RRiot  `json:"rriot"`
}

type HomeData struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name"`
	Products        []HomeDataProduct `json:"products"`
	Devices         []HomeDataDevice  `json:"devices"`
	ReceivedDevices []HomeDataDevice  `json:"receivedDevices"`
}

type HomeDataProduct struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	Category string `json:"category"`
}

type HomeDataDevice struct {
	DUID         string         `json:"duid"`
	Name         string         `json:"name"`
	LocalKey     string         `json:"localKey"`
	ProductID    string         `json:"productId"`
	Firmware     string         `json:"fv"`
	PV           string         `json:"pv"`
	Online       bool           `json:"online"`
	DeviceStatus map[string]any `json:"deviceStatus"`
}

// Device is one vacuum known to the bridge.
type Device struct {
	DUID        string           `json:"duid"`
	Name        string           `json:"name"`
	LocalKey    string           `json:"-"`
	Model       string           `json:"model"`
	ProductID   string           `json:"product_id"`
	Firmware    string           `json:"firmware"`
	Version     protocol.Version `json:"version"`
	SupportsMop bool             `json:"supports_mop"`
}

// Generation is the command dialect chosen for the device.
func (d Device) Generation() dispatch.Generation {
	return dispatch.GenerationFor(d.Version)
}

// BootstrapSource loads the raw bootstrap document.
type BootstrapSource interface {
	Load(ctx context.Context) ([]byte, error)
}

// FileSource reads the bootstrap from a local file.
type FileSource string

func (f FileSource) Load(context.Context) ([]byte, error) {
	return os.ReadFile(string(f))
}

// LoadBootstrap reads and validates the bootstrap from src.
func LoadBootstrap(ctx context.Context, src BootstrapSource) (BootstrapState, error) {
	data, err := src.Load(ctx)
	if err != nil {
		return BootstrapState{}, fmt.Errorf("read roborock bootstrap: %w", err)
	}
	return ParseBootstrap(data)
}

func ParseBootstrap(data []byte) (BootstrapState, error) {
	var state BootstrapState
	if err := json.Unmarshal(data, &state); err != nil {
		return BootstrapState{}, fmt.Errorf("parse roborock bootstrap: %w", err)
	}
	if state.SchemaVersion != bootstrapSchemaVersion {
		return BootstrapState{}, fmt.Errorf("unsupported roborock bootstrap schema_version %d", state.SchemaVersion)
	}
	if state.Username == "" {
		return BootstrapState{}, errors.New("roborock bootstrap missing username")
	}
	rriot := state.UserData.RRIOT
	if rriot.U == "" || rriot.S == "" || rriot.K == "" {
		return BootstrapState{}, errors.New("roborock bootstrap missing rriot fields")
	}
	seen := make(map[string]bool)
	for _, dev := range state.allDevices() {
		if dev.DUID == "" {
			return BootstrapState{}, errors.New("roborock bootstrap device missing duid")
		}
		if seen[dev.DUID] {
			return BootstrapState{}, fmt.Errorf("roborock bootstrap lists device %s twice", dev.DUID)
		}
		seen[dev.DUID] = true
	}
	return state, nil
}

func (s BootstrapState) allDevices() []HomeDataDevice {
	out := make([]HomeDataDevice, 0, len(s.HomeData.Devices)+len(s.HomeData.ReceivedDevices))
	out = append(out, s.HomeData.Devices...)
	return append(out, s.HomeData.ReceivedDevices...)
}

// Devices flattens owned and shared devices with their product models.
func (s BootstrapState) Devices() []Device {
	products := make(map[string]HomeDataProduct, len(s.HomeData.Products))
	for _, p := range s.HomeData.Products {
		products[p.ID] = p
	}
	all := s.allDevices()
	out := make([]Device, 0, len(all))
	for _, dev := range all {
		version := protocol.Version1
		if pv, err := protocol.ParseVersion(strings.TrimSpace(dev.PV)); err == nil {
			version = pv
		}
		_, supportsMop := dev.DeviceStatus[protocol.CodeWaterBox.Key()]
		out = append(out, Device{
			DUID:        dev.DUID,
			Name:        dev.Name,
			LocalKey:    dev.LocalKey,
			Model:       products[dev.ProductID].Model,
			ProductID:   dev.ProductID,
			Firmware:    dev.Firmware,
			Version:     version,
			SupportsMop: supportsMop,
		})
	}
	return out
}

// Credentials returns the cloud bus secrets.
func (s BootstrapState) Credentials() transport.Credentials {
	rriot := s.UserData.RRIOT
	return transport.Credentials{UserID: rriot.U, Secret: rriot.S, Key: rriot.K, MQTTURL: rriot.R.M}
}

// SecurityEndpoint identifies the account in map requests.
func (s BootstrapState) SecurityEndpoint() string {
	hash := md5.Sum([]byte(s.UserData.RRIOT.K))
	return base64.StdEncoding.EncodeToString(hash[8:14])
}
