package roborock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joshp123/robobridge/internal/config"
	"github.com/joshp123/robobridge/plugins/roborock/dispatch"
	"github.com/joshp123/robobridge/plugins/roborock/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bootstrapJSON = `{
  "schema_version": 1,
  "username": "user@example.com",
  "user_data": {
    "uid": 42,
    "rruid": "rr123",
    "region": "eu",
    "rriot": {"u": "user", "s": "secret", "h": "hash", "k": "account-key",
              "r": {"r": "EU", "a": "https://api-eu.roborock.com", "m": "ssl://mqtt-eu.roborock.com:8883", "l": ""}}
  },
  "home_data": {
    "id": 7,
    "name": "Home",
    "products": [{"id": "p1", "name": "S7", "model": "roborock.vacuum.a15", "category": "robot.vacuum.cleaner"}],
    "devices": [
      {"duid": "dev1", "name": "Downstairs", "localKey": "0123456789abcdef", "productId": "p1", "fv": "02.16.12", "pv": "1.0",
       "deviceStatus": {"121": 8, "124": 203}}
    ],
    "receivedDevices": [
      {"duid": "dev2", "name": "Shared", "localKey": "fedcba9876543210", "pv": " B01 "},
      {"duid": "dev3", "name": "Mystery", "localKey": "aaaaaaaaaaaaaaaa", "pv": "9.9"}
    ]
  }
}`

func TestParseBootstrap(t *testing.T) {
	boot, err := ParseBootstrap([]byte(bootstrapJSON))
	require.NoError(t, err)

	devices := boot.Devices()
	require.Len(t, devices, 3)
	assert.Equal(t, Device{
		DUID:        "dev1",
		Name:        "Downstairs",
		LocalKey:    "0123456789abcdef",
		Model:       "roborock.vacuum.a15",
		ProductID:   "p1",
		Firmware:    "02.16.12",
		Version:     protocol.Version1,
		SupportsMop: true,
	}, devices[0])
	assert.Equal(t, protocol.VersionB01, devices[1].Version)
	assert.Equal(t, dispatch.GenerationB01, devices[1].Generation())
	assert.False(t, devices[1].SupportsMop)
	assert.Equal(t, protocol.Version1, devices[2].Version)

	creds := boot.Credentials()
	assert.Equal(t, "user", creds.UserID)
	assert.Equal(t, "ssl://mqtt-eu.roborock.com:8883", creds.MQTTURL)
	assert.NotEmpty(t, boot.SecurityEndpoint())
	assert.Equal(t, boot.SecurityEndpoint(), boot.SecurityEndpoint())
}

func TestParseBootstrapRejects(t *testing.T) {
	cases := map[string]string{
		"not json":       `{`,
		"schema":         `{"schema_version": 2, "username": "u"}`,
		"username":       `{"schema_version": 1}`,
		"rriot":          `{"schema_version": 1, "username": "u", "user_data": {"rriot": {"u": "x"}}}`,
		"missing duid":   `{"schema_version": 1, "username": "u", "user_data": {"rriot": {"u": "x", "s": "y", "k": "z"}}, "home_data": {"devices": [{"name": "a"}]}}`,
		"duplicate duid": `{"schema_version": 1, "username": "u", "user_data": {"rriot": {"u": "x", "s": "y", "k": "z"}}, "home_data": {"devices": [{"duid": "a"}], "receivedDevices": [{"duid": "a"}]}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBootstrap([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadBootstrapFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.json")
	require.NoError(t, os.WriteFile(path, []byte(bootstrapJSON), 0o600))

	boot, err := LoadBootstrap(context.Background(), FileSource(path))
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", boot.Username)

	_, err = LoadBootstrap(context.Background(), FileSource(filepath.Join(t.TempDir(), "missing.json")))
	assert.ErrorContains(t, err, "read roborock bootstrap")
}

func TestConfigFromFile(t *testing.T) {
	_, err := ConfigFromFile(nil)
	assert.Error(t, err)

	off := false
	cfg, err := ConfigFromFile(&config.RoborockConfig{
		CloudFallback:     true,
		Discovery:         &off,
		DeviceIPOverrides: map[string]string{"dev1": "10.0.0.2"},
		Timeouts:          config.TimeoutsConfig{RPC: 5 * time.Second, FragmentDebounce: time.Second},
	})
	require.NoError(t, err)
	assert.True(t, cfg.CloudFallback)
	assert.False(t, cfg.Discovery)
	assert.Equal(t, config.DefaultDiscoveryAddr, cfg.DiscoveryAddr)
	assert.Equal(t, defaultDiscoveryWait, cfg.DiscoveryWait)
	assert.Equal(t, 5*time.Second, cfg.RPCTimeout)
	assert.Equal(t, time.Second, cfg.FragmentDebounce)
	assert.Equal(t, "10.0.0.2", cfg.IPOverrides["dev1"])

	cfg, err = ConfigFromFile(&config.RoborockConfig{})
	require.NoError(t, err)
	assert.True(t, cfg.Discovery)
}
