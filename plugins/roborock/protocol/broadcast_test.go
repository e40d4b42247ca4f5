package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastRoundTrip(t *testing.T) {
	for _, version := range []Version{Version1, VersionL01} {
		t.Run(string(version), func(t *testing.T) {
			beacon := Beacon{DUID: "duid-1", IP: "192.0.2.10", Version: version}
			data, err := EncodeBroadcast(beacon, 11)
			require.NoError(t, err)

			got, err := DecodeBroadcast(data, "192.0.2.10:58866")
			require.NoError(t, err)
			assert.Equal(t, beacon, got)
		})
	}
}

func TestBroadcastBitFlipFailsChecksum(t *testing.T) {
	data, err := EncodeBroadcast(Beacon{DUID: "duid-1", IP: "192.0.2.10", Version: VersionL01}, 1)
	require.NoError(t, err)

	// Every bit after the version tag is covered by the CRC trailer.
	for i := 3; i < len(data); i++ {
		for bit := 0; bit < 8; bit++ {
			bad := append([]byte(nil), data...)
			bad[i] ^= 1 << bit
			_, err := DecodeBroadcast(bad, "test")
			require.ErrorIs(t, err, ErrChecksum, "byte %d bit %d", i, bit)
		}
	}
}

func TestBroadcastRejectsUnknownVersion(t *testing.T) {
	data, err := EncodeBroadcast(Beacon{DUID: "duid-1", IP: "192.0.2.10", Version: Version1}, 1)
	require.NoError(t, err)
	copy(data, "B01")

	_, err = DecodeBroadcast(data, "test")
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestBroadcastTooShort(t *testing.T) {
	_, err := DecodeBroadcast([]byte("1.0"), "test")
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}
