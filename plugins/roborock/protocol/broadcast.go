package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// broadcastHeaderLen covers version, sequence and the two reserved bytes.
const broadcastHeaderLen = 3 + 4 + 2

// Beacon is a decoded discovery datagram.
type Beacon struct {
	DUID    string  `json:"duid"`
	IP      string  `json:"ip"`
	Version Version `json:"-"`
}

// DecodeBroadcast verifies the CRC-32 trailer and decrypts a beacon using the
// family selected by the header tag: ECB for "1.0", GCM for "L01".
func DecodeBroadcast(data []byte, origin string) (Beacon, error) {
	if len(data) < broadcastHeaderLen+2+4 {
		return Beacon{}, &ProtocolError{Reason: fmt.Sprintf("broadcast too short (%d bytes)", len(data))}
	}
	version := Version(data[:3])
	if version != Version1 && version != VersionL01 {
		return Beacon{}, &ProtocolError{Version: string(data[:3]), Reason: "unsupported protocol version"}
	}
	checksumOffset := len(data) - 4
	expected := binary.BigEndian.Uint32(data[checksumOffset:])
	if actual := crc32sum(data[:checksumOffset]); actual != expected {
		return Beacon{}, &ChecksumError{Origin: origin, Expected: expected, Actual: actual}
	}
	payloadLen := int(binary.BigEndian.Uint16(data[broadcastHeaderLen : broadcastHeaderLen+2]))
	payloadStart := broadcastHeaderLen + 2
	if payloadStart+payloadLen != checksumOffset {
		return Beacon{}, &ProtocolError{Version: string(version), Reason: "broadcast payload out of range"}
	}
	payloadEnc := data[payloadStart:checksumOffset]

	var (
		payload []byte
		err     error
	)
	if version == VersionL01 {
		payload, err = gcmDecrypt(sha256Bytes([]byte(broadcastToken)), sha256Bytes(data[:broadcastHeaderLen])[:12], nil, payloadEnc)
	} else {
		payload, err = aesEcbDecrypt(payloadEnc, []byte(broadcastToken))
	}
	if err != nil {
		return Beacon{}, &DecryptionError{Version: version, Origin: origin, Err: err}
	}
	var beacon Beacon
	if err := json.Unmarshal(payload, &beacon); err != nil {
		return Beacon{}, &ProtocolError{Version: string(version), Reason: "malformed broadcast payload: " + err.Error()}
	}
	if beacon.DUID == "" {
		return Beacon{}, &ProtocolError{Version: string(version), Reason: "broadcast without duid"}
	}
	beacon.Version = version
	return beacon, nil
}

// EncodeBroadcast builds a beacon datagram the way devices emit them.
func EncodeBroadcast(beacon Beacon, seq uint32) ([]byte, error) {
	version := beacon.Version
	if version == "" {
		version = Version1
	}
	plain, err := json.Marshal(beacon)
	if err != nil {
		return nil, err
	}
	header := make([]byte, 0, broadcastHeaderLen)
	header = append(header, []byte(version)...)
	header = putUint32(header, seq)
	header = putUint16(header, 0)

	var payload []byte
	switch version {
	case VersionL01:
		payload, err = gcmEncrypt(sha256Bytes([]byte(broadcastToken)), sha256Bytes(header)[:12], nil, plain)
	case Version1:
		payload, err = aesEcbEncrypt(plain, []byte(broadcastToken))
	default:
		return nil, &ProtocolError{Version: string(version), Reason: "unsupported protocol version"}
	}
	if err != nil {
		return nil, err
	}
	out := append(header, 0, 0)
	binary.BigEndian.PutUint16(out[broadcastHeaderLen:], uint16(len(payload)))
	out = append(out, payload...)
	return putUint32(out, crc32sum(out)), nil
}
