package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Keys resolves the local key used to encrypt frames for a device.
type Keys interface {
	LocalKey(duid string) (string, bool)
}

// StaticKeys is a fixed DUID -> local key table.
type StaticKeys map[string]string

func (k StaticKeys) LocalKey(duid string) (string, bool) {
	key, ok := k[duid]
	return key, ok && key != ""
}

// Codec encodes and decodes device frames for every supported version.
type Codec struct {
	keys Keys
}

func NewCodec(keys Keys) *Codec {
	return &Codec{keys: keys}
}

// Serialize builds a frame carrying params for the given code. The message id
// becomes the header sequence number so hello/ping replies can be matched.
func (c *Codec) Serialize(duid string, version Version, code Code, messageID int, sess Session, params any) ([]byte, error) {
	env := Envelope{Header: Header{Version: version, Protocol: code}}
	if messageID > 0 {
		env.Header.Seq = uint32(messageID)
	}
	if params != nil {
		key := code.Key()
		if version == VersionB01 {
			key = B01Request
		}
		env.Body = Body{key: params}
	}
	return c.Encode(duid, env, sess)
}

// Encode frames an envelope. The result has the CRC-32 trailer but no
// stream length prefix; FrameWriter adds that for the TCP transport.
func (c *Codec) Encode(duid string, env Envelope, sess Session) ([]byte, error) {
	h := env.Header
	if !h.Version.Valid() {
		return nil, &ProtocolError{Version: string(h.Version), Reason: "unsupported protocol version"}
	}
	if h.Timestamp == 0 {
		h.Timestamp = nowTimestamp()
	}
	if h.Seq == 0 {
		h.Seq = uint32(NextInt(100000, 999999))
	}
	if h.Nonce == 0 {
		h.Nonce = uint32(NextInt(10000, 99999))
	}

	plain, err := encodeBody(h, env.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	var payload []byte
	if len(plain) > 0 {
		localKey, ok := c.localKey(duid)
		if !ok {
			return nil, fmt.Errorf("%w for %s", ErrMissingKey, duid)
		}
		payload, err = encryptPayload(h, plain, localKey, sess)
		if err != nil {
			return nil, err
		}
		if len(payload) > 0xffff {
			return nil, fmt.Errorf("payload too large: %d bytes", len(payload))
		}
	}

	buf := make([]byte, 0, HeaderLen+2+len(payload)+4)
	buf = append(buf, []byte(h.Version)...)
	buf = putUint32(buf, h.Seq)
	buf = putUint32(buf, h.Nonce)
	buf = putUint32(buf, h.Timestamp)
	buf = putUint16(buf, uint16(h.Protocol))
	buf = putUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	return putUint32(buf, crc32sum(buf)), nil
}

// Deserialize decodes one frame (without the stream length prefix) using an
// empty session.
func (c *Codec) Deserialize(duid string, frame []byte, origin string) (Envelope, error) {
	return c.DeserializeSession(duid, frame, origin, Session{})
}

// DeserializeSession decodes a frame from a connection with negotiated nonces.
func (c *Codec) DeserializeSession(duid string, frame []byte, origin string, sess Session) (Envelope, error) {
	h, payloadEnc, err := splitFrame(frame, origin)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{Header: h}
	if len(payloadEnc) == 0 {
		return env, nil
	}
	localKey, ok := c.localKey(duid)
	if !ok {
		return Envelope{}, fmt.Errorf("%w for %s", ErrMissingKey, duid)
	}
	return c.open(env, payloadEnc, localKey, sess, origin)
}

func (c *Codec) open(env Envelope, payloadEnc []byte, localKey string, sess Session, origin string) (Envelope, error) {
	plain, err := decryptPayload(env.Header, payloadEnc, localKey, sess)
	if err != nil {
		return Envelope{}, &DecryptionError{Version: env.Header.Version, Origin: origin, Err: err}
	}
	body, err := decodeBody(env.Header, plain)
	if err != nil {
		return Envelope{}, &ProtocolError{Version: string(env.Header.Version), Reason: "malformed payload: " + err.Error()}
	}
	env.Body = body
	return env, nil
}

func (c *Codec) localKey(duid string) (string, bool) {
	if c.keys == nil {
		return "", false
	}
	return c.keys.LocalKey(duid)
}

func splitFrame(frame []byte, origin string) (Header, []byte, error) {
	if len(frame) < HeaderLen {
		return Header{}, nil, &ProtocolError{Reason: fmt.Sprintf("frame too short (%d bytes)", len(frame))}
	}
	version, err := ParseVersion(string(frame[:3]))
	if err != nil {
		return Header{}, nil, err
	}
	h := Header{
		Version:   version,
		Seq:       binary.BigEndian.Uint32(frame[3:7]),
		Nonce:     binary.BigEndian.Uint32(frame[7:11]),
		Timestamp: binary.BigEndian.Uint32(frame[11:15]),
		Protocol:  Code(binary.BigEndian.Uint16(frame[15:17])),
	}
	if len(frame) == HeaderLen {
		return h, nil, nil
	}
	if len(frame) < HeaderLen+4 {
		return Header{}, nil, &ProtocolError{Version: string(version), Reason: "truncated checksum"}
	}
	checksumOffset := len(frame) - 4
	expected := binary.BigEndian.Uint32(frame[checksumOffset:])
	rest := frame[HeaderLen:checksumOffset]
	// Some firmware sends a zero checksum on payload-less acks; only those skip the check.
	headerOnly := len(rest) == 0 || (len(rest) == 2 && binary.BigEndian.Uint16(rest) == 0)
	if expected != 0 || !headerOnly {
		if actual := crc32sum(frame[:checksumOffset]); actual != expected {
			return Header{}, nil, &ChecksumError{Origin: origin, Expected: expected, Actual: actual}
		}
	}
	if len(rest) == 0 {
		// Some devices omit the 2-byte payload length when payload is empty.
		return h, nil, nil
	}
	if len(rest) < 2 {
		return Header{}, nil, &ProtocolError{Version: string(version), Reason: "truncated payload length"}
	}
	payloadLen := int(binary.BigEndian.Uint16(rest[:2]))
	if payloadLen != len(rest)-2 {
		return Header{}, nil, &ProtocolError{Version: string(version), Reason: fmt.Sprintf("payload length %d does not match frame (%d)", payloadLen, len(rest)-2)}
	}
	return h, rest[2:], nil
}

func encryptPayload(h Header, plain []byte, localKey string, sess Session) ([]byte, error) {
	switch h.Version {
	case VersionL01:
		return gcmEncrypt(l01Key(localKey, h.Timestamp), l01IV(h.Timestamp, h.Nonce, h.Seq), l01AAD(h.Timestamp, h.Nonce, h.Seq, sess), plain)
	case VersionA01:
		return aesCbcEncrypt(plain, []byte(localKey), cbcIV(h.Nonce, a01Hash, 8))
	case VersionB01:
		return aesCbcEncrypt(plain, []byte(localKey), cbcIV(h.Nonce, b01Hash, 9))
	default:
		return aesEcbEncrypt(plain, v1Key(localKey, h.Timestamp))
	}
}

func decryptPayload(h Header, payload []byte, localKey string, sess Session) ([]byte, error) {
	switch h.Version {
	case VersionL01:
		return gcmDecrypt(l01Key(localKey, h.Timestamp), l01IV(h.Timestamp, h.Nonce, h.Seq), l01AAD(h.Timestamp, h.Nonce, h.Seq, sess), payload)
	case VersionA01:
		return aesCbcDecrypt(payload, []byte(localKey), cbcIV(h.Nonce, a01Hash, 8))
	case VersionB01:
		return aesCbcDecrypt(payload, []byte(localKey), cbcIV(h.Nonce, b01Hash, 9))
	default:
		return aesEcbDecrypt(payload, v1Key(localKey, h.Timestamp))
	}
}

func v1Key(localKey string, timestamp uint32) []byte {
	return md5Bytes(keyMaterial(localKey, timestamp))
}

func l01Key(localKey string, timestamp uint32) []byte {
	return sha256Bytes(keyMaterial(localKey, timestamp))
}

func keyMaterial(localKey string, timestamp uint32) []byte {
	out := encodeTimestamp(timestamp)
	out = append(out, []byte(localKey)...)
	return append(out, []byte(roborockSalt)...)
}

func l01IV(timestamp, nonce, sequence uint32) []byte {
	buf := make([]byte, 0, 12)
	buf = putUint32(buf, sequence)
	buf = putUint32(buf, nonce)
	buf = putUint32(buf, timestamp)
	return sha256Bytes(buf)[:12]
}

func l01AAD(timestamp, nonce, sequence uint32, sess Session) []byte {
	buf := make([]byte, 0, 20)
	buf = putUint32(buf, sequence)
	buf = putUint32(buf, sess.ConnectNonce)
	if sess.AckNonce != 0 {
		buf = putUint32(buf, sess.AckNonce)
	}
	buf = putUint32(buf, nonce)
	return putUint32(buf, timestamp)
}

func cbcIV(nonce uint32, hash string, offset int) []byte {
	digest := MD5Hex([]byte(fmt.Sprintf("%08x", nonce) + hash))
	return []byte(digest[offset : offset+16])
}

// encodeBody wraps the body as {"dps": ..., "t": ts}. The 1.0/L01 firmware
// expects structured dps values as JSON strings.
func encodeBody(h Header, body Body) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}
	if h.Protocol == CodeMapResponse {
		blob, ok := body[CodeMapResponse.Key()].(MapBlob)
		if !ok {
			return nil, errors.New("map response body must be a MapBlob")
		}
		return EncodeMapBlob(blob), nil
	}
	dps := make(map[string]any, len(body))
	for k, v := range body {
		if h.Version == Version1 || h.Version == VersionL01 {
			switch v.(type) {
			case map[string]any, []any:
				raw, err := json.Marshal(v)
				if err != nil {
					return nil, err
				}
				dps[k] = string(raw)
				continue
			}
		}
		dps[k] = v
	}
	return json.Marshal(map[string]any{"dps": dps, "t": h.Timestamp})
}

func decodeBody(h Header, plain []byte) (Body, error) {
	if len(plain) == 0 {
		return nil, nil
	}
	if h.Protocol == CodeMapResponse {
		blob, err := parseMapBlob(plain)
		if err != nil {
			return nil, err
		}
		return Body{CodeMapResponse.Key(): blob}, nil
	}
	var outer map[string]any
	if err := json.Unmarshal(plain, &outer); err != nil {
		var scalar any
		if errScalar := json.Unmarshal(plain, &scalar); errScalar == nil {
			return Body{h.Protocol.Key(): scalar}, nil
		}
		return nil, err
	}
	dps, ok := outer["dps"].(map[string]any)
	if !ok {
		// L01 rpc responses carry the reply object directly.
		return Body{h.Protocol.Key(): outer}, nil
	}
	body := make(Body, len(dps))
	for k, v := range dps {
		body[k] = expandJSONString(v)
	}
	return body, nil
}

func expandJSONString(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return v
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return v
	}
	return parsed
}

func parseMapBlob(payload []byte) (MapBlob, error) {
	if len(payload) < 24 {
		return MapBlob{}, errors.New("invalid map response payload")
	}
	header := payload[:24]
	return MapBlob{
		Endpoint:  strings.TrimRight(string(header[:8]), "\x00"),
		RequestID: int(binary.LittleEndian.Uint16(header[16:18])),
		Data:      payload[24:],
	}, nil
}

// EncodeMapBlob builds a map response payload; used by device simulators.
func EncodeMapBlob(blob MapBlob) []byte {
	header := make([]byte, 24)
	copy(header[:8], blob.Endpoint)
	binary.LittleEndian.PutUint16(header[16:18], uint16(blob.RequestID))
	return append(header, blob.Data...)
}

// IntFrom converts JSON numbers and numeric strings.
func IntFrom(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case uint32:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

var errNotObject = errors.New("value is not an object")

// ObjectFrom returns v as a JSON object, unwrapping one-element arrays.
func ObjectFrom(v any) (map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case []any:
		if len(t) == 1 {
			return ObjectFrom(t[0])
		}
	case string:
		if parsed, ok := expandJSONString(t).(map[string]any); ok {
			return parsed, nil
		}
	}
	return nil, errNotObject
}
