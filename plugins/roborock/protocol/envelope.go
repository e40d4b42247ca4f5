package protocol

import (
	"sort"
	"strconv"
)

// HeaderLen is the size of a frame header without payload length or CRC.
const HeaderLen = 3 + 4 + 4 + 4 + 2

type Header struct {
	Version   Version
	Seq       uint32
	Nonce     uint32
	Timestamp uint32
	Protocol  Code
}

// Body maps protocol codes (or data point ids) to payload values.
type Body map[string]any

// Envelope is a decoded header and its optional body.
type Envelope struct {
	Header Header
	Body   Body
}

func (b Body) Get(code Code) (any, bool) {
	if b == nil {
		return nil, false
	}
	v, ok := b[code.Key()]
	return v, ok
}

// Keys returns the body keys in a stable order.
func (b Body) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, ei := strconv.Atoi(keys[i])
		nj, ej := strconv.Atoi(keys[j])
		if ei == nil && ej == nil {
			return ni < nj
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Session carries the per-connection nonces negotiated by the hello
// handshake. Zero values mean "not negotiated".
type Session struct {
	ConnectNonce uint32
	AckNonce     uint32
}

// MapBlob is the decoded header of a map response. Data is still encrypted.
type MapBlob struct {
	Endpoint  string
	RequestID int
	Data      []byte
}
