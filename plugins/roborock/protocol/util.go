package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/rand/v2"
	"time"
)

func nowTimestamp() uint32 {
	return uint32(time.Now().Unix())
}

// NextInt returns a pseudo-random int in [min, max).
func NextInt(min, max int) int {
	if max <= min {
		return min
	}
	return rand.IntN(max-min) + min
}

func encodeTimestamp(ts uint32) []byte {
	hex := fmt.Sprintf("%08x", ts)
	order := []int{5, 6, 3, 7, 1, 2, 0, 4}
	out := make([]byte, 8)
	for i, idx := range order {
		out[i] = hex[idx]
	}
	return out
}

func crc32sum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

func putUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

func putUint16(buf []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(buf, v)
}
