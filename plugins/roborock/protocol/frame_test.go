package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameReaderSkipsSentinelSegments(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)

	require.NoError(t, w.WriteFrame(bytes.Repeat([]byte{0xaa}, SkipFrameLength)))
	require.NoError(t, w.WriteFrame([]byte("first-frame-payload")))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, w.WriteFrame([]byte("second")))

	r := NewFrameReader(&buf)
	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "first-frame-payload", string(frame))

	frame, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "second", string(frame))
	assert.Equal(t, 1, r.Skipped())

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderTruncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(binary.BigEndian.AppendUint32(nil, 10))
	buf.WriteString("abc")

	_, err := NewFrameReader(&buf).ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTruncated)
}

func TestFrameReaderTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(binary.BigEndian.AppendUint32(nil, MaxFrameSize+1))

	_, err := NewFrameReader(&buf).ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameReaderCodecFrames(t *testing.T) {
	codec := testCodec()
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	for i := 1; i <= 3; i++ {
		frame, err := codec.Serialize(testDUID, Version1, CodeRPCRequest, i, Session{}, map[string]any{"id": float64(i)})
		require.NoError(t, err)
		require.NoError(t, w.WriteFrame(frame))
	}

	r := NewFrameReader(&buf)
	for i := 1; i <= 3; i++ {
		frame, err := r.ReadFrame()
		require.NoError(t, err)
		env, err := codec.Deserialize(testDUID, frame, "test")
		require.NoError(t, err)
		assert.Equal(t, uint32(i), env.Header.Seq)
	}
}
