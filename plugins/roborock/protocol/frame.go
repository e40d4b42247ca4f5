package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// LengthPrefixSize is the size of the stream length prefix in bytes.
	LengthPrefixSize = 4

	// SkipFrameLength marks a stream segment that carries no decodable frame.
	SkipFrameLength = 17

	// MaxFrameSize bounds a single stream frame.
	MaxFrameSize = 1 << 20
)

var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrFrameTruncated = errors.New("frame truncated")
)

// FrameReader reads 4-byte big-endian length-prefixed frames.
type FrameReader struct {
	r         io.Reader
	lengthBuf [LengthPrefixSize]byte
	skipped   int
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame returns the next frame without its prefix. Sentinel-length and
// zero-length segments are consumed and skipped.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		if _, err := io.ReadFull(fr.r, fr.lengthBuf[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrFrameTruncated
			}
			return nil, err
		}
		length := binary.BigEndian.Uint32(fr.lengthBuf[:])
		if length > MaxFrameSize {
			return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, MaxFrameSize)
		}
		if length == 0 {
			continue
		}
		frame := make([]byte, length)
		if _, err := io.ReadFull(fr.r, frame); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, ErrFrameTruncated
			}
			return nil, err
		}
		if length == SkipFrameLength {
			fr.skipped++
			continue
		}
		return frame, nil
	}
}

// Skipped reports how many sentinel segments were dropped.
func (fr *FrameReader) Skipped() int {
	return fr.skipped
}

// FrameWriter writes length-prefixed frames. Safe for concurrent use.
type FrameWriter struct {
	w  io.Writer
	mu sync.Mutex
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (fw *FrameWriter) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), MaxFrameSize)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	out := make([]byte, 0, LengthPrefixSize+len(frame))
	out = binary.BigEndian.AppendUint32(out, uint32(len(frame)))
	out = append(out, frame...)
	_, err := fw.w.Write(out)
	return err
}
