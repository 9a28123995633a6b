package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	frameHeaderBytes = 4

	// DefaultMaxFrameBytes bounds a single frame when no limit is configured.
	DefaultMaxFrameBytes = 1 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrEmptyFrame    = errors.New("frame length zero")
)

// Encoder writes envelopes with a length-prefixed JSON frame.
type Encoder struct {
	writer   io.Writer
	maxBytes int
}

// Decoder reads envelopes with a length-prefixed JSON frame.
type Decoder struct {
	reader   *bufio.Reader
	maxBytes int
}

// NewEncoder creates a new encoder for the given writer. A non-positive
// maxBytes selects DefaultMaxFrameBytes.
func NewEncoder(w io.Writer, maxBytes int) *Encoder {
	return &Encoder{writer: w, maxBytes: frameLimit(maxBytes)}
}

// NewDecoder creates a new decoder for the given reader.
func NewDecoder(r io.Reader, maxBytes int) *Decoder {
	return &Decoder{reader: bufio.NewReader(r), maxBytes: frameLimit(maxBytes)}
}

func frameLimit(maxBytes int) int {
	if maxBytes <= 0 {
		return DefaultMaxFrameBytes
	}
	return maxBytes
}

// Encode writes the envelope to the underlying writer.
func (e *Encoder) Encode(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(data) > e.maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	frame := make([]byte, frameHeaderBytes+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[frameHeaderBytes:], data)

	_, err = e.writer.Write(frame)
	return err
}

// Decode reads the next envelope from the stream.
func (d *Decoder) Decode(ctx context.Context) (Envelope, error) {
	var env Envelope

	header := make([]byte, frameHeaderBytes)
	if err := d.readFull(ctx, header); err != nil {
		return env, err
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return env, ErrEmptyFrame
	}
	if uint64(length) > uint64(d.maxBytes) {
		return env, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if err := d.readFull(ctx, payload); err != nil {
		return env, err
	}

	if err := json.Unmarshal(payload, &env); err != nil {
		return env, err
	}

	return env, nil
}

func (d *Decoder) readFull(ctx context.Context, buf []byte) error {
	read := 0
	for read < len(buf) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := d.reader.Read(buf[read:])
		read += n
		if err != nil {
			if errors.Is(err, io.EOF) && read > 0 && read < len(buf) {
				return io.ErrUnexpectedEOF
			}
			if read == len(buf) && errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}
