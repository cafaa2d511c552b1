package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1

	// frameHeaderSize is version + type + flags
	frameHeaderSize = 3

	// lengthPrefixSize is the big-endian length that precedes every frame
	lengthPrefixSize = 4
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidVersion     = errors.New("invalid protocol version")
	ErrInvalidFrameLength = errors.New("invalid frame length")
)

// Frame represents a protocol frame
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
//
// Type carries the envelope kind (or TypeLegacyText). Flags are reserved and
// currently always zero.
type Frame struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload []byte
}

// EncodeFrame writes a frame to the writer in a single Write call
func EncodeFrame(w io.Writer, f *Frame) error {
	data, err := EncodeMessage(f.Version, f.Type, f.Flags, f.Payload)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// DecodeFrame reads exactly one frame from the reader.
//
// Structural problems (oversized, undersized, wrong version) are reported only
// after the whole frame has been consumed, so the reader stays aligned on the
// next frame boundary. I/O errors are returned unchanged.
func DecodeFrame(r io.Reader) (*Frame, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])

	if length > MaxFrameSize {
		if err := discard(r, length); err != nil {
			return nil, err
		}
		return nil, ErrFrameTooLarge
	}

	if length < frameHeaderSize {
		if err := discard(r, length); err != nil {
			return nil, err
		}
		return nil, ErrInvalidFrameLength
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if body[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	return &Frame{
		Version: body[0],
		Type:    body[1],
		Flags:   body[2],
		Payload: body[frameHeaderSize:],
	}, nil
}

// EncodeMessage is a helper that encodes a frame to a byte slice
func EncodeMessage(version, msgType uint8, flags uint8, payload []byte) ([]byte, error) {
	length := uint32(frameHeaderSize + len(payload))
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	data := make([]byte, 0, lengthPrefixSize+int(length))
	data = binary.BigEndian.AppendUint32(data, length)
	data = append(data, version, msgType, flags)
	return append(data, payload...), nil
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}

func discard(r io.Reader, n uint32) error {
	if n == 0 {
		return nil
	}
	copied, err := io.CopyN(io.Discard, r, int64(n))
	if err == io.EOF && copied < int64(n) {
		return io.ErrUnexpectedEOF
	}
	return err
}
