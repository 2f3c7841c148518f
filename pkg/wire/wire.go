// Package wire defines the protocol messages exchanged between client and
// server and their binary encoding. Frames look like:
//
//	| 1B type | 4B big-endian seq | 4B big-endian length | payload... |
//
// seq is a per-direction counter within one session; a receiver that sees
// a discontinuity treats it as a delivery gap and degrades to full resync.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MTHello     byte = 0x01
	MTWelcome   byte = 0x02
	MTSnapshot  byte = 0x03
	MTSubmit    byte = 0x04
	MTAck       byte = 0x05
	MTConflict  byte = 0x06
	MTDelta     byte = 0x07
	MTResyncReq byte = 0x08

	MTPing  byte = 0x10
	MTPong  byte = 0x11
	MTClose byte = 0x1F
)

// ProtoVersion is negotiated during the handshake. A mismatch closes the
// session before it ever reaches Synchronized.
const ProtoVersion uint16 = 1

const maxFrameSize = 1 << 20 // 1 MiB

var (
	// ErrMalformed reports a truncated or unparseable frame. Recoverable at
	// the session boundary: the session closes, the server does not.
	ErrMalformed = errors.New("wire: malformed frame")

	// ErrUnknownType reports an unrecognized message tag.
	ErrUnknownType = errors.New("wire: unknown message type")
)

// Encode builds a frame: | type | seq | length | payload |.
func Encode(mt byte, seq uint32, payload []byte) ([]byte, error) {
	if len(payload) > maxFrameSize {
		return nil, fmt.Errorf("wire: payload too large: %d > %d", len(payload), maxFrameSize)
	}
	var buf bytes.Buffer
	buf.WriteByte(mt)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], seq)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeHeader validates the frame envelope and returns (type, seq, payload).
func DecodeHeader(frame []byte) (byte, uint32, []byte, error) {
	if len(frame) < 9 {
		return 0, 0, nil, fmt.Errorf("%w: short frame (%d bytes)", ErrMalformed, len(frame))
	}
	mt := frame[0]
	seq := binary.BigEndian.Uint32(frame[1:5])
	l := binary.BigEndian.Uint32(frame[5:9])
	if l > maxFrameSize {
		return 0, 0, nil, fmt.Errorf("%w: declared length %d exceeds cap", ErrMalformed, l)
	}
	if int(9+l) != len(frame) {
		return 0, 0, nil, fmt.Errorf("%w: length mismatch (declared %d, have %d)", ErrMalformed, l, len(frame)-9)
	}
	return mt, seq, frame[9:], nil
}

func putU16(b *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.Write(tmp[:])
}

func putU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

func putU64(b *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.Write(tmp[:])
}

func putBytes(b *bytes.Buffer, p []byte) {
	putU32(b, uint32(len(p)))
	b.Write(p)
}

func putString(b *bytes.Buffer, s string) {
	putU16(b, uint16(len(s)))
	b.WriteString(s)
}

func getU16(r *bytes.Reader) (uint16, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return binary.BigEndian.Uint16(tmp[:]), nil
}

func getU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func getU64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	l, err := getU32(r)
	if err != nil {
		return nil, err
	}
	if int(l) > r.Len() {
		return nil, fmt.Errorf("%w: bytes field truncated (want %d, have %d)", ErrMalformed, l, r.Len())
	}
	if l == 0 {
		return nil, nil
	}
	out := make([]byte, l)
	if _, err := r.Read(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

func getString(r *bytes.Reader) (string, error) {
	l, err := getU16(r)
	if err != nil {
		return "", err
	}
	if int(l) > r.Len() {
		return "", fmt.Errorf("%w: string field truncated (want %d, have %d)", ErrMalformed, l, r.Len())
	}
	out := make([]byte, l)
	if l > 0 {
		if _, err := r.Read(out); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return string(out), nil
}
