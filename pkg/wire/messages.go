package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ConstantineB6/femtanyl.systems/pkg/document"
	"github.com/ConstantineB6/femtanyl.systems/pkg/model"
)

// Message is the closed set of protocol messages. Decoding dispatches on
// the frame tag via exhaustive switch; there is no open-ended extension.
type Message interface {
	MsgType() byte
}

// Hello opens the handshake (client -> server).
type Hello struct {
	Proto      uint16
	DocID      string
	ClientName string
}

// Welcome accepts the handshake and assigns the session id (server -> client).
// A Snapshot follows immediately on the same connection.
type Welcome struct {
	Session model.SessionID
	Proto   uint16
	Version uint64
}

// Snapshot carries a full copy of the document. Sent after Welcome and on
// every resynchronization.
type Snapshot struct {
	Doc document.Snapshot
}

// Submit proposes a mutation against the base version the client last saw.
type Submit struct {
	Base uint64
	Ops  []model.Op
}

// Ack confirms the origin's mutation was admitted at Version.
type Ack struct {
	Version uint64
}

// Conflict rejects a mutation; the client must rebase against Current and
// resubmit.
type Conflict struct {
	Current uint64
}

// Delta broadcasts one admitted mutation to the other sessions.
type Delta struct {
	Delta document.Delta
}

// ResyncReq asks for a full snapshot. Have is the last version the client
// applied, recorded for observability only.
type ResyncReq struct {
	Have uint64
}

type Ping struct{}

type Pong struct{}

// Close reason codes.
const (
	CloseNormal        uint8 = 0
	CloseProtocolError uint8 = 1
	CloseCodecError    uint8 = 2
	CloseHandshakeFail uint8 = 3
	CloseIdleTimeout   uint8 = 4
	CloseShutdown      uint8 = 5
)

// Close terminates the session with a reason code.
type Close struct {
	Reason uint8
	Detail string
}

func (Hello) MsgType() byte     { return MTHello }
func (Welcome) MsgType() byte   { return MTWelcome }
func (Snapshot) MsgType() byte  { return MTSnapshot }
func (Submit) MsgType() byte    { return MTSubmit }
func (Ack) MsgType() byte       { return MTAck }
func (Conflict) MsgType() byte  { return MTConflict }
func (Delta) MsgType() byte     { return MTDelta }
func (ResyncReq) MsgType() byte { return MTResyncReq }
func (Ping) MsgType() byte      { return MTPing }
func (Pong) MsgType() byte      { return MTPong }
func (Close) MsgType() byte     { return MTClose }

// EncodeMessage serializes m into a full frame carrying seq.
func EncodeMessage(seq uint32, m Message) ([]byte, error) {
	var buf bytes.Buffer
	switch v := m.(type) {
	case Hello:
		putU16(&buf, v.Proto)
		putString(&buf, v.DocID)
		putString(&buf, v.ClientName)
	case Welcome:
		buf.Write(v.Session[:])
		putU16(&buf, v.Proto)
		putU64(&buf, v.Version)
	case Snapshot:
		putU64(&buf, v.Doc.Version)
		putU32(&buf, uint32(len(v.Doc.Entries)))
		for _, e := range v.Doc.Entries {
			putString(&buf, e.Key)
			putBytes(&buf, e.Value)
		}
	case Submit:
		putU64(&buf, v.Base)
		if err := encodeOps(&buf, v.Ops); err != nil {
			return nil, err
		}
	case Ack:
		putU64(&buf, v.Version)
	case Conflict:
		putU64(&buf, v.Current)
	case Delta:
		putU64(&buf, v.Delta.From)
		putU64(&buf, v.Delta.To)
		buf.Write(v.Delta.Origin[:])
		putU64(&buf, v.Delta.HLC)
		if err := encodeOps(&buf, v.Delta.Ops); err != nil {
			return nil, err
		}
	case ResyncReq:
		putU64(&buf, v.Have)
	case Ping, Pong:
		// no payload
	case Close:
		buf.WriteByte(v.Reason)
		putString(&buf, v.Detail)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
	return Encode(m.MsgType(), seq, buf.Bytes())
}

// DecodeMessage parses a full frame into its seq and typed message.
func DecodeMessage(frame []byte) (uint32, Message, error) {
	mt, seq, payload, err := DecodeHeader(frame)
	if err != nil {
		return 0, nil, err
	}
	r := bytes.NewReader(payload)
	var msg Message
	switch mt {
	case MTHello:
		var m Hello
		if m.Proto, err = getU16(r); err != nil {
			return 0, nil, err
		}
		if m.DocID, err = getString(r); err != nil {
			return 0, nil, err
		}
		if m.ClientName, err = getString(r); err != nil {
			return 0, nil, err
		}
		msg = m
	case MTWelcome:
		var m Welcome
		if _, err = io.ReadFull(r, m.Session[:]); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.Proto, err = getU16(r); err != nil {
			return 0, nil, err
		}
		if m.Version, err = getU64(r); err != nil {
			return 0, nil, err
		}
		msg = m
	case MTSnapshot:
		var m Snapshot
		if m.Doc.Version, err = getU64(r); err != nil {
			return 0, nil, err
		}
		n, err := getU32(r)
		if err != nil {
			return 0, nil, err
		}
		// Each entry carries at least a u16 key length and a u32 value
		// length, so the count is bounded by the bytes actually present.
		if int64(n) > int64(r.Len())/6 {
			return 0, nil, fmt.Errorf("%w: entry count %d exceeds payload", ErrMalformed, n)
		}
		if n > 0 {
			m.Doc.Entries = make([]document.Entry, 0, n)
		}
		for i := uint32(0); i < n; i++ {
			var e document.Entry
			if e.Key, err = getString(r); err != nil {
				return 0, nil, err
			}
			if e.Value, err = getBytes(r); err != nil {
				return 0, nil, err
			}
			m.Doc.Entries = append(m.Doc.Entries, e)
		}
		msg = m
	case MTSubmit:
		var m Submit
		if m.Base, err = getU64(r); err != nil {
			return 0, nil, err
		}
		if m.Ops, err = decodeOps(r); err != nil {
			return 0, nil, err
		}
		msg = m
	case MTAck:
		var m Ack
		if m.Version, err = getU64(r); err != nil {
			return 0, nil, err
		}
		msg = m
	case MTConflict:
		var m Conflict
		if m.Current, err = getU64(r); err != nil {
			return 0, nil, err
		}
		msg = m
	case MTDelta:
		var m Delta
		if m.Delta.From, err = getU64(r); err != nil {
			return 0, nil, err
		}
		if m.Delta.To, err = getU64(r); err != nil {
			return 0, nil, err
		}
		if _, err = io.ReadFull(r, m.Delta.Origin[:]); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if m.Delta.HLC, err = getU64(r); err != nil {
			return 0, nil, err
		}
		if m.Delta.Ops, err = decodeOps(r); err != nil {
			return 0, nil, err
		}
		msg = m
	case MTResyncReq:
		var m ResyncReq
		if m.Have, err = getU64(r); err != nil {
			return 0, nil, err
		}
		msg = m
	case MTPing:
		msg = Ping{}
	case MTPong:
		msg = Pong{}
	case MTClose:
		var m Close
		reason, err := r.ReadByte()
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		m.Reason = reason
		if m.Detail, err = getString(r); err != nil {
			return 0, nil, err
		}
		msg = m
	default:
		return 0, nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownType, mt)
	}
	if r.Len() != 0 {
		return 0, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}
	return seq, msg, nil
}

func encodeOps(buf *bytes.Buffer, ops []model.Op) error {
	putU32(buf, uint32(len(ops)))
	for _, op := range ops {
		if !op.Valid() {
			return fmt.Errorf("%w: invalid op kind %d key %q", ErrMalformed, op.Kind, op.Key)
		}
		buf.WriteByte(op.Kind)
		putString(buf, op.Key)
		putBytes(buf, op.Value)
	}
	return nil
}

func decodeOps(r *bytes.Reader) ([]model.Op, error) {
	n, err := getU32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	// A kind byte plus the two length prefixes make 7 bytes per op at
	// minimum; a count past that is a lying header, not a short payload.
	if int64(n) > int64(r.Len())/7 {
		return nil, fmt.Errorf("%w: op count %d exceeds payload", ErrMalformed, n)
	}
	ops := make([]model.Op, 0, n)
	for i := uint32(0); i < n; i++ {
		var op model.Op
		kind, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		op.Kind = kind
		if op.Key, err = getString(r); err != nil {
			return nil, err
		}
		if op.Value, err = getBytes(r); err != nil {
			return nil, err
		}
		if !op.Valid() {
			return nil, fmt.Errorf("%w: invalid op kind %d key %q", ErrMalformed, op.Kind, op.Key)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
