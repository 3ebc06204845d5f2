package speeddaemon

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// MessageType is the one-byte opcode that starts every frame.
type MessageType uint8

const (
	ErrorMessageType         MessageType = 0x10
	PlateMessageType         MessageType = 0x20
	TicketMessageType        MessageType = 0x21
	WantHeartbeatMessageType MessageType = 0x40
	HeartbeatMessageType     MessageType = 0x41
	IAmCameraMessageType     MessageType = 0x80
	IAmDispatcherMessageType MessageType = 0x81
)

// A Message is one opcode-tagged protocol frame.
type Message interface {
	encoding.BinaryMarshaler
	Type() MessageType
}

// maxStringLength is the largest length a u8 prefix can carry.
const maxStringLength = 255

// A FrameError reports bytes that cannot be framed: the stream ended mid-field or a
// length-prefixed payload was truncated or invalid. No reply can be sent reliably after one.
type FrameError struct {
	Type MessageType
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed %02X frame: %v", uint8(e.Type), e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// An UnknownOpcodeError reports an opcode that is not part of the protocol.
type UnknownOpcodeError struct {
	Type MessageType
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown message type: %02X", uint8(e.Type))
}

var errInvalidUTF8 = errors.New("string is not valid UTF-8")

// decoders maps each opcode to the reader for its body.
var decoders = map[MessageType]func(io.Reader) (Message, error){
	ErrorMessageType:         func(r io.Reader) (Message, error) { return readErrorMessage(r) },
	PlateMessageType:         func(r io.Reader) (Message, error) { return readPlateMessage(r) },
	TicketMessageType:        func(r io.Reader) (Message, error) { return readTicketMessage(r) },
	WantHeartbeatMessageType: func(r io.Reader) (Message, error) { return readWantHeartbeatMessage(r) },
	HeartbeatMessageType:     func(io.Reader) (Message, error) { return &HeartbeatMessage{}, nil },
	IAmCameraMessageType:     func(r io.Reader) (Message, error) { return readIAmCameraMessage(r) },
	IAmDispatcherMessageType: func(r io.Reader) (Message, error) { return readIAmDispatcherMessage(r) },
}

// ReadMessage reads one frame from r.
//
// It returns io.EOF when r ends cleanly between frames, an *UnknownOpcodeError when the opcode
// is not recognized, and a *FrameError when the frame body is truncated or malformed.
func ReadMessage(r io.Reader) (Message, error) {
	var t MessageType
	if err := binary.Read(r, binary.BigEndian, &t); err != nil {
		return nil, err
	}

	decode, ok := decoders[t]
	if !ok {
		return nil, &UnknownOpcodeError{Type: t}
	}

	m, err := decode(r)
	if err != nil {
		// Running out of bytes inside a frame is never a clean end of stream.
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &FrameError{Type: t, Err: err}
	}
	return m, nil
}

// WriteMessage encodes m and writes it to w in a single call.
func WriteMessage(w io.Writer, m Message) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal %02X: %w", uint8(m.Type()), err)
	}
	_, err = w.Write(data)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", errInvalidUTF8
	}
	return string(buf), nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > maxStringLength {
		return fmt.Errorf("string of %d bytes exceeds %d", len(s), maxStringLength)
	}
	buf.WriteByte(uint8(len(s)))
	buf.WriteString(s)
	return nil
}

// An ErrorMessage is sent by the server to a client that did something the protocol declares
// an error. The connection is closed right after it.
//
// ErrorMessage also implements error, so a protocol violation can be returned up the stack as
// the same value that was sent to the client.
type ErrorMessage struct {
	Msg string
}

func (m *ErrorMessage) Type() MessageType { return ErrorMessageType }

func (m *ErrorMessage) Error() string { return m.Msg }

func (m *ErrorMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(uint8(ErrorMessageType))
	if err := writeString(&buf, m.Msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readErrorMessage(r io.Reader) (*ErrorMessage, error) {
	msg, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("error reading msg: %w", err)
	}
	return &ErrorMessage{Msg: msg}, nil
}

// A PlateMessage is sent by a camera each time it observes a number plate.
type PlateMessage struct {
	Plate     string
	Timestamp uint32
}

func (m *PlateMessage) Type() MessageType { return PlateMessageType }

func (m *PlateMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(uint8(PlateMessageType))
	if err := writeString(&buf, m.Plate); err != nil {
		return nil, err
	}
	buf.Write(binary.BigEndian.AppendUint32(nil, m.Timestamp))
	return buf.Bytes(), nil
}

func readPlateMessage(r io.Reader) (*PlateMessage, error) {
	plate, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("error reading plate: %w", err)
	}
	m := &PlateMessage{Plate: plate}
	if err := binary.Read(r, binary.BigEndian, &m.Timestamp); err != nil {
		return nil, fmt.Errorf("error reading timestamp: %w", err)
	}
	return m, nil
}

// A TicketMessage is sent by the server to a dispatcher for a car that exceeded the limit.
//
// Mile1 and Timestamp1 always refer to the earlier of the two observations.
// Speed is in hundredths of a mile per hour.
type TicketMessage struct {
	Plate      string
	Road       uint16
	Mile1      uint16
	Timestamp1 uint32
	Mile2      uint16
	Timestamp2 uint32
	Speed      uint16
}

func (m *TicketMessage) Type() MessageType { return TicketMessageType }

func (m *TicketMessage) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(uint8(TicketMessageType))
	if err := writeString(&buf, m.Plate); err != nil {
		return nil, err
	}
	b := buf.AvailableBuffer()
	b = binary.BigEndian.AppendUint16(b, m.Road)
	b = binary.BigEndian.AppendUint16(b, m.Mile1)
	b = binary.BigEndian.AppendUint32(b, m.Timestamp1)
	b = binary.BigEndian.AppendUint16(b, m.Mile2)
	b = binary.BigEndian.AppendUint32(b, m.Timestamp2)
	b = binary.BigEndian.AppendUint16(b, m.Speed)
	buf.Write(b)
	return buf.Bytes(), nil
}

// ticketFields is the fixed-width tail of a Ticket frame.
type ticketFields struct {
	Road       uint16
	Mile1      uint16
	Timestamp1 uint32
	Mile2      uint16
	Timestamp2 uint32
	Speed      uint16
}

func readTicketMessage(r io.Reader) (*TicketMessage, error) {
	plate, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("error reading plate: %w", err)
	}
	var f ticketFields
	if err := binary.Read(r, binary.BigEndian, &f); err != nil {
		return nil, fmt.Errorf("error reading ticket fields: %w", err)
	}
	return &TicketMessage{
		Plate:      plate,
		Road:       f.Road,
		Mile1:      f.Mile1,
		Timestamp1: f.Timestamp1,
		Mile2:      f.Mile2,
		Timestamp2: f.Timestamp2,
		Speed:      f.Speed,
	}, nil
}

// A WantHeartbeatMessage asks the server to send heartbeats every Interval deciseconds.
// An Interval of 0 means no heartbeats.
type WantHeartbeatMessage struct {
	Interval uint32
}

func (m *WantHeartbeatMessage) Type() MessageType { return WantHeartbeatMessageType }

func (m *WantHeartbeatMessage) MarshalBinary() ([]byte, error) {
	return binary.BigEndian.AppendUint32([]byte{uint8(WantHeartbeatMessageType)}, m.Interval), nil
}

func readWantHeartbeatMessage(r io.Reader) (*WantHeartbeatMessage, error) {
	m := &WantHeartbeatMessage{}
	if err := binary.Read(r, binary.BigEndian, &m.Interval); err != nil {
		return nil, fmt.Errorf("error reading interval: %w", err)
	}
	return m, nil
}

// A HeartbeatMessage is sent by the server at the interval a client asked for.
type HeartbeatMessage struct{}

func (m *HeartbeatMessage) Type() MessageType { return HeartbeatMessageType }

func (m *HeartbeatMessage) MarshalBinary() ([]byte, error) {
	return []byte{uint8(HeartbeatMessageType)}, nil
}

// An IAmCameraMessage identifies a client as a camera.
type IAmCameraMessage struct {
	Road  uint16
	Mile  uint16
	Limit uint16
}

func (m *IAmCameraMessage) Type() MessageType { return IAmCameraMessageType }

func (m *IAmCameraMessage) MarshalBinary() ([]byte, error) {
	b := []byte{uint8(IAmCameraMessageType)}
	b = binary.BigEndian.AppendUint16(b, m.Road)
	b = binary.BigEndian.AppendUint16(b, m.Mile)
	b = binary.BigEndian.AppendUint16(b, m.Limit)
	return b, nil
}

func readIAmCameraMessage(r io.Reader) (*IAmCameraMessage, error) {
	m := &IAmCameraMessage{}
	if err := binary.Read(r, binary.BigEndian, m); err != nil {
		return nil, fmt.Errorf("error reading camera: %w", err)
	}
	return m, nil
}

// An IAmDispatcherMessage identifies a client as a ticket dispatcher for Roads.
type IAmDispatcherMessage struct {
	Roads []uint16
}

func (m *IAmDispatcherMessage) Type() MessageType { return IAmDispatcherMessageType }

func (m *IAmDispatcherMessage) MarshalBinary() ([]byte, error) {
	if len(m.Roads) > maxStringLength {
		return nil, fmt.Errorf("%d roads exceeds %d", len(m.Roads), maxStringLength)
	}
	b := []byte{uint8(IAmDispatcherMessageType), uint8(len(m.Roads))}
	for _, road := range m.Roads {
		b = binary.BigEndian.AppendUint16(b, road)
	}
	return b, nil
}

func readIAmDispatcherMessage(r io.Reader) (*IAmDispatcherMessage, error) {
	var n uint8
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("error reading numroads: %w", err)
	}
	roads := make([]uint16, n)
	if err := binary.Read(r, binary.BigEndian, roads); err != nil {
		return nil, fmt.Errorf("error reading roads: %w", err)
	}
	return &IAmDispatcherMessage{Roads: roads}, nil
}
