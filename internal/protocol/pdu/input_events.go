package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Slow-path input message types (MS-RDPBCGR 2.2.8.1.1.3.1.1).
const (
	InputEventSync     uint16 = 0x0000 // INPUT_EVENT_SYNC
	InputEventUnused   uint16 = 0x0002 // INPUT_EVENT_UNUSED
	InputEventScanCode uint16 = 0x0004 // INPUT_EVENT_SCANCODE
	InputEventUnicode  uint16 = 0x0005 // INPUT_EVENT_UNICODE
	InputEventMouse    uint16 = 0x8001 // INPUT_EVENT_MOUSE
	InputEventMouseX   uint16 = 0x8002 // INPUT_EVENT_MOUSEX
)

// Keyboard flags of slow-path keyboard events.
const (
	KBDFlagsExtended uint16 = 0x0100 // KBDFLAGS_EXTENDED
	KBDFlagsDown     uint16 = 0x4000 // KBDFLAGS_DOWN
	KBDFlagsRelease  uint16 = 0x8000 // KBDFLAGS_RELEASE
)

const slowPathInputEventLen = 12

// InputEvent is one TS_INPUT_EVENT. Every slow-path event carries six bytes
// after its message type; the accessors decode them per type.
type InputEvent struct {
	EventTime   uint32
	MessageType uint16
	Payload     [6]byte
}

// NewScanCodeEvent builds a keyboard event.
func NewScanCodeEvent(flags, keyCode uint16) InputEvent {
	e := InputEvent{MessageType: InputEventScanCode}
	binary.LittleEndian.PutUint16(e.Payload[0:2], flags)
	binary.LittleEndian.PutUint16(e.Payload[2:4], keyCode)

	return e
}

// NewMouseEvent builds a pointer event.
func NewMouseEvent(flags, x, y uint16) InputEvent {
	e := InputEvent{MessageType: InputEventMouse}
	binary.LittleEndian.PutUint16(e.Payload[0:2], flags)
	binary.LittleEndian.PutUint16(e.Payload[2:4], x)
	binary.LittleEndian.PutUint16(e.Payload[4:6], y)

	return e
}

// Flags returns the event flags of keyboard, unicode and mouse events.
func (e InputEvent) Flags() uint16 {
	return binary.LittleEndian.Uint16(e.Payload[0:2])
}

// KeyCode returns the scan code or UTF-16 code unit of a keyboard event.
func (e InputEvent) KeyCode() uint16 {
	return binary.LittleEndian.Uint16(e.Payload[2:4])
}

// Position returns the pointer coordinates of a mouse event.
func (e InputEvent) Position() (x, y uint16) {
	return binary.LittleEndian.Uint16(e.Payload[2:4]), binary.LittleEndian.Uint16(e.Payload[4:6])
}

// ToggleFlags returns the lock key state of a synchronize event.
func (e InputEvent) ToggleFlags() uint32 {
	return binary.LittleEndian.Uint32(e.Payload[2:6])
}

// InputEvents is the body of a PDUTYPE2_INPUT share data PDU (TS_INPUT_PDU_DATA).
type InputEvents struct {
	Events []InputEvent
}

// Serialize encodes the body.
func (p *InputEvents) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4+slowPathInputEventLen*len(p.Events)))
	writeFields(buf, uint16(len(p.Events)), uint16(0))

	for _, e := range p.Events {
		writeFields(buf, e.EventTime, e.MessageType, e.Payload)
	}

	return buf.Bytes()
}

// Deserialize decodes the body.
func (p *InputEvents) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)

	var count, pad uint16
	if err := readFields(r, &count, &pad); err != nil {
		return err
	}

	if int(count)*slowPathInputEventLen != r.Len() {
		return fmt.Errorf("%w: %d input events in %d bytes", ErrInvalidLength, count, r.Len())
	}

	p.Events = make([]InputEvent, count)
	for i := range p.Events {
		e := &p.Events[i]
		if err := readFields(r, &e.EventTime, &e.MessageType, &e.Payload); err != nil {
			return err
		}
	}

	return nil
}
