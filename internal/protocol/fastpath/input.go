package fastpath

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EventCode is the eventCode of a fast-path input event header (MS-RDPBCGR 2.2.8.1.2.2).
type EventCode uint8

const (
	EventCodeScanCode EventCode = 0x0 // FASTPATH_INPUT_EVENT_SCANCODE
	EventCodeMouse    EventCode = 0x1 // FASTPATH_INPUT_EVENT_MOUSE
	EventCodeMouseX   EventCode = 0x2 // FASTPATH_INPUT_EVENT_MOUSEX
	EventCodeSync     EventCode = 0x3 // FASTPATH_INPUT_EVENT_SYNC
	EventCodeUnicode  EventCode = 0x4 // FASTPATH_INPUT_EVENT_UNICODE
	EventCodeRelMouse EventCode = 0x5 // FASTPATH_INPUT_EVENT_RELMOUSE
	EventCodeQoEStamp EventCode = 0x6 // FASTPATH_INPUT_EVENT_QOE_TIMESTAMP
)

// maxHeaderNumEvents is the largest count the four numEvents header bits hold.
const maxHeaderNumEvents = 0xF

var eventPayloadLen = map[EventCode]int{
	EventCodeScanCode: 1,
	EventCodeMouse:    6,
	EventCodeMouseX:   6,
	EventCodeSync:     0,
	EventCodeUnicode:  2,
	EventCodeRelMouse: 6,
	EventCodeQoEStamp: 4,
}

var eventCodeNames = map[EventCode]string{
	EventCodeScanCode: "scancode",
	EventCodeMouse:    "mouse",
	EventCodeMouseX:   "mousex",
	EventCodeSync:     "sync",
	EventCodeUnicode:  "unicode",
	EventCodeRelMouse: "relmouse",
	EventCodeQoEStamp: "qoe",
}

func (c EventCode) String() string {
	if name, ok := eventCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("EventCode(%d)", uint8(c))
}

// Keyboard event flags.
const (
	KBDFlagsRelease   uint8 = 0x01 // FASTPATH_INPUT_KBDFLAGS_RELEASE
	KBDFlagsExtended  uint8 = 0x02 // FASTPATH_INPUT_KBDFLAGS_EXTENDED
	KBDFlagsExtended1 uint8 = 0x04 // FASTPATH_INPUT_KBDFLAGS_EXTENDED1
)

var (
	ErrUnknownEventCode = errors.New("fastpath: unknown input event code")
	ErrEventCount       = errors.New("fastpath: input event count mismatch")
)

// InputEvent is one fast-path input event. Data is the event body after the
// one octet header, whose size is fixed by Code.
type InputEvent struct {
	Code  EventCode
	Flags uint8
	Data  []byte
}

// NewScanCodeEvent builds a keyboard event.
func NewScanCodeEvent(flags, keyCode uint8) InputEvent {
	return InputEvent{Code: EventCodeScanCode, Flags: flags & 0x1F, Data: []byte{keyCode}}
}

// NewMouseEvent builds a pointer event.
func NewMouseEvent(pointerFlags, x, y uint16) InputEvent {
	data := make([]byte, 6)
	binary.LittleEndian.PutUint16(data[0:], pointerFlags)
	binary.LittleEndian.PutUint16(data[2:], x)
	binary.LittleEndian.PutUint16(data[4:], y)

	return InputEvent{Code: EventCodeMouse, Data: data}
}

// KeyCode returns the scan code of a keyboard event, or the UTF-16 code unit of a
// unicode event.
func (e InputEvent) KeyCode() uint16 {
	switch {
	case e.Code == EventCodeScanCode && len(e.Data) == 1:
		return uint16(e.Data[0])
	case e.Code == EventCodeUnicode && len(e.Data) == 2:
		return binary.LittleEndian.Uint16(e.Data)
	}
	return 0
}

// Position returns the pointer flags and coordinates of a mouse event.
func (e InputEvent) Position() (pointerFlags, x, y uint16) {
	if len(e.Data) != 6 {
		return 0, 0, 0
	}

	return binary.LittleEndian.Uint16(e.Data[0:]),
		binary.LittleEndian.Uint16(e.Data[2:]),
		binary.LittleEndian.Uint16(e.Data[4:])
}

// InputEvents is the decrypted body of a fast-path input PDU.
type InputEvents struct {
	Events []InputEvent
}

// HeaderNumEvents is the value for the header's numEvents bits. Zero means the
// count is carried in the first octet of the body.
func (p *InputEvents) HeaderNumEvents() uint8 {
	if len(p.Events) > maxHeaderNumEvents {
		return 0
	}
	return uint8(len(p.Events)) // #nosec G115
}

// Serialize encodes the events. The explicit count octet is written only when the
// header cannot hold the count.
func (p *InputEvents) Serialize() []byte {
	var out []byte
	if p.HeaderNumEvents() == 0 {
		out = append(out, uint8(len(p.Events))) // #nosec G115
	}

	for _, e := range p.Events {
		out = append(out, byte(e.Code&0x7)<<5|e.Flags&0x1F)
		out = append(out, e.Data...)
	}

	return out
}

// Deserialize decodes the body of a PDU whose header announced headerNumEvents.
func (p *InputEvents) Deserialize(headerNumEvents uint8, data []byte) error {
	count := int(headerNumEvents)
	if count == 0 {
		if len(data) < 1 {
			return fmt.Errorf("%w: missing numEvents", ErrEventCount)
		}
		count, data = int(data[0]), data[1:]
	}

	p.Events = make([]InputEvent, 0, count)

	for i := 0; i < count; i++ {
		if len(data) < 1 {
			return fmt.Errorf("%w: %d of %d events present", ErrEventCount, i, count)
		}

		e := InputEvent{Code: EventCode(data[0] >> 5), Flags: data[0] & 0x1F}
		size, ok := eventPayloadLen[e.Code]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownEventCode, e.Code)
		}

		if len(data) < 1+size {
			return fmt.Errorf("%w: %s event truncated", ErrInvalidLength, e.Code)
		}

		if size > 0 {
			e.Data = append([]byte(nil), data[1:1+size]...)
		}
		data = data[1+size:]

		p.Events = append(p.Events, e)
	}

	if len(data) != 0 {
		return fmt.Errorf("%w: %d bytes after %d events", ErrEventCount, len(data), count)
	}

	return nil
}
