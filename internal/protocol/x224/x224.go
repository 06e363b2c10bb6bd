// Package x224 implements the X.224 class 0 TPDUs carried inside TPKT frames
// (ITU-T X.224 section 13).
package x224

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TPDU codes (high nibble of the second octet).
const (
	CodeConnectionRequest uint8 = 0xE0
	CodeConnectionConfirm uint8 = 0xD0
	CodeDisconnectRequest uint8 = 0x80
	CodeData              uint8 = 0xF0
)

const (
	connectionHeaderLen = 7
	dataHeaderLen       = 3
	eot                 = 0x80
)

var (
	ErrSmallConnectionConfirmLength = errors.New("small connection confirm length")
	ErrWrongConnectionConfirmCode   = errors.New("wrong connection confirm code")
	ErrWrongConnectionRequestCode   = errors.New("wrong connection request code")
	ErrWrongDataLength              = errors.New("wrong data length")
	ErrLengthIndicatorMismatch      = errors.New("length indicator mismatch")
)

// Code returns the TPDU code of a raw TPDU, or 0 when tpdu is too short.
func Code(tpdu []byte) uint8 {
	if len(tpdu) < 2 {
		return 0
	}
	return tpdu[1] & 0xF0
}

// ConnectionRequest is the X.224 Connection Request TPDU (CR).
type ConnectionRequest struct {
	DSTREF      uint16
	SRCREF      uint16
	ClassOption uint8
	UserData    []byte
}

func (r *ConnectionRequest) Serialize() []byte {
	return serializeConnection(CodeConnectionRequest, r.DSTREF, r.SRCREF, r.ClassOption, r.UserData)
}

func (r *ConnectionRequest) Deserialize(tpdu []byte) error {
	code, dst, src, class, userData, err := deserializeConnection(tpdu)
	if err != nil {
		return err
	}

	if code != CodeConnectionRequest {
		return fmt.Errorf("%w: 0x%02x", ErrWrongConnectionRequestCode, code)
	}

	r.DSTREF, r.SRCREF, r.ClassOption, r.UserData = dst, src, class, userData

	return nil
}

// ConnectionConfirm is the X.224 Connection Confirm TPDU (CC).
type ConnectionConfirm struct {
	DSTREF      uint16
	SRCREF      uint16
	ClassOption uint8
	UserData    []byte
}

func (c *ConnectionConfirm) Serialize() []byte {
	return serializeConnection(CodeConnectionConfirm, c.DSTREF, c.SRCREF, c.ClassOption, c.UserData)
}

func (c *ConnectionConfirm) Deserialize(tpdu []byte) error {
	code, dst, src, class, userData, err := deserializeConnection(tpdu)
	if err != nil {
		return err
	}

	if code != CodeConnectionConfirm {
		return fmt.Errorf("%w: 0x%02x", ErrWrongConnectionConfirmCode, code)
	}

	c.DSTREF, c.SRCREF, c.ClassOption, c.UserData = dst, src, class, userData

	return nil
}

func serializeConnection(code uint8, dst, src uint16, class uint8, userData []byte) []byte {
	out := make([]byte, connectionHeaderLen, connectionHeaderLen+len(userData))
	out[0] = uint8(connectionHeaderLen - 1 + len(userData)) // #nosec G115
	out[1] = code
	binary.BigEndian.PutUint16(out[2:4], dst)
	binary.BigEndian.PutUint16(out[4:6], src)
	out[6] = class

	return append(out, userData...)
}

func deserializeConnection(tpdu []byte) (code uint8, dst, src uint16, class uint8, userData []byte, err error) {
	if len(tpdu) < connectionHeaderLen {
		return 0, 0, 0, 0, nil, ErrSmallConnectionConfirmLength
	}

	if int(tpdu[0]) != len(tpdu)-1 {
		return 0, 0, 0, 0, nil, fmt.Errorf("%w: LI %d for %d bytes", ErrLengthIndicatorMismatch, tpdu[0], len(tpdu))
	}

	code = tpdu[1] & 0xF0
	dst = binary.BigEndian.Uint16(tpdu[2:4])
	src = binary.BigEndian.Uint16(tpdu[4:6])
	class = tpdu[6]

	if len(tpdu) > connectionHeaderLen {
		userData = append([]byte(nil), tpdu[connectionHeaderLen:]...)
	}

	return code, dst, src, class, userData, nil
}

// Data is the X.224 Data TPDU (DT) header; UserData is the MCS payload.
type Data struct {
	UserData []byte
}

// Serialize returns the DT header followed by the user data.
func (d *Data) Serialize() []byte {
	out := make([]byte, dataHeaderLen, dataHeaderLen+len(d.UserData))
	out[0] = dataHeaderLen - 1
	out[1] = CodeData
	out[2] = eot

	return append(out, d.UserData...)
}

func (d *Data) Deserialize(tpdu []byte) error {
	if len(tpdu) < dataHeaderLen || tpdu[0] != dataHeaderLen-1 {
		return ErrWrongDataLength
	}

	if tpdu[1]&0xF0 != CodeData {
		return fmt.Errorf("%w: not a data TPDU (0x%02x)", ErrWrongDataLength, tpdu[1])
	}

	d.UserData = tpdu[dataHeaderLen:]

	return nil
}
