package pdu

import (
	"bytes"
	"fmt"
)

// Client Info flags (MS-RDPBCGR 2.2.1.11.1.1).
const (
	InfoMouse                 uint32 = 0x00000001 // INFO_MOUSE
	InfoDisableCtrlAltDel     uint32 = 0x00000002 // INFO_DISABLECTRLALTDEL
	InfoAutologon             uint32 = 0x00000008 // INFO_AUTOLOGON
	InfoUnicode               uint32 = 0x00000010 // INFO_UNICODE
	InfoMaximizeShell         uint32 = 0x00000020 // INFO_MAXIMIZESHELL
	InfoLogonNotify           uint32 = 0x00000040 // INFO_LOGONNOTIFY
	InfoCompression           uint32 = 0x00000080 // INFO_COMPRESSION
	InfoEnableWindowsKey      uint32 = 0x00000100 // INFO_ENABLEWINDOWSKEY
	InfoCompressionTypeMask   uint32 = 0x00001E00 // CompressionTypeMask
	InfoRemoteConsoleAudio    uint32 = 0x00002000 // INFO_REMOTECONSOLEAUDIO
	InfoForceEncryptedCSPDU   uint32 = 0x00004000 // INFO_FORCE_ENCRYPTED_CS_PDU
	InfoRail                  uint32 = 0x00008000 // INFO_RAIL
	InfoLogonErrors           uint32 = 0x00010000 // INFO_LOGONERRORS
	InfoMouseHasWheel         uint32 = 0x00020000 // INFO_MOUSE_HAS_WHEEL
	InfoPasswordIsSCPin       uint32 = 0x00040000 // INFO_PASSWORD_IS_SC_PIN
	InfoNoAudioPlayback       uint32 = 0x00080000 // INFO_NOAUDIOPLAYBACK
	InfoUsingSavedCreds       uint32 = 0x00100000 // INFO_USING_SAVED_CREDS
	InfoAudioCapture          uint32 = 0x00200000 // INFO_AUDIOCAPTURE
	InfoVideoDisable          uint32 = 0x00400000 // INFO_VIDEO_DISABLE
	InfoHiDefRailSupported    uint32 = 0x02000000 // INFO_HIDEF_RAIL_SUPPORTED
)

// ClientInfo is the TS_INFO_PACKET carried by the Client Info PDU. The
// strings are decoded text; ExtraInfo is the extended info packet kept as is.
type ClientInfo struct {
	CodePage       uint32
	Flags          uint32
	Domain         string
	UserName       string
	Password       string
	AlternateShell string
	WorkingDir     string
	ExtraInfo      []byte
}

// IsUnicode reports whether the strings are UTF-16LE.
func (i *ClientInfo) IsUnicode() bool {
	return i.Flags&InfoUnicode != 0
}

func (i *ClientInfo) encodeString(s string) []byte {
	if i.IsUnicode() {
		return EncodeUTF16(s)
	}

	return []byte(s)
}

func (i *ClientInfo) terminator() []byte {
	if i.IsUnicode() {
		return []byte{0, 0}
	}

	return []byte{0}
}

// Serialize encodes the info packet to wire format.
func (i *ClientInfo) Serialize() []byte {
	values := [][]byte{
		i.encodeString(i.Domain),
		i.encodeString(i.UserName),
		i.encodeString(i.Password),
		i.encodeString(i.AlternateShell),
		i.encodeString(i.WorkingDir),
	}

	buf := new(bytes.Buffer)
	writeFields(buf, i.CodePage, i.Flags)

	for _, v := range values {
		writeFields(buf, uint16(len(v)))
	}

	for _, v := range values {
		buf.Write(v)
		buf.Write(i.terminator())
	}

	buf.Write(i.ExtraInfo)

	return buf.Bytes()
}

// Deserialize decodes the info packet from wire format.
func (i *ClientInfo) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)
	*i = ClientInfo{}

	var lengths [5]uint16
	if err := readFields(r, &i.CodePage, &i.Flags, &lengths); err != nil {
		return err
	}

	term := len(i.terminator())
	targets := []*string{&i.Domain, &i.UserName, &i.Password, &i.AlternateShell, &i.WorkingDir}

	for n, target := range targets {
		raw, err := readBytes(r, int(lengths[n])+term)
		if err != nil {
			return fmt.Errorf("client info field %d: %w", n, err)
		}

		value := raw[:len(raw)-term]
		if i.IsUnicode() {
			if *target, err = DecodeUTF16(value); err != nil {
				return fmt.Errorf("client info field %d: %w", n, err)
			}
		} else {
			*target = decodeANSI(value)
		}
	}

	i.ExtraInfo = readRest(r)

	return nil
}
