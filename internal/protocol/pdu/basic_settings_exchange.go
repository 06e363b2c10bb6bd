package pdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// UserDataType is the type field of a GCC user data block header (MS-RDPBCGR 2.2.1.3.1).
type UserDataType uint16

const (
	UserDataClientCore             UserDataType = 0xC001 // CS_CORE
	UserDataClientSecurity         UserDataType = 0xC002 // CS_SECURITY
	UserDataClientNetwork          UserDataType = 0xC003 // CS_NET
	UserDataClientCluster          UserDataType = 0xC004 // CS_CLUSTER
	UserDataClientMonitor          UserDataType = 0xC005 // CS_MONITOR
	UserDataClientMessageChannel   UserDataType = 0xC006 // CS_MCS_MSGCHANNEL
	UserDataClientMonitorEx        UserDataType = 0xC008 // CS_MONITOR_EX
	UserDataClientMultitransport   UserDataType = 0xC00A // CS_MULTITRANSPORT
	UserDataServerCore             UserDataType = 0x0C01 // SC_CORE
	UserDataServerSecurity         UserDataType = 0x0C02 // SC_SECURITY
	UserDataServerNetwork          UserDataType = 0x0C03 // SC_NET
	UserDataServerMessageChannel   UserDataType = 0x0C04 // SC_MCS_MSGCHANNEL
	UserDataServerMultitransport   UserDataType = 0x0C08 // SC_MULTITRANSPORT
)

const userDataHeaderLen = 4

// UserDataBlock is a user data block relayed without interpretation.
type UserDataBlock struct {
	Type UserDataType
	Data []byte
}

func writeBlock(buf *bytes.Buffer, t UserDataType, data []byte) {
	writeFields(buf, uint16(t), uint16(userDataHeaderLen+len(data)))
	buf.Write(data)
}

func parseBlocks(wire []byte) ([]UserDataBlock, error) {
	var blocks []UserDataBlock

	for len(wire) > 0 {
		if len(wire) < userDataHeaderLen {
			return nil, ErrShortData
		}

		t := UserDataType(binary.LittleEndian.Uint16(wire[0:2]))
		length := int(binary.LittleEndian.Uint16(wire[2:4]))
		if length < userDataHeaderLen || length > len(wire) {
			return nil, fmt.Errorf("%w: user data block 0x%04x length %d", ErrInvalidLength, uint16(t), length)
		}

		block := UserDataBlock{Type: t}
		if length > userDataHeaderLen {
			block.Data = append([]byte(nil), wire[userDataHeaderLen:length]...)
		}
		blocks = append(blocks, block)

		wire = wire[length:]
	}

	return blocks, nil
}

// earlyCapabilityFlags
const (
	ECFSupportErrInfoPDU        uint16 = 0x0001
	ECFWant32BPPSession         uint16 = 0x0002
	ECFSupportStatusInfoPDU     uint16 = 0x0004
	ECFStrongAsymmetricKeys     uint16 = 0x0008
	ECFValidConnectionType      uint16 = 0x0020
	ECFSupportMonitorLayoutPDU  uint16 = 0x0040
	ECFSupportNetCharAutodetect uint16 = 0x0080
	ECFSupportDynvcGFXProtocol  uint16 = 0x0100
	ECFSupportDynamicTimeZone   uint16 = 0x0200
	ECFSupportHeartbeatPDU      uint16 = 0x0400
)

// HighColorDepth values
const (
	HighColor4BPP  uint16 = 0x0004
	HighColor8BPP  uint16 = 0x0008
	HighColor15BPP uint16 = 0x000F
	HighColor16BPP uint16 = 0x0010
	HighColor24BPP uint16 = 0x0018
)

const (
	clientCoreMinLen = 128
	clientCoreMaxLen = 230
)

// ClientCoreData contains client core settings sent during the Basic Settings Exchange phase.
// See MS-RDPBCGR section 2.2.1.3.2 for the Client Core Data (TS_UD_CS_CORE) structure.
type ClientCoreData struct {
	Version                uint32
	DesktopWidth           uint16
	DesktopHeight          uint16
	ColorDepth             uint16
	SASSequence            uint16
	KeyboardLayout         uint32
	ClientBuild            uint32
	ClientName             [32]byte
	KeyboardType           uint32
	KeyboardSubType        uint32
	KeyboardFunctionKey    uint32
	ImeFileName            [64]byte
	PostBeta2ColorDepth    uint16
	ClientProductId        uint16
	SerialNumber           uint32
	HighColorDepth         uint16
	SupportedColorDepths   uint16
	EarlyCapabilityFlags   uint16
	ClientDigProductId     [64]byte
	ConnectionType         uint8
	Pad1octet              uint8
	ServerSelectedProtocol uint32
	DesktopPhysicalWidth   uint32
	DesktopPhysicalHeight  uint32
	DesktopOrientation     uint16
	DesktopScaleFactor     uint32
	DeviceScaleFactor      uint32

	// Length is the number of field bytes present on the wire; optional
	// trailing fields beyond it are omitted. Zero means all fields.
	Length uint16
	// Extra holds bytes past the last known field.
	Extra []byte
}

func (d *ClientCoreData) fields() []any {
	return []any{
		&d.Version, &d.DesktopWidth, &d.DesktopHeight, &d.ColorDepth, &d.SASSequence,
		&d.KeyboardLayout, &d.ClientBuild, &d.ClientName, &d.KeyboardType, &d.KeyboardSubType,
		&d.KeyboardFunctionKey, &d.ImeFileName, &d.PostBeta2ColorDepth, &d.ClientProductId,
		&d.SerialNumber, &d.HighColorDepth, &d.SupportedColorDepths, &d.EarlyCapabilityFlags,
		&d.ClientDigProductId, &d.ConnectionType, &d.Pad1octet, &d.ServerSelectedProtocol,
		&d.DesktopPhysicalWidth, &d.DesktopPhysicalHeight, &d.DesktopOrientation,
		&d.DesktopScaleFactor, &d.DeviceScaleFactor,
	}
}

func (d *ClientCoreData) dataLen() int {
	if d.Length == 0 || int(d.Length) > clientCoreMaxLen {
		return clientCoreMaxLen
	}

	return int(d.Length)
}

// Name returns the client computer name.
func (d *ClientCoreData) Name() string {
	name, _ := DecodeUTF16(d.ClientName[:])
	return name
}

// Serialize encodes the block body without the user data header.
func (d *ClientCoreData) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, clientCoreMaxLen+len(d.Extra)))
	writeFields(buf, d.fields()...)
	buf.Truncate(d.dataLen())
	buf.Write(d.Extra)

	return buf.Bytes()
}

// Deserialize decodes the block body without the user data header.
func (d *ClientCoreData) Deserialize(wire []byte) error {
	if len(wire) < clientCoreMinLen {
		return fmt.Errorf("%w: client core data %d bytes", ErrShortData, len(wire))
	}

	*d = ClientCoreData{}

	padded := make([]byte, clientCoreMaxLen)
	n := copy(padded, wire)
	if err := readFields(bytes.NewReader(padded), d.fields()...); err != nil {
		return err
	}

	d.Length = uint16(n)
	if len(wire) > clientCoreMaxLen {
		d.Extra = append([]byte(nil), wire[clientCoreMaxLen:]...)
	}

	return nil
}

// Encryption method flags shared by TS_UD_CS_SEC and TS_UD_SC_SEC1.
const (
	EncryptionMethodNone   uint32 = 0x00000000
	EncryptionMethod40Bit  uint32 = 0x00000001
	EncryptionMethod128Bit uint32 = 0x00000002
	EncryptionMethod56Bit  uint32 = 0x00000008
	EncryptionMethodFIPS   uint32 = 0x00000010
)

// Encryption levels of TS_UD_SC_SEC1.
const (
	EncryptionLevelNone             uint32 = 0
	EncryptionLevelLow              uint32 = 1
	EncryptionLevelClientCompatible uint32 = 2
	EncryptionLevelHigh             uint32 = 3
	EncryptionLevelFIPS             uint32 = 4
)

// ClientSecurityData contains client security settings for encryption negotiation.
// See MS-RDPBCGR section 2.2.1.3.3 for the Client Security Data (TS_UD_CS_SEC) structure.
type ClientSecurityData struct {
	EncryptionMethods    uint32
	ExtEncryptionMethods uint32
}

// Serialize encodes the block body.
func (d *ClientSecurityData) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8))
	writeFields(buf, d.EncryptionMethods, d.ExtEncryptionMethods)

	return buf.Bytes()
}

// Deserialize decodes the block body.
func (d *ClientSecurityData) Deserialize(wire []byte) error {
	if len(wire) != 8 {
		return fmt.Errorf("%w: client security data %d bytes", ErrInvalidLength, len(wire))
	}

	return readFields(bytes.NewReader(wire), &d.EncryptionMethods, &d.ExtEncryptionMethods)
}

// Channel option flags of CHANNEL_DEF.
const (
	ChannelOptionInitialized   uint32 = 0x80000000
	ChannelOptionEncryptRDP    uint32 = 0x40000000
	ChannelOptionEncryptSC     uint32 = 0x20000000
	ChannelOptionEncryptCS     uint32 = 0x10000000
	ChannelOptionPriHigh       uint32 = 0x08000000
	ChannelOptionPriMed        uint32 = 0x04000000
	ChannelOptionPriLow        uint32 = 0x02000000
	ChannelOptionCompressRDP   uint32 = 0x00800000
	ChannelOptionCompress      uint32 = 0x00400000
	ChannelOptionShowProtocol  uint32 = 0x00200000
	ChannelOptionRemoteControl uint32 = 0x00100000
)

const channelNameLen = 8

// ChannelDefinition defines a static virtual channel requested by the client.
// See MS-RDPBCGR section 2.2.1.3.4.1 for the Channel Definition Structure (CHANNEL_DEF).
type ChannelDefinition struct {
	Name    string // at most seven ANSI characters
	Options uint32
}

// ClientNetworkData contains the list of static virtual channels requested by the client.
// See MS-RDPBCGR section 2.2.1.3.4 for the Client Network Data (TS_UD_CS_NET) structure.
type ClientNetworkData struct {
	Channels []ChannelDefinition
}

// Serialize encodes the block body.
func (d *ClientNetworkData) Serialize() []byte {
	buf := new(bytes.Buffer)

	writeFields(buf, uint32(len(d.Channels)))
	for _, ch := range d.Channels {
		var name [channelNameLen]byte
		copy(name[:channelNameLen-1], ch.Name)
		writeFields(buf, name, ch.Options)
	}

	return buf.Bytes()
}

// Deserialize decodes the block body.
func (d *ClientNetworkData) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)

	var count uint32
	if err := readFields(r, &count); err != nil {
		return err
	}

	if int(count) != r.Len()/12 || r.Len()%12 != 0 {
		return fmt.Errorf("%w: %d channels in %d bytes", ErrInvalidLength, count, r.Len())
	}

	d.Channels = nil
	for i := uint32(0); i < count; i++ {
		var (
			name [channelNameLen]byte
			ch   ChannelDefinition
		)

		if err := readFields(r, &name, &ch.Options); err != nil {
			return err
		}

		ch.Name = decodeANSI(name[:])
		d.Channels = append(d.Channels, ch)
	}

	return nil
}

// ClientUserData aggregates the client GCC user data blocks of the MCS Connect Initial.
// Blocks the relay does not rewrite are kept in Extra in their original order.
type ClientUserData struct {
	Core     *ClientCoreData
	Security *ClientSecurityData
	Network  *ClientNetworkData
	Extra    []UserDataBlock
}

// Serialize encodes all client user data blocks into their combined wire format.
func (ud *ClientUserData) Serialize() []byte {
	buf := new(bytes.Buffer)

	if ud.Core != nil {
		writeBlock(buf, UserDataClientCore, ud.Core.Serialize())
	}

	if ud.Security != nil {
		writeBlock(buf, UserDataClientSecurity, ud.Security.Serialize())
	}

	if ud.Network != nil {
		writeBlock(buf, UserDataClientNetwork, ud.Network.Serialize())
	}

	for _, b := range ud.Extra {
		writeBlock(buf, b.Type, b.Data)
	}

	return buf.Bytes()
}

// Deserialize decodes all client user data blocks.
func (ud *ClientUserData) Deserialize(wire []byte) error {
	blocks, err := parseBlocks(wire)
	if err != nil {
		return err
	}

	*ud = ClientUserData{}

	for _, b := range blocks {
		switch b.Type {
		case UserDataClientCore:
			ud.Core = &ClientCoreData{}
			err = ud.Core.Deserialize(b.Data)
		case UserDataClientSecurity:
			ud.Security = &ClientSecurityData{}
			err = ud.Security.Deserialize(b.Data)
		case UserDataClientNetwork:
			ud.Network = &ClientNetworkData{}
			err = ud.Network.Deserialize(b.Data)
		default:
			ud.Extra = append(ud.Extra, b)
		}

		if err != nil {
			return fmt.Errorf("user data block 0x%04x: %w", uint16(b.Type), err)
		}
	}

	if ud.Core == nil {
		return fmt.Errorf("%w: client core data missing", ErrShortData)
	}

	return nil
}

// ChannelNames returns the requested static channel names in request order.
func (ud *ClientUserData) ChannelNames() []string {
	if ud.Network == nil {
		return nil
	}

	names := make([]string, 0, len(ud.Network.Channels))
	for _, ch := range ud.Network.Channels {
		names = append(names, ch.Name)
	}

	return names
}

// ServerCoreData contains server core settings received during the Basic Settings Exchange phase.
// See MS-RDPBCGR section 2.2.1.4.2 for the Server Core Data (TS_UD_SC_CORE) structure.
type ServerCoreData struct {
	Version                  uint32
	ClientRequestedProtocols uint32
	EarlyCapabilityFlags     uint32

	// Length is 4, 8 or 12 depending on the optional fields present; zero means 12.
	Length uint16
}

// Serialize encodes the block body.
func (d *ServerCoreData) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 12))
	writeFields(buf, d.Version, d.ClientRequestedProtocols, d.EarlyCapabilityFlags)

	if d.Length != 0 && d.Length < 12 {
		buf.Truncate(int(d.Length))
	}

	return buf.Bytes()
}

// Deserialize decodes the block body.
func (d *ServerCoreData) Deserialize(wire []byte) error {
	switch len(wire) {
	case 4, 8, 12:
	default:
		return fmt.Errorf("%w: server core data %d bytes", ErrInvalidLength, len(wire))
	}

	*d = ServerCoreData{Length: uint16(len(wire))}

	padded := make([]byte, 12)
	copy(padded, wire)

	return readFields(bytes.NewReader(padded), &d.Version, &d.ClientRequestedProtocols, &d.EarlyCapabilityFlags)
}

// ServerSecurityData contains server security settings including encryption parameters.
// See MS-RDPBCGR section 2.2.1.4.3 for the Server Security Data (TS_UD_SC_SEC1) structure.
// ServerCertificate holds the raw certificate; see ServerCertificate for its structure.
type ServerSecurityData struct {
	EncryptionMethod  uint32
	EncryptionLevel   uint32
	ServerRandom      []byte
	ServerCertificate []byte
}

// Serialize encodes the block body.
func (d *ServerSecurityData) Serialize() []byte {
	buf := new(bytes.Buffer)
	writeFields(buf, d.EncryptionMethod, d.EncryptionLevel)

	if d.EncryptionMethod == EncryptionMethodNone && d.EncryptionLevel == EncryptionLevelNone {
		return buf.Bytes()
	}

	writeFields(buf, uint32(len(d.ServerRandom)), uint32(len(d.ServerCertificate)))
	buf.Write(d.ServerRandom)
	buf.Write(d.ServerCertificate)

	return buf.Bytes()
}

// Deserialize decodes the block body.
func (d *ServerSecurityData) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)
	*d = ServerSecurityData{}

	if err := readFields(r, &d.EncryptionMethod, &d.EncryptionLevel); err != nil {
		return err
	}

	// ENCRYPTION_METHOD_NONE and ENCRYPTION_LEVEL_NONE
	if d.EncryptionMethod == EncryptionMethodNone && d.EncryptionLevel == EncryptionLevelNone {
		if r.Len() != 0 {
			return ErrTrailingData
		}
		return nil
	}

	var randomLen, certLen uint32
	if err := readFields(r, &randomLen, &certLen); err != nil {
		return err
	}

	if uint64(randomLen)+uint64(certLen) != uint64(r.Len()) {
		return fmt.Errorf("%w: server random %d and certificate %d in %d bytes", ErrInvalidLength, randomLen, certLen, r.Len())
	}

	var err error
	if d.ServerRandom, err = readBytes(r, int(randomLen)); err != nil {
		return err
	}

	d.ServerCertificate, err = readBytes(r, int(certLen))

	return err
}

// ServerNetworkData contains the MCS channel ID and virtual channel IDs assigned by the server.
// See MS-RDPBCGR section 2.2.1.4.4 for the Server Network Data (TS_UD_SC_NET) structure.
type ServerNetworkData struct {
	MCSChannelID uint16
	ChannelIDs   []uint16
}

// Serialize encodes the block body, padding odd channel counts.
func (d *ServerNetworkData) Serialize() []byte {
	buf := new(bytes.Buffer)
	writeFields(buf, d.MCSChannelID, uint16(len(d.ChannelIDs)))

	for _, id := range d.ChannelIDs {
		writeFields(buf, id)
	}

	if len(d.ChannelIDs)%2 == 1 {
		writeFields(buf, uint16(0))
	}

	return buf.Bytes()
}

// Deserialize decodes the block body.
func (d *ServerNetworkData) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)
	*d = ServerNetworkData{}

	var count uint16
	if err := readFields(r, &d.MCSChannelID, &count); err != nil {
		return err
	}

	if count > 0 {
		d.ChannelIDs = make([]uint16, count)
		if err := readFields(r, d.ChannelIDs); err != nil {
			return err
		}
	}

	// the pad is optional in practice
	if count%2 == 1 && r.Len() == 2 {
		_, _ = r.Seek(2, io.SeekCurrent)
	}

	if r.Len() != 0 {
		return ErrTrailingData
	}

	return nil
}

// ServerUserData aggregates the server GCC user data blocks of the MCS Connect Response.
type ServerUserData struct {
	Core     *ServerCoreData
	Security *ServerSecurityData
	Network  *ServerNetworkData
	Extra    []UserDataBlock
}

// Serialize encodes all server user data blocks into their combined wire format.
func (ud *ServerUserData) Serialize() []byte {
	buf := new(bytes.Buffer)

	if ud.Core != nil {
		writeBlock(buf, UserDataServerCore, ud.Core.Serialize())
	}

	if ud.Security != nil {
		writeBlock(buf, UserDataServerSecurity, ud.Security.Serialize())
	}

	if ud.Network != nil {
		writeBlock(buf, UserDataServerNetwork, ud.Network.Serialize())
	}

	for _, b := range ud.Extra {
		writeBlock(buf, b.Type, b.Data)
	}

	return buf.Bytes()
}

// Deserialize decodes all server user data blocks.
func (ud *ServerUserData) Deserialize(wire []byte) error {
	blocks, err := parseBlocks(wire)
	if err != nil {
		return err
	}

	*ud = ServerUserData{}

	for _, b := range blocks {
		switch b.Type {
		case UserDataServerCore:
			ud.Core = &ServerCoreData{}
			err = ud.Core.Deserialize(b.Data)
		case UserDataServerSecurity:
			ud.Security = &ServerSecurityData{}
			err = ud.Security.Deserialize(b.Data)
		case UserDataServerNetwork:
			ud.Network = &ServerNetworkData{}
			err = ud.Network.Deserialize(b.Data)
		default:
			ud.Extra = append(ud.Extra, b)
		}

		if err != nil {
			return fmt.Errorf("user data block 0x%04x: %w", uint16(b.Type), err)
		}
	}

	if ud.Core == nil {
		return fmt.Errorf("%w: server core data missing", ErrShortData)
	}

	return nil
}
