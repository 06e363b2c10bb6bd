package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rcarmo/go-rdp-mitm/internal/protocol/encoding"
)

// DomainApplication is the T.125 DomainMCSPDU choice index.
type DomainApplication uint8

const (
	plumbDomainIndication DomainApplication = iota
	erectDomainRequest
	mergeChannelsRequest
	mergeChannelsConfirm
	purgeChannelsIndication
	mergeTokensRequest
	mergeTokensConfirm
	purgeTokensIndication
	disconnectProviderUltimatum
	rejectMCSPDUUltimatum
	attachUserRequest
	attachUserConfirm
	detachUserRequest
	detachUserIndication
	channelJoinRequest
	channelJoinConfirm
	channelLeaveRequest
	channelConveneRequest
	channelConveneConfirm
	channelDisbandRequest
	channelDisbandIndication
	channelAdmitRequest
	channelAdmitIndication
	channelExpelRequest
	channelExpelIndication
	SendDataRequest
	SendDataIndication
	uniformSendDataRequest
	uniformSendDataIndication
)

// Exported aliases for the applications the connection sequence relays.
const (
	ErectDomainRequest          = erectDomainRequest
	DisconnectProviderUltimatum = disconnectProviderUltimatum
	AttachUserRequest           = attachUserRequest
	AttachUserConfirm           = attachUserConfirm
	DetachUserRequest           = detachUserRequest
	ChannelJoinRequest          = channelJoinRequest
	ChannelJoinConfirm          = channelJoinConfirm
)

var domainApplicationNames = map[DomainApplication]string{
	erectDomainRequest:          "ErectDomainRequest",
	disconnectProviderUltimatum: "DisconnectProviderUltimatum",
	attachUserRequest:           "AttachUserRequest",
	attachUserConfirm:           "AttachUserConfirm",
	detachUserRequest:           "DetachUserRequest",
	channelJoinRequest:          "ChannelJoinRequest",
	channelJoinConfirm:          "ChannelJoinConfirm",
	SendDataRequest:             "SendDataRequest",
	SendDataIndication:          "SendDataIndication",
}

func (a DomainApplication) String() string {
	if name, ok := domainApplicationNames[a]; ok {
		return name
	}
	return fmt.Sprintf("DomainApplication(%d)", uint8(a))
}

// IsSendData reports whether the application carries channel data.
func (a DomainApplication) IsSendData() bool {
	return a == SendDataRequest || a == SendDataIndication
}

const optionalFieldPresent uint8 = 0x02

// ErectDomain is the Erect Domain Request body.
type ErectDomain struct {
	SubHeight   int
	SubInterval int
}

// AttachUser is the Attach User Confirm body.
type AttachUser struct {
	Result       uint8
	Initiator    uint16
	HasInitiator bool
}

// ChannelJoin is the body of Channel Join Request and Confirm.
// Result and Requested are meaningful for the confirm only.
type ChannelJoin struct {
	Result       uint8
	Initiator    uint16
	Requested    uint16
	ChannelID    uint16
	HasChannelID bool
}

// SendData is the body shared by Send Data Request and Indication.
type SendData struct {
	Initiator uint16
	ChannelID uint16
	Priority  uint8
	Data      []byte
}

// DomainPDU is a PER encoded MCS domain PDU. Exactly one body pointer is set
// for the applications that have one; Raw keeps the body of the others.
type DomainPDU struct {
	Application DomainApplication
	Options     uint8

	ErectDomain *ErectDomain
	AttachUser  *AttachUser
	ChannelJoin *ChannelJoin
	SendData    *SendData
	Reason      uint8
	Raw         []byte
}

// NewSendData builds a Send Data Request or Indication.
func NewSendData(app DomainApplication, initiator, channelID uint16, data []byte) *DomainPDU {
	return &DomainPDU{
		Application: app,
		SendData: &SendData{
			Initiator: initiator,
			ChannelID: channelID,
			Priority:  sendDataPriority,
			Data:      data,
		},
	}
}

func (pdu *DomainPDU) Serialize() []byte {
	buf := new(bytes.Buffer)

	header := uint8(pdu.Application)<<2 | pdu.Options&0x03

	switch pdu.Application {
	case erectDomainRequest:
		buf.WriteByte(header)
		e := pdu.ErectDomain
		if e == nil {
			e = &ErectDomain{}
		}
		encoding.PerWriteInteger(e.SubHeight, buf)
		encoding.PerWriteInteger(e.SubInterval, buf)
	case attachUserConfirm:
		a := pdu.AttachUser
		if a.HasInitiator {
			header |= optionalFieldPresent
		}
		buf.WriteByte(header)
		encoding.PerWriteEnumerated(a.Result, buf)
		if a.HasInitiator {
			encoding.PerWriteInteger16(a.Initiator, UserChannelBase, buf)
		}
	case channelJoinRequest:
		buf.WriteByte(header)
		encoding.PerWriteInteger16(pdu.ChannelJoin.Initiator, UserChannelBase, buf)
		encoding.PerWriteInteger16(pdu.ChannelJoin.ChannelID, 0, buf)
	case channelJoinConfirm:
		c := pdu.ChannelJoin
		if c.HasChannelID {
			header |= optionalFieldPresent
		}
		buf.WriteByte(header)
		encoding.PerWriteEnumerated(c.Result, buf)
		encoding.PerWriteInteger16(c.Initiator, UserChannelBase, buf)
		encoding.PerWriteInteger16(c.Requested, 0, buf)
		if c.HasChannelID {
			encoding.PerWriteInteger16(c.ChannelID, 0, buf)
		}
	case SendDataRequest, SendDataIndication:
		buf.WriteByte(header)
		d := pdu.SendData
		encoding.PerWriteInteger16(d.Initiator, UserChannelBase, buf)
		encoding.PerWriteInteger16(d.ChannelID, 0, buf)
		buf.WriteByte(d.Priority)
		encoding.PerWriteLength(uint16(len(d.Data)), buf) // #nosec G115
		buf.Write(d.Data)
	case disconnectProviderUltimatum:
		// the 3-bit reason straddles the first two octets
		buf.WriteByte(uint8(pdu.Application)<<2 | (pdu.Reason>>1)&0x03)
		buf.WriteByte((pdu.Reason & 0x01) << 7)
	default:
		buf.WriteByte(header)
		buf.Write(pdu.Raw)
	}

	return buf.Bytes()
}

// Deserialize parses a complete domain PDU; every byte must be consumed.
func (pdu *DomainPDU) Deserialize(data []byte) error {
	if len(data) == 0 {
		return io.ErrUnexpectedEOF
	}

	header := data[0]
	pdu.Application = DomainApplication(header >> 2)
	pdu.Options = header & 0x03
	r := bytes.NewReader(data[1:])

	var err error

	switch pdu.Application {
	case erectDomainRequest:
		pdu.ErectDomain = &ErectDomain{}
		if pdu.ErectDomain.SubHeight, err = encoding.PerReadInteger(r); err != nil {
			return err
		}
		if pdu.ErectDomain.SubInterval, err = encoding.PerReadInteger(r); err != nil {
			return err
		}
	case attachUserRequest, detachUserRequest:
		pdu.Raw = readRest(r)
	case attachUserConfirm:
		a := &AttachUser{HasInitiator: header&optionalFieldPresent != 0}
		if a.Result, err = encoding.PerReadEnumerates(r); err != nil {
			return err
		}
		if a.HasInitiator {
			if a.Initiator, err = encoding.PerReadInteger16(UserChannelBase, r); err != nil {
				return err
			}
		}
		pdu.AttachUser = a
		pdu.Options &^= optionalFieldPresent
	case channelJoinRequest:
		c := &ChannelJoin{}
		if c.Initiator, err = encoding.PerReadInteger16(UserChannelBase, r); err != nil {
			return err
		}
		if c.ChannelID, err = encoding.PerReadInteger16(0, r); err != nil {
			return err
		}
		pdu.ChannelJoin = c
	case channelJoinConfirm:
		c := &ChannelJoin{HasChannelID: header&optionalFieldPresent != 0}
		if c.Result, err = encoding.PerReadEnumerates(r); err != nil {
			return err
		}
		if c.Initiator, err = encoding.PerReadInteger16(UserChannelBase, r); err != nil {
			return err
		}
		if c.Requested, err = encoding.PerReadInteger16(0, r); err != nil {
			return err
		}
		if c.HasChannelID {
			if c.ChannelID, err = encoding.PerReadInteger16(0, r); err != nil {
				return err
			}
		}
		pdu.ChannelJoin = c
		pdu.Options &^= optionalFieldPresent
	case SendDataRequest, SendDataIndication:
		d := &SendData{}
		if d.Initiator, err = encoding.PerReadInteger16(UserChannelBase, r); err != nil {
			return err
		}
		if d.ChannelID, err = encoding.PerReadInteger16(0, r); err != nil {
			return err
		}
		if d.Priority, err = r.ReadByte(); err != nil {
			return err
		}
		length, err := encoding.PerReadLength(r)
		if err != nil {
			return err
		}
		if length != r.Len() {
			return fmt.Errorf("%w: send data declares %d bytes, have %d", ErrLengthMismatch, length, r.Len())
		}
		d.Data = make([]byte, length)
		_, _ = io.ReadFull(r, d.Data)
		pdu.SendData = d
	case disconnectProviderUltimatum:
		second, err := r.ReadByte()
		if err != nil {
			return err
		}
		pdu.Reason = (header&0x03)<<1 | second>>7
		pdu.Options = 0
	default:
		if pdu.Application > uniformSendDataIndication {
			return fmt.Errorf("%w: %d", ErrUnknownDomainApplication, pdu.Application)
		}
		pdu.Raw = readRest(r)
	}

	if r.Len() != 0 {
		return fmt.Errorf("%s: %w", pdu.Application, ErrTrailingData)
	}

	return nil
}

func readRest(r *bytes.Reader) []byte {
	if r.Len() == 0 {
		return nil
	}
	rest := make([]byte, r.Len())
	_, _ = r.Read(rest)
	return rest
}
