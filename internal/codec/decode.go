package codec

import (
	"bytes"
	"errors"

	"github.com/rcarmo/go-rdp-mitm/internal/protocol/fastpath"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/gcc"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/mcs"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/tpkt"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/x224"
)

// Decode parses the first complete frame in buf. It returns the PDU and the
// number of bytes the frame occupied, ErrNeedMoreData when buf holds a strict
// prefix of a frame, or an error wrapping ErrMalformed.
func (c *Codec) Decode(buf []byte) (PDU, int, error) {
	if len(buf) == 0 {
		return nil, 0, ErrNeedMoreData
	}

	st := c.snapshot()

	if tpkt.IsFrame(buf[0]) {
		payload, n, err := tpkt.Frame(buf)
		if err != nil {
			return nil, 0, frameError("tpkt", err, tpkt.ErrShortFrame)
		}

		p, err := c.decodeTPDU(st, payload)
		if err != nil {
			return nil, 0, err
		}

		return p, n, nil
	}

	if st.phase == PhaseActive && fastpath.IsFrame(buf[0]) {
		frame, n, err := fastpath.Frame(buf)
		if err != nil {
			return nil, 0, frameError("fast-path", err, fastpath.ErrShortFrame)
		}

		p, err := c.decodeFastPath(st, frame)
		if err != nil {
			return nil, 0, err
		}

		return p, n, nil
	}

	return nil, 0, malformed("unknown frame header 0x%02x in %s phase", buf[0], st.phase)
}

func frameError(layer string, err, short error) error {
	if errors.Is(err, short) {
		return ErrNeedMoreData
	}
	return wrapMalformed(layer, err)
}

func (c *Codec) decodeTPDU(st state, tpdu []byte) (PDU, error) {
	switch x224.Code(tpdu) {
	case x224.CodeConnectionRequest:
		if c.peer != PeerClient {
			return nil, malformed("connection request from %s", c.peer)
		}

		var cr x224.ConnectionRequest
		if err := cr.Deserialize(tpdu); err != nil {
			return nil, wrapMalformed("x224", err)
		}

		p := &NegotiationRequest{}
		if err := p.Request.Deserialize(cr.UserData); err != nil {
			return nil, wrapMalformed("connection request", err)
		}

		return p, nil

	case x224.CodeConnectionConfirm:
		if c.peer != PeerServer {
			return nil, malformed("connection confirm from %s", c.peer)
		}

		var cc x224.ConnectionConfirm
		if err := cc.Deserialize(tpdu); err != nil {
			return nil, wrapMalformed("x224", err)
		}

		p := &NegotiationResponse{}
		if err := p.Confirm.Deserialize(cc.UserData); err != nil {
			return nil, wrapMalformed("connection confirm", err)
		}

		return p, nil

	case x224.CodeData:
		var dt x224.Data
		if err := dt.Deserialize(tpdu); err != nil {
			return nil, wrapMalformed("x224", err)
		}

		return c.decodeMCS(st, dt.UserData)

	default:
		return &Opaque{Data: append([]byte(nil), tpdu...)}, nil
	}
}

func (c *Codec) decodeMCS(st state, data []byte) (PDU, error) {
	if mcs.IsConnectPDU(data) {
		return c.decodeConnect(data)
	}

	var domain mcs.DomainPDU
	if err := domain.Deserialize(data); err != nil {
		return nil, wrapMalformed("mcs", err)
	}

	if !domain.Application.IsSendData() {
		return &MCSDomain{Domain: domain}, nil
	}

	if domain.Application != c.inboundApplication() {
		return nil, malformed("%s from %s", domain.Application, c.peer)
	}

	route := Route{Initiator: domain.SendData.Initiator, ChannelID: domain.SendData.ChannelID}

	return c.decodeSendData(st, route, domain.SendData.Data)
}

func (c *Codec) decodeConnect(data []byte) (PDU, error) {
	var connect mcs.ConnectPDU
	if err := connect.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, wrapMalformed("mcs connect", err)
	}

	switch {
	case connect.ConnectInitial != nil && c.peer == PeerClient:
		var ccr gcc.ConferenceCreateRequest
		if err := ccr.Deserialize(connect.ConnectInitial.UserData); err != nil {
			return nil, wrapMalformed("gcc", err)
		}

		p := &MCSConnectInitial{Params: *connect.ConnectInitial}
		p.Params.UserData = nil
		if err := p.UserData.Deserialize(ccr.UserData); err != nil {
			return nil, wrapMalformed("client user data", err)
		}

		return p, nil

	case connect.ConnectResponse != nil && c.peer == PeerServer:
		var ccr gcc.ConferenceCreateResponse
		if err := ccr.Deserialize(connect.ConnectResponse.UserData); err != nil {
			return nil, wrapMalformed("gcc", err)
		}

		p := &MCSConnectResponse{Params: *connect.ConnectResponse}
		p.Params.UserData = nil
		if err := p.UserData.Deserialize(ccr.UserData); err != nil {
			return nil, wrapMalformed("server user data", err)
		}

		return p, nil

	default:
		return nil, malformed("connect application %d from %s", connect.Application, c.peer)
	}
}

func (c *Codec) decodeSendData(st state, route Route, data []byte) (PDU, error) {
	if st.phase == PhaseConnect && route.ChannelID == st.channels.IO {
		if st.cipher == nil {
			if h, ok := pdu.PeekShareControl(data); ok && h.PDUType.IsDemandActive() {
				// licensing was skipped; the server went straight to capabilities
				c.SetPhase(PhaseActive)
				return c.decodeShareControl(route, data)
			}
		}

		return c.decodeSecured(st, route, data)
	}

	if st.cipher != nil {
		return c.decodeSecured(st, route, data)
	}

	return c.decodePayload(st, route, 0, data)
}

// decodeSecured strips the security header, decrypting when SEC_ENCRYPT is set.
func (c *Codec) decodeSecured(st state, route Route, data []byte) (PDU, error) {
	var header pdu.SecurityHeader
	if err := header.Deserialize(data); err != nil {
		return nil, wrapMalformed("security header", err)
	}

	body := data[pdu.BasicSecurityHeaderLen:]

	if header.Has(pdu.SecEncrypt) {
		if st.cipher == nil {
			return nil, malformed("encrypted payload without standard security")
		}

		if len(body) < pdu.SignatureLen {
			return nil, malformed("encrypted payload of %d bytes has no signature", len(body))
		}

		plain, err := st.cipher.Decrypt(body[:pdu.SignatureLen], body[pdu.SignatureLen:], header.Has(pdu.SecSecureChecksum))
		if err != nil {
			return nil, wrapMalformed("decrypt", err)
		}
		body = plain
	}

	flags := header.Flags &^ (pdu.SecEncrypt | pdu.SecSecureChecksum)

	switch {
	case header.Has(pdu.SecExchangePkt):
		p := &SecurityExchange{Route: route}
		if err := p.Exchange.Deserialize(body); err != nil {
			return nil, wrapMalformed("security exchange", err)
		}
		return p, nil

	case header.Has(pdu.SecInfoPkt):
		p := &ClientInfo{Route: route}
		if err := p.Info.Deserialize(body); err != nil {
			return nil, wrapMalformed("client info", err)
		}
		return p, nil

	case header.Has(pdu.SecLicensePkt):
		p := &Licensing{Route: route}
		if err := p.License.Deserialize(body); err != nil {
			return nil, wrapMalformed("licensing", err)
		}
		return p, nil
	}

	if st.phase == PhaseConnect {
		return &Opaque{Route: route, SecurityFlags: flags, Data: clone(body)}, nil
	}

	return c.decodePayload(st, route, flags, body)
}

// decodePayload interprets an active phase payload after security processing.
func (c *Codec) decodePayload(st state, route Route, flags uint16, data []byte) (PDU, error) {
	switch {
	case route.ChannelID == st.channels.IO:
		if flags != 0 {
			return &Opaque{Route: route, SecurityFlags: flags, Data: clone(data)}, nil
		}
		return c.decodeShareControl(route, data)

	case route.ChannelID == st.channels.User || route.ChannelID == st.channels.Message:
		return &Opaque{Route: route, SecurityFlags: flags, Data: clone(data)}, nil

	default:
		p := &VirtualChannelData{Route: route}
		if err := p.Chunk.Deserialize(data); err != nil {
			return nil, wrapMalformed("virtual channel", err)
		}
		p.Chunk.Data = clone(p.Chunk.Data)
		return p, nil
	}
}

func (c *Codec) decodeShareControl(route Route, data []byte) (PDU, error) {
	var header pdu.ShareControlHeader
	if err := header.Deserialize(data); err != nil {
		return nil, wrapMalformed("share control", err)
	}

	if header.TotalLength == pdu.FlowPDUMarker {
		return &Opaque{Route: route, Data: clone(data)}, nil
	}

	if int(header.TotalLength) != len(data) {
		return nil, malformed("share control declares %d bytes, have %d", header.TotalLength, len(data))
	}

	body := data[pdu.ShareControlHeaderLen:]

	switch {
	case header.PDUType.IsDemandActive():
		p := &DemandActive{Route: route, Source: header.PDUSource}
		if err := p.Demand.Deserialize(body); err != nil {
			return nil, wrapMalformed("demand active", err)
		}
		return p, nil

	case header.PDUType.IsConfirmActive():
		p := &ConfirmActive{Route: route, Source: header.PDUSource}
		if err := p.Confirm.Deserialize(body); err != nil {
			return nil, wrapMalformed("confirm active", err)
		}
		return p, nil

	case header.PDUType.IsData():
		return c.decodeShareData(route, data)

	default:
		return &Opaque{Route: route, Data: clone(data)}, nil
	}
}

func (c *Codec) decodeShareData(route Route, data []byte) (PDU, error) {
	var header pdu.ShareDataHeader
	if err := header.Deserialize(data); err != nil {
		return nil, wrapMalformed("share data", err)
	}

	share := ShareData{
		Source:   header.ShareControlHeader.PDUSource,
		ShareID:  header.ShareID,
		StreamID: header.StreamID,
	}
	body := data[pdu.ShareDataHeaderLen:]

	if header.IsCompressed() {
		return &Opaque{Route: route, Data: clone(data)}, nil
	}

	switch header.PDUType2 {
	case pdu.Type2Input:
		if c.peer != PeerClient {
			return nil, malformed("input PDU from %s", c.peer)
		}
		p := &InputEvents{Route: route, Share: share}
		if err := p.Input.Deserialize(body); err != nil {
			return nil, wrapMalformed("input", err)
		}
		return p, nil

	case pdu.Type2Update:
		if c.peer != PeerServer {
			return nil, malformed("update PDU from %s", c.peer)
		}
		p := &SlowPathUpdate{Route: route, Share: share}
		if err := p.Update.Deserialize(body); err != nil {
			return nil, wrapMalformed("update", err)
		}
		return p, nil

	default:
		return &Opaque{Route: route, Data: clone(data)}, nil
	}
}

func (c *Codec) decodeFastPath(st state, frame *fastpath.PDU) (PDU, error) {
	data := frame.Data

	if frame.IsEncrypted() {
		if st.cipher == nil {
			return nil, malformed("encrypted fast-path frame without standard security")
		}

		plain, err := st.cipher.Decrypt(frame.Signature, data, frame.HasSaltedChecksum())
		if err != nil {
			return nil, wrapMalformed("fast-path decrypt", err)
		}
		data = plain
	}

	switch c.peer {
	case PeerClient:
		p := &FastPathInput{}
		if err := p.Input.Deserialize(frame.NumEvents, data); err != nil {
			return nil, wrapMalformed("fast-path input", err)
		}
		return p, nil

	default:
		p := &FastPathUpdate{}
		if err := p.Updates.Deserialize(data); err != nil {
			return nil, wrapMalformed("fast-path output", err)
		}
		return p, nil
	}
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

// FrameLength reports the length of the frame at the start of buf without
// decoding it, or ErrNeedMoreData when the header is incomplete.
func FrameLength(buf []byte, phase Phase) (int, error) {
	if len(buf) == 0 {
		return 0, ErrNeedMoreData
	}

	if tpkt.IsFrame(buf[0]) {
		h, err := tpkt.ParseHeader(buf)
		if err != nil {
			return 0, frameError("tpkt", err, tpkt.ErrShortFrame)
		}
		return int(h.Length), nil
	}

	if phase == PhaseActive && fastpath.IsFrame(buf[0]) {
		total, _, err := fastpath.PeekLength(buf)
		if err != nil {
			return 0, frameError("fast-path", err, fastpath.ErrShortFrame)
		}
		return total, nil
	}

	return 0, malformed("unknown frame header 0x%02x", buf[0])
}
