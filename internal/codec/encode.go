package codec

import (
	"fmt"

	"github.com/rcarmo/go-rdp-mitm/internal/protocol/fastpath"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/gcc"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/mcs"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/tpkt"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/x224"
)

// Encode serializes p as one frame to send to the codec's peer. Length fields of
// every layer are recomputed.
func (c *Codec) Encode(p PDU) ([]byte, error) {
	st := c.snapshot()

	switch v := p.(type) {
	case *NegotiationRequest:
		if err := c.toward(PeerServer, v); err != nil {
			return nil, err
		}
		cr := x224.ConnectionRequest{UserData: v.Request.Serialize()}
		return tpkt.Encode(cr.Serialize())

	case *NegotiationResponse:
		if err := c.toward(PeerClient, v); err != nil {
			return nil, err
		}
		cc := x224.ConnectionConfirm{UserData: v.Confirm.Serialize()}
		return tpkt.Encode(cc.Serialize())

	case *MCSConnectInitial:
		if err := c.toward(PeerServer, v); err != nil {
			return nil, err
		}
		params := v.Params
		params.UserData = gcc.NewConferenceCreateRequest(v.UserData.Serialize()).Serialize()
		return encodeMCS(mcs.NewConnectInitialPDU(&params).Serialize())

	case *MCSConnectResponse:
		if err := c.toward(PeerClient, v); err != nil {
			return nil, err
		}
		params := v.Params
		params.UserData = gcc.NewConferenceCreateResponse(v.UserData.Serialize()).Serialize()
		return encodeMCS(mcs.NewConnectResponsePDU(&params).Serialize())

	case *MCSDomain:
		if v.Domain.Application.IsSendData() {
			return nil, fmt.Errorf("%w: send data must use a channel PDU", ErrUnencodable)
		}
		return encodeMCS(v.Domain.Serialize())

	case *SecurityExchange:
		if err := c.toward(PeerServer, v); err != nil {
			return nil, err
		}
		return c.encodeSendData(v.Route, secureBasic(pdu.SecExchangePkt, v.Exchange.Serialize()))

	case *ClientInfo:
		if err := c.toward(PeerServer, v); err != nil {
			return nil, err
		}
		return c.encodeSendData(v.Route, secure(st.cipher, pdu.SecInfoPkt, v.Info.Serialize()))

	case *Licensing:
		return c.encodeSendData(v.Route, secureBasic(pdu.SecLicensePkt, v.License.Serialize()))

	case *DemandActive:
		if err := c.toward(PeerClient, v); err != nil {
			return nil, err
		}
		body := shareControl(pdu.TypeDemandActive, v.Source, v.Demand.Serialize())
		return c.encodeSendData(v.Route, activePayload(st.cipher, body))

	case *ConfirmActive:
		if err := c.toward(PeerServer, v); err != nil {
			return nil, err
		}
		body := shareControl(pdu.TypeConfirmActive, v.Source, v.Confirm.Serialize())
		return c.encodeSendData(v.Route, activePayload(st.cipher, body))

	case *InputEvents:
		if err := c.toward(PeerServer, v); err != nil {
			return nil, err
		}
		body := shareData(v.Share, pdu.Type2Input, v.Input.Serialize())
		return c.encodeSendData(v.Route, activePayload(st.cipher, body))

	case *SlowPathUpdate:
		if err := c.toward(PeerClient, v); err != nil {
			return nil, err
		}
		body := shareData(v.Share, pdu.Type2Update, v.Update.Serialize())
		return c.encodeSendData(v.Route, activePayload(st.cipher, body))

	case *VirtualChannelData:
		return c.encodeSendData(v.Route, activePayload(st.cipher, v.Chunk.Serialize()))

	case *FastPathInput:
		if err := c.toward(PeerServer, v); err != nil {
			return nil, err
		}
		return encodeFastPath(st.cipher, v.Input.HeaderNumEvents(), v.Input.Serialize())

	case *FastPathUpdate:
		if err := c.toward(PeerClient, v); err != nil {
			return nil, err
		}
		return encodeFastPath(st.cipher, 0, v.Updates.Serialize())

	case *Opaque:
		return c.encodeOpaque(st, v)

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnencodable, p)
	}
}

// toward checks that a PDU only travels in the direction the protocol defines.
func (c *Codec) toward(peer Peer, p PDU) error {
	if c.peer != peer {
		return fmt.Errorf("%w: %s toward %s", ErrUnencodable, Name(p), c.peer)
	}
	return nil
}

func (c *Codec) encodeOpaque(st state, v *Opaque) ([]byte, error) {
	if v.ChannelID == 0 {
		return tpkt.Encode(v.Data)
	}

	headerPresent := st.cipher != nil || (st.phase == PhaseConnect && v.ChannelID == st.channels.IO)
	if !headerPresent {
		return c.encodeSendData(v.Route, v.Data)
	}

	return c.encodeSendData(v.Route, secure(st.cipher, v.SecurityFlags, v.Data))
}

func (c *Codec) encodeSendData(route Route, payload []byte) ([]byte, error) {
	return encodeMCS(mcs.NewSendData(c.sendDataApplication(), route.Initiator, route.ChannelID, payload).Serialize())
}

func encodeMCS(data []byte) ([]byte, error) {
	dt := x224.Data{UserData: data}
	return tpkt.Encode(dt.Serialize())
}

// secureBasic prefixes a basic security header that is never encrypted.
func secureBasic(flags uint16, body []byte) []byte {
	header := pdu.SecurityHeader{Flags: flags}
	return append(header.Serialize(), body...)
}

// secure prefixes a security header, encrypting when the cipher encrypts toward the peer.
func secure(cipher Cipher, flags uint16, body []byte) []byte {
	if cipher == nil || !cipher.Encrypting() {
		return secureBasic(flags, body)
	}

	signature, ciphertext := cipher.Encrypt(body)
	header := pdu.SecurityHeader{Flags: flags | pdu.SecEncrypt}

	out := append(header.Serialize(), signature...)
	return append(out, ciphertext...)
}

// activePayload adds the security header required in the active phase.
func activePayload(cipher Cipher, body []byte) []byte {
	if cipher == nil {
		return body
	}
	return secure(cipher, 0, body)
}

const shareControlVersion = 0x10

func shareControl(t pdu.Type, source uint16, body []byte) []byte {
	header := pdu.ShareControlHeader{
		TotalLength: uint16(pdu.ShareControlHeaderLen + len(body)), // #nosec G115
		PDUType:     t | shareControlVersion,
		PDUSource:   source,
	}
	return append(header.Serialize(), body...)
}

func shareData(share ShareData, t2 pdu.Type2, body []byte) []byte {
	header := pdu.ShareDataHeader{
		ShareControlHeader: pdu.ShareControlHeader{
			TotalLength: uint16(pdu.ShareDataHeaderLen + len(body)), // #nosec G115
			PDUType:     pdu.TypeData | shareControlVersion,
			PDUSource:   share.Source,
		},
		ShareID:            share.ShareID,
		StreamID:           share.StreamID,
		UncompressedLength: uint16(len(body) + 4), // #nosec G115
		PDUType2:           t2,
	}
	return append(header.Serialize(), body...)
}

func encodeFastPath(cipher Cipher, numEvents uint8, body []byte) ([]byte, error) {
	frame := fastpath.PDU{Action: fastpath.ActionFastPath, NumEvents: numEvents, Data: body}

	if cipher != nil && cipher.Encrypting() {
		frame.Flags = fastpath.FlagEncrypted
		frame.Signature, frame.Data = cipher.Encrypt(body)
	}

	return frame.Serialize()
}
