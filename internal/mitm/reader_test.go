package mitm

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/go-rdp-mitm/internal/codec"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
)

func connectionRequest(t *testing.T, cookie string) []byte {
	t.Helper()

	c := codec.New(codec.Config{Peer: codec.PeerServer, Phase: codec.PhaseConnect})
	b, err := c.Encode(&codec.NegotiationRequest{Request: pdu.ClientConnectionRequest{
		Cookie:             cookie,
		NegotiationRequest: &pdu.NegotiationRequest{RequestedProtocols: pdu.NegotiationProtocolSSL},
	}})
	require.NoError(t, err)
	return b
}

// trickle writes data one byte per write.
func trickle(conn net.Conn, data []byte) {
	for i := range data {
		if _, err := conn.Write(data[i : i+1]); err != nil {
			return
		}
	}
}

func proxyReader(t *testing.T) (*frameReader, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	c := codec.New(codec.Config{Peer: codec.PeerClient, Phase: codec.PhaseConnect})
	return newFrameReader(local, c), remote
}

func TestFrameReader_AcrossReads(t *testing.T) {
	r, remote := proxyReader(t)

	first := connectionRequest(t, "alice")
	second := connectionRequest(t, "bob")
	go trickle(remote, append(append([]byte(nil), first...), second...))

	p, n, err := r.nextWithin(ioTimeout)
	require.NoError(t, err)
	assert.Equal(t, len(first), n)
	req, ok := p.(*codec.NegotiationRequest)
	require.True(t, ok)
	assert.Equal(t, "alice", req.Request.Cookie)

	p, n, err = r.nextWithin(ioTimeout)
	require.NoError(t, err)
	assert.Equal(t, len(second), n)
	assert.Equal(t, "bob", p.(*codec.NegotiationRequest).Request.Cookie)
	assert.Zero(t, r.pending())
}

func TestFrameReader_Pending(t *testing.T) {
	r, remote := proxyReader(t)

	frame := connectionRequest(t, "alice")
	go func() { _, _ = remote.Write(append(append([]byte(nil), frame...), 0x16, 0x03, 0x01)) }()

	_, _, err := r.nextWithin(ioTimeout)
	require.NoError(t, err)
	assert.Equal(t, 3, r.pending(), "bytes after the frame stay buffered")
}

func TestFrameReader_Overflow(t *testing.T) {
	r, remote := proxyReader(t)
	r.limit = 8

	frame := connectionRequest(t, "a-long-cookie-value")
	go trickle(remote, frame[:len(frame)-1])

	_, _, err := r.nextWithin(ioTimeout)
	require.ErrorIs(t, err, errBufferOverflow)
	assert.Equal(t, Malformed, Classify(err, 0).Kind)
}

func TestFrameReader_Malformed(t *testing.T) {
	r, remote := proxyReader(t)
	go func() { _, _ = remote.Write([]byte{0xFF, 0x00, 0x00, 0x00}) }()

	_, _, err := r.nextWithin(ioTimeout)
	require.ErrorIs(t, err, codec.ErrMalformed)
}

func TestFrameReader_Deadline(t *testing.T) {
	r, _ := proxyReader(t)

	start := time.Now()
	_, _, err := r.nextWithin(50 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, NegotiationTimeout, Classify(err, 0).Kind)
	assert.Less(t, time.Since(start), ioTimeout)
}

func TestFrameReader_ConsumeCopies(t *testing.T) {
	r := &frameReader{buf: []byte{1, 2, 3, 4, 5}}
	backing := r.buf

	r.consume(2)
	assert.Equal(t, []byte{3, 4, 5}, r.buf)

	backing[2] = 0xEE
	assert.Equal(t, byte(3), r.buf[0], "remainder does not alias the decoded frame")

	r.consume(3)
	assert.Nil(t, r.buf)
}
