package mitm

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rcarmo/go-rdp-mitm/internal/codec"
)

const (
	// maxBuffered bounds the bytes held for an incomplete frame.
	maxBuffered = 1 << 20

	readChunk = 16 * 1024
)

var errBufferOverflow = errors.New("mitm: receive buffer limit exceeded")

// frameReader accumulates bytes from one connection and decodes them a frame
// at a time. A frame is decoded only when asked for, so codec state changes
// made between calls apply to the next frame.
type frameReader struct {
	conn  net.Conn
	codec *codec.Codec
	buf   []byte
	chunk []byte
	limit int
}

func newFrameReader(conn net.Conn, c *codec.Codec) *frameReader {
	return &frameReader{conn: conn, codec: c, chunk: make([]byte, readChunk), limit: maxBuffered}
}

// next returns the next PDU. The returned size is the frame length on the wire.
func (r *frameReader) next() (codec.PDU, int, error) {
	for {
		if len(r.buf) > 0 {
			p, n, err := r.codec.Decode(r.buf)
			if err == nil {
				r.consume(n)
				return p, n, nil
			}
			if !errors.Is(err, codec.ErrNeedMoreData) {
				return nil, 0, err
			}
		}

		if len(r.buf) >= r.limit {
			return nil, 0, fmt.Errorf("%w: %d bytes without a complete frame", errBufferOverflow, len(r.buf))
		}

		n, err := r.conn.Read(r.chunk)
		r.buf = append(r.buf, r.chunk[:n]...)
		if err != nil {
			return nil, 0, err
		}
	}
}

// nextWithin is next with a read deadline.
func (r *frameReader) nextWithin(d time.Duration) (codec.PDU, int, error) {
	if d > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(d))
		defer func() { _ = r.conn.SetReadDeadline(time.Time{}) }()
	}
	return r.next()
}

// consume drops a decoded frame. Decoded PDUs may alias the buffer, so the
// remainder moves to fresh memory.
func (r *frameReader) consume(n int) {
	if n == len(r.buf) {
		r.buf = nil
		return
	}
	r.buf = append([]byte(nil), r.buf[n:]...)
}

// pending reports buffered bytes not yet decoded.
func (r *frameReader) pending() int {
	return len(r.buf)
}
