package recording

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/rcarmo/go-rdp-mitm/internal/event"
)

const (
	snapLen        = 65536
	maxSegmentSize = 16384
)

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

	defaultClient = endpoint{ip: net.IPv4(10, 0, 0, 1).To4(), port: 50000}
	defaultServer = endpoint{ip: net.IPv4(10, 0, 0, 2).To4(), port: 3389}
)

type endpoint struct {
	ip   net.IP
	port uint16
}

// PcapSink writes the plaintext frames of each session as a synthesized TCP
// stream in <Dir>/<yyyymmdd_hhmmss>_<session>.pcap.
type PcapSink struct {
	Dir string

	now func() time.Time
}

// NewPcapSink returns a sink writing into dir.
func NewPcapSink(dir string) *PcapSink {
	return &PcapSink{Dir: dir, now: time.Now}
}

func (s *PcapSink) Open(sessionID string) (Handle, error) {
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create pcap dir: %w", err)
	}

	name := strings.TrimSuffix(FileName(sessionID, s.now()), ".rss") + ".pcap"
	f, err := os.OpenFile(filepath.Join(s.Dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("create pcap: %w", err)
	}

	w, err := NewPcapWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f

	return w, nil
}

// PcapWriter turns PDU events into Ethernet/IPv4/TCP packets. Client and server
// addresses come from the session start event when they are IPv4.
type PcapWriter struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer

	client, server       endpoint
	clientSeq, serverSeq uint32
	started              bool
	closed               bool
}

// NewPcapWriter writes the pcap file header to w.
func NewPcapWriter(w io.Writer) (*PcapWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}

	return &PcapWriter{
		w:         pw,
		client:    defaultClient,
		server:    defaultServer,
		clientSeq: 1,
		serverSeq: 1,
	}, nil
}

func (p *PcapWriter) Write(ev *event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	switch ev.Kind {
	case event.KindSessionStart:
		if ev.Start != nil && !p.started {
			if e, ok := parseEndpoint(ev.Start.ClientAddr); ok {
				p.client = e
			}
			if e, ok := parseEndpoint(ev.Start.TargetAddr); ok {
				p.server = e
			}
		}
		return nil

	case event.KindPDU:
		body, err := ev.Body()
		if err != nil {
			return err
		}

		if !p.started {
			if err := p.handshake(ev.Time); err != nil {
				return err
			}
		}

		return p.segments(ev.Origin == event.OriginClient, ev.Time, body[1:])

	default:
		return nil
	}
}

func (p *PcapWriter) handshake(ts time.Time) error {
	p.started = true

	p.clientSeq--
	if err := p.packet(true, ts, &layers.TCP{SYN: true}, nil); err != nil {
		return err
	}
	p.clientSeq++

	p.serverSeq--
	if err := p.packet(false, ts, &layers.TCP{SYN: true, ACK: true}, nil); err != nil {
		return err
	}
	p.serverSeq++

	return p.packet(true, ts, &layers.TCP{ACK: true}, nil)
}

func (p *PcapWriter) segments(fromClient bool, ts time.Time, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), maxSegmentSize)

		if err := p.packet(fromClient, ts, &layers.TCP{PSH: true, ACK: true}, data[:n]); err != nil {
			return err
		}

		if fromClient {
			p.clientSeq += uint32(n) // #nosec G115
		} else {
			p.serverSeq += uint32(n) // #nosec G115
		}
		data = data[n:]
	}
	return nil
}

func (p *PcapWriter) packet(fromClient bool, ts time.Time, tcp *layers.TCP, payload []byte) error {
	src, dst := p.client, p.server
	srcMAC, dstMAC := clientMAC, serverMAC
	seq, ack := p.clientSeq, p.serverSeq
	if !fromClient {
		src, dst = dst, src
		srcMAC, dstMAC = dstMAC, srcMAC
		seq, ack = ack, seq
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src.ip, DstIP: dst.ip}

	tcp.SrcPort = layers.TCPPort(src.port)
	tcp.DstPort = layers.TCPPort(dst.port)
	tcp.Seq = seq
	if tcp.ACK {
		tcp.Ack = ack
	}
	tcp.Window = 65535
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize packet: %w", err)
	}

	frame := buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(frame), Length: len(frame)}

	return p.w.WritePacket(ci, frame)
}

func (p *PcapWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

func parseEndpoint(addr string) (endpoint, bool) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return endpoint{}, false
	}

	ip := net.ParseIP(host).To4()
	if ip == nil {
		return endpoint{}, false
	}

	var n uint16
	if _, err := fmt.Sscanf(port, "%d", &n); err != nil {
		return endpoint{}, false
	}

	return endpoint{ip: ip, port: n}, true
}
