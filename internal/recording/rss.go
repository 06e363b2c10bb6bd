// Package recording writes session events to replay files. The .rss format is
// a magic followed by length-prefixed records:
//
//	magic   "RSS1"
//	record  u32 body length | u16 kind | u8 origin | u64 unix ms | body
//
// All integers are little-endian.
package recording

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rcarmo/go-rdp-mitm/internal/event"
)

// Magic starts every recording.
const Magic = "RSS1"

const recordHeaderLen = 4 + 2 + 1 + 8

// MaxRecordLen bounds the body of one record on read.
const MaxRecordLen = 1 << 20

var (
	ErrBadMagic = errors.New("recording: not an RSS1 stream")
	ErrClosed   = errors.New("recording: handle closed")
	ErrTooLarge = errors.New("recording: record exceeds limit")
)

// Sink opens one recording per session.
type Sink interface {
	Open(sessionID string) (Handle, error)
}

// Handle receives the events of one session in order.
type Handle interface {
	Write(ev *event.Event) error
	Close() error
}

// EncodeRecord serializes ev as one record.
func EncodeRecord(ev *event.Event) ([]byte, error) {
	body, err := ev.Body()
	if err != nil {
		return nil, err
	}

	out := make([]byte, recordHeaderLen, recordHeaderLen+len(body))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(body))) // #nosec G115
	binary.LittleEndian.PutUint16(out[4:], uint16(ev.Kind))
	out[6] = byte(ev.Origin)
	binary.LittleEndian.PutUint64(out[7:], uint64(ev.Time.UnixMilli())) // #nosec G115

	return append(out, body...), nil
}

// FileSink writes <Dir>/<yyyymmdd_hhmmss>_<session>.rss files.
type FileSink struct {
	Dir string

	now func() time.Time
}

// NewFileSink returns a sink writing into dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{Dir: dir, now: time.Now}
}

// FileName returns the recording name for a session started at t.
func FileName(sessionID string, t time.Time) string {
	return fmt.Sprintf("%s_%s.rss", t.Format("20060102_150405"), sessionID)
}

// Open creates the directory when needed and starts a recording.
func (s *FileSink) Open(sessionID string) (Handle, error) {
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	path := filepath.Join(s.Dir, FileName(sessionID, s.now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	h := &fileHandle{path: path, f: f, w: bufio.NewWriter(f)}
	if _, err := h.w.WriteString(Magic); err != nil {
		_ = f.Close()
		return nil, err
	}

	return h, nil
}

type fileHandle struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// Path returns the file being written.
func (h *fileHandle) Path() string {
	return h.path
}

func (h *fileHandle) Write(ev *event.Event) error {
	rec, err := EncodeRecord(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	if _, err := h.w.Write(rec); err != nil {
		return err
	}
	return h.w.Flush()
}

func (h *fileHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	flushErr := h.w.Flush()
	return errors.Join(flushErr, h.f.Close())
}

// Record is one record read back from a recording.
type Record struct {
	Kind   event.Kind
	Origin event.Origin
	Time   time.Time
	Body   []byte
}

// Event decodes the record body.
func (r *Record) Event(sessionID string) (*event.Event, error) {
	ev := &event.Event{Session: sessionID, Kind: r.Kind, Origin: r.Origin, Time: r.Time}

	var target any
	switch r.Kind {
	case event.KindSessionStart:
		ev.Start = &event.SessionStart{}
		target = ev.Start
	case event.KindCredentials:
		ev.Credentials = &event.Credentials{}
		target = ev.Credentials
	case event.KindNTLMHash:
		ev.Hash = &event.NTLMHash{}
		target = ev.Hash
	case event.KindSessionEnd:
		ev.End = &event.SessionEnd{}
		target = ev.End
	case event.KindPDU:
		p, phase, err := event.DecodePDU(r.Origin, r.Body)
		if err != nil {
			return nil, err
		}
		ev.PDU, ev.Phase = p, phase
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %s", event.ErrNoPayload, r.Kind)
	}

	if err := json.Unmarshal(r.Body, target); err != nil {
		return nil, err
	}
	return ev, nil
}

// Reader reads records from a recording.
type Reader struct {
	r *bufio.Reader
}

// NewReader checks the magic and returns a reader positioned at the first record.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != Magic {
		return nil, ErrBadMagic
	}

	return &Reader{r: br}, nil
}

// Next returns the next record or io.EOF after the last one.
func (r *Reader) Next() (*Record, error) {
	var header [recordHeaderLen]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated record header: %w", err)
		}
		return nil, err
	}

	n := binary.LittleEndian.Uint32(header[0:])
	if n > MaxRecordLen {
		return nil, ErrTooLarge
	}

	rec := &Record{
		Kind:   event.Kind(binary.LittleEndian.Uint16(header[4:])),
		Origin: event.Origin(header[6]),
		Time:   time.UnixMilli(int64(binary.LittleEndian.Uint64(header[7:]))), // #nosec G115
		Body:   make([]byte, n),
	}

	if _, err := io.ReadFull(r.r, rec.Body); err != nil {
		return nil, fmt.Errorf("truncated record body: %w", io.ErrUnexpectedEOF)
	}

	return rec, nil
}

// ReadAll returns every record up to the end of the stream.
func (r *Reader) ReadAll() ([]*Record, error) {
	var out []*Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
