package fastpath

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// UpdateCode is the updateCode of a fast-path output update (MS-RDPBCGR 2.2.9.1.2.1).
type UpdateCode uint8

const (
	UpdateCodeOrders       UpdateCode = 0x0 // FASTPATH_UPDATETYPE_ORDERS
	UpdateCodeBitmap       UpdateCode = 0x1 // FASTPATH_UPDATETYPE_BITMAP
	UpdateCodePalette      UpdateCode = 0x2 // FASTPATH_UPDATETYPE_PALETTE
	UpdateCodeSynchronize  UpdateCode = 0x3 // FASTPATH_UPDATETYPE_SYNCHRONIZE
	UpdateCodeSurfCMDs     UpdateCode = 0x4 // FASTPATH_UPDATETYPE_SURFCMDS
	UpdateCodePTRNull      UpdateCode = 0x5 // FASTPATH_UPDATETYPE_PTR_NULL
	UpdateCodePTRDefault   UpdateCode = 0x6 // FASTPATH_UPDATETYPE_PTR_DEFAULT
	UpdateCodePTRPosition  UpdateCode = 0x8 // FASTPATH_UPDATETYPE_PTR_POSITION
	UpdateCodeColor        UpdateCode = 0x9 // FASTPATH_UPDATETYPE_COLOR
	UpdateCodeCached       UpdateCode = 0xa // FASTPATH_UPDATETYPE_CACHED
	UpdateCodePointer      UpdateCode = 0xb // FASTPATH_UPDATETYPE_POINTER
	UpdateCodeLargePointer UpdateCode = 0xc // FASTPATH_UPDATETYPE_LARGE_POINTER
)

// Fragment is the fragmentation field of an update header.
type Fragment uint8

const (
	FragmentSingle Fragment = 0x0 // FASTPATH_FRAGMENT_SINGLE
	FragmentLast   Fragment = 0x1 // FASTPATH_FRAGMENT_LAST
	FragmentFirst  Fragment = 0x2 // FASTPATH_FRAGMENT_FIRST
	FragmentNext   Fragment = 0x3 // FASTPATH_FRAGMENT_NEXT
)

// Compression is the compression field of an update header.
type Compression uint8

// CompressionUsed means a compressionFlags octet follows the update header.
const CompressionUsed Compression = 0x2 // FASTPATH_OUTPUT_COMPRESSION_USED

// PacketCompressed is the bulk compression bit of compressionFlags.
const PacketCompressed uint8 = 0x20

// Update is one TS_FP_UPDATE inside a fast-path output PDU.
type Update struct {
	UpdateCode       UpdateCode
	Fragmentation    Fragment
	Compression      Compression
	CompressionFlags uint8
	Data             []byte
}

// IsCompressed reports whether Data is bulk compressed.
func (u *Update) IsCompressed() bool {
	return u.Compression == CompressionUsed && u.CompressionFlags&PacketCompressed != 0
}

func (u *Update) header() uint8 {
	return uint8(u.UpdateCode&0xF) | uint8(u.Fragmentation&0x3)<<4 | uint8(u.Compression&0x3)<<6
}

// Serialize encodes the update header, size and data.
func (u *Update) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(u.Data)))
	buf.WriteByte(u.header())

	if u.Compression == CompressionUsed {
		buf.WriteByte(u.CompressionFlags)
	}

	_ = binary.Write(buf, binary.LittleEndian, uint16(len(u.Data))) // #nosec G115
	buf.Write(u.Data)

	return buf.Bytes()
}

// Deserialize reads one update from r.
func (u *Update) Deserialize(r io.Reader) error {
	var header uint8
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return err
	}

	u.UpdateCode = UpdateCode(header & 0xF)
	u.Fragmentation = Fragment((header >> 4) & 0x3)
	u.Compression = Compression((header >> 6) & 0x3)
	u.CompressionFlags = 0

	if u.Compression == CompressionUsed {
		if err := binary.Read(r, binary.LittleEndian, &u.CompressionFlags); err != nil {
			return shortRead(err)
		}
	}

	var size uint16
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return shortRead(err)
	}

	u.Data = nil
	if size == 0 {
		return nil
	}

	u.Data = make([]byte, size)
	if _, err := io.ReadFull(r, u.Data); err != nil {
		return shortRead(err)
	}

	return nil
}

// Updates is the decrypted body of a fast-path output PDU.
type Updates struct {
	Updates []Update
}

// Serialize concatenates the updates.
func (p *Updates) Serialize() []byte {
	buf := new(bytes.Buffer)
	for i := range p.Updates {
		buf.Write(p.Updates[i].Serialize())
	}
	return buf.Bytes()
}

// Deserialize decodes updates until data is exhausted.
func (p *Updates) Deserialize(data []byte) error {
	r := bytes.NewReader(data)
	p.Updates = nil

	for r.Len() > 0 {
		var u Update
		if err := u.Deserialize(r); err != nil {
			return fmt.Errorf("%w: update %d: %v", ErrInvalidLength, len(p.Updates), err)
		}
		p.Updates = append(p.Updates, u)
	}

	return nil
}

func shortRead(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
