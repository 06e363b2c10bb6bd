package security

import (
	"crypto/md5" // #nosec G501
	"crypto/rc4" // #nosec G503 -- RDP standard security is RC4 only
	"crypto/sha1" // #nosec G505
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
)

// KeyUpdateInterval is the number of packets after which a key is refreshed
// (MS-RDPBCGR 5.3.7).
const KeyUpdateInterval = 4096

// ErrBadSignature is returned when a decrypted packet fails MAC verification.
var ErrBadSignature = errors.New("security: MAC signature mismatch")

var (
	pad1 = repeat(0x36, 40)
	pad2 = repeat(0x5C, 48)
)

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// stream is one RC4 direction with its key update state.
type stream struct {
	mu      sync.Mutex
	method  uint32
	initial []byte
	current []byte
	rc4     *rc4.Cipher
	uses    int
	count   uint32
}

func newStream(key []byte, method uint32) (*stream, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &stream{
		method:  method,
		initial: append([]byte(nil), key...),
		current: append([]byte(nil), key...),
		rc4:     c,
	}, nil
}

// xor applies the key stream, refreshing the key first when it is due.
func (s *stream) xor(data []byte) ([]byte, error) {
	if s.uses == KeyUpdateInterval {
		s.current = updateKey(s.initial, s.current, s.method)

		c, err := rc4.NewCipher(s.current)
		if err != nil {
			return nil, err
		}

		s.rc4 = c
		s.uses = 0
	}

	out := make([]byte, len(data))
	s.rc4.XORKeyStream(out, data)
	s.uses++

	return out, nil
}

// updateKey derives the next key from the initial and current keys.
func updateKey(initial, current []byte, method uint32) []byte {
	sh := sha1.New() // #nosec G401
	sh.Write(initial)
	sh.Write(pad1)
	sh.Write(current)

	m := md5.New() // #nosec G401
	m.Write(initial)
	m.Write(pad2)
	m.Write(sh.Sum(nil))

	temp := m.Sum(nil)[:len(initial)]

	c, _ := rc4.NewCipher(temp) // key length is 8 or 16
	next := make([]byte, len(temp))
	c.XORKeyStream(next, temp)

	return reduce(padTo16(next), method)
}

func padTo16(key []byte) []byte {
	if len(key) >= 16 {
		return key
	}
	out := make([]byte, 16)
	copy(out, key)
	return out
}

// Cipher is the standard RDP security state of one leg: an encrypting stream
// toward the peer and a decrypting stream for traffic from it.
type Cipher struct {
	mac        []byte
	encrypting bool
	enc        *stream
	dec        *stream
}

// NewCipher returns the cipher for keys. Traffic toward the peer is encrypted
// when encrypting is set; received packets are decrypted whenever they carry
// SEC_ENCRYPT.
func NewCipher(keys *Keys, encrypting bool) (*Cipher, error) {
	enc, err := newStream(keys.Encrypt, keys.Method)
	if err != nil {
		return nil, err
	}

	dec, err := newStream(keys.Decrypt, keys.Method)
	if err != nil {
		return nil, err
	}

	return &Cipher{
		mac:        append([]byte(nil), keys.MAC...),
		encrypting: encrypting,
		enc:        enc,
		dec:        dec,
	}, nil
}

// EncryptsToward reports whether a leg encrypts traffic toward its peer at the
// given encryption level. Low level only protects client to server traffic.
func EncryptsToward(role Role, level uint32) bool {
	switch level {
	case pdu.EncryptionLevelNone:
		return false
	case pdu.EncryptionLevelLow:
		return role == RoleClient
	default:
		return true
	}
}

// Encrypting reports whether traffic toward the peer is encrypted.
func (c *Cipher) Encrypting() bool {
	return c.encrypting
}

// Encrypt signs plain with the non-salted MAC and encrypts it.
func (c *Cipher) Encrypt(plain []byte) ([]byte, []byte) {
	c.enc.mu.Lock()
	defer c.enc.mu.Unlock()

	signature := Signature(c.mac, plain)

	// key length was validated on construction so xor cannot fail
	ciphertext, _ := c.enc.xor(plain)
	c.enc.count++

	return signature, ciphertext
}

// Decrypt decrypts ciphertext and verifies its signature. Salted selects the
// salted MAC of SEC_SECURE_CHECKSUM packets.
func (c *Cipher) Decrypt(signature, ciphertext []byte, salted bool) ([]byte, error) {
	c.dec.mu.Lock()
	defer c.dec.mu.Unlock()

	plain, err := c.dec.xor(ciphertext)
	if err != nil {
		return nil, err
	}

	count := c.dec.count
	c.dec.count++

	want := Signature(c.mac, plain)
	if salted {
		want = SaltedSignature(c.mac, plain, count)
	}

	if subtle.ConstantTimeCompare(want, signature) != 1 {
		return nil, ErrBadSignature
	}

	return plain, nil
}

// Signature is the MAC of MS-RDPBCGR 5.3.6.1.
func Signature(macKey, data []byte) []byte {
	return signature(macKey, data, nil)
}

// SaltedSignature is the MAC of MS-RDPBCGR 5.3.6.1.1, salted with the number
// of packets encrypted before this one.
func SaltedSignature(macKey, data []byte, count uint32) []byte {
	salt := make([]byte, 4)
	binary.LittleEndian.PutUint32(salt, count)

	return signature(macKey, data, salt)
}

func signature(macKey, data, salt []byte) []byte {
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(data))) // #nosec G115

	sh := sha1.New() // #nosec G401
	sh.Write(macKey)
	sh.Write(pad1)
	sh.Write(length)
	sh.Write(data)
	sh.Write(salt)

	m := md5.New() // #nosec G401
	m.Write(macKey)
	m.Write(pad2)
	m.Write(sh.Sum(nil))

	return m.Sum(nil)[:pdu.SignatureLen]
}
