// Package security implements standard RDP security: session key derivation,
// RC4 encryption with MAC signatures, key updates, proprietary server
// certificates and the RSA exchange of the client random.
package security

import (
	"crypto/md5" // #nosec G501 -- mandated by MS-RDPBCGR 5.3.5
	"crypto/sha1" // #nosec G505 -- mandated by MS-RDPBCGR 5.3.5
	"errors"
	"fmt"

	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
)

// RandomLen is the length of the client and server randoms.
const RandomLen = 32

var (
	// ErrUnsupportedMethod is returned for FIPS and unknown encryption methods.
	ErrUnsupportedMethod = errors.New("security: unsupported encryption method")

	// ErrInvalidRandom is returned when a random is not RandomLen bytes.
	ErrInvalidRandom = errors.New("security: invalid random length")
)

// Role is the side of the connection the proxy plays on a leg.
type Role uint8

const (
	// RoleClient derives the keys of an RDP client (server-facing leg).
	RoleClient Role = iota
	// RoleServer derives the keys of an RDP server (client-facing leg).
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Keys are the initial session keys of one endpoint (MS-RDPBCGR 5.3.5).
type Keys struct {
	Method  uint32
	MAC     []byte
	Encrypt []byte
	Decrypt []byte
}

// KeyLength returns the RC4 key length in bytes for an encryption method.
func KeyLength(method uint32) (int, error) {
	switch method {
	case pdu.EncryptionMethod40Bit, pdu.EncryptionMethod56Bit:
		return 8, nil
	case pdu.EncryptionMethod128Bit:
		return 16, nil
	default:
		return 0, fmt.Errorf("%w: 0x%08x", ErrUnsupportedMethod, method)
	}
}

// SelectMethod picks the strongest method both bitmasks allow, or 0 when they
// share none. FIPS is never selected.
func SelectMethod(offered, allowed uint32) uint32 {
	for _, m := range []uint32{pdu.EncryptionMethod128Bit, pdu.EncryptionMethod56Bit, pdu.EncryptionMethod40Bit} {
		if offered&m != 0 && allowed&m != 0 {
			return m
		}
	}
	return 0
}

// DeriveKeys computes the session keys for role from the two randoms.
func DeriveKeys(clientRandom, serverRandom []byte, method uint32, role Role) (*Keys, error) {
	if len(clientRandom) != RandomLen || len(serverRandom) != RandomLen {
		return nil, ErrInvalidRandom
	}

	if _, err := KeyLength(method); err != nil {
		return nil, err
	}

	preMaster := make([]byte, 0, 48)
	preMaster = append(preMaster, clientRandom[:24]...)
	preMaster = append(preMaster, serverRandom[:24]...)

	master := saltedHashes(preMaster, clientRandom, serverRandom, "A", "BB", "CCC")
	blob := saltedHashes(master, clientRandom, serverRandom, "X", "YY", "ZZZ")

	// 5.3.5.1: the second 128 bits key server to client traffic, the third client to server
	serverToClient := finalHash(blob[16:32], clientRandom, serverRandom)
	clientToServer := finalHash(blob[32:48], clientRandom, serverRandom)

	keys := &Keys{Method: method, MAC: blob[:16]}
	if role == RoleClient {
		keys.Encrypt, keys.Decrypt = clientToServer, serverToClient
	} else {
		keys.Encrypt, keys.Decrypt = serverToClient, clientToServer
	}

	keys.MAC = reduce(keys.MAC, method)
	keys.Encrypt = reduce(keys.Encrypt, method)
	keys.Decrypt = reduce(keys.Decrypt, method)

	return keys, nil
}

func saltedHashes(secret, clientRandom, serverRandom []byte, salts ...string) []byte {
	out := make([]byte, 0, 16*len(salts))
	for _, salt := range salts {
		out = append(out, saltedHash(secret, []byte(salt), clientRandom, serverRandom)...)
	}
	return out
}

// saltedHash is MD5(secret + SHA1(salt + secret + clientRandom + serverRandom)).
func saltedHash(secret, salt, clientRandom, serverRandom []byte) []byte {
	inner := sha1.New() // #nosec G401
	inner.Write(salt)
	inner.Write(secret)
	inner.Write(clientRandom)
	inner.Write(serverRandom)

	outer := md5.New() // #nosec G401
	outer.Write(secret)
	outer.Write(inner.Sum(nil))

	return outer.Sum(nil)
}

func finalHash(key, clientRandom, serverRandom []byte) []byte {
	h := md5.New() // #nosec G401
	h.Write(key)
	h.Write(clientRandom)
	h.Write(serverRandom)

	return h.Sum(nil)
}

// reduce weakens a 128-bit key to the strength of method (MS-RDPBCGR 5.3.5.1).
func reduce(key []byte, method uint32) []byte {
	out := make([]byte, 0, 16)

	switch method {
	case pdu.EncryptionMethod40Bit:
		out = append(out, 0xD1, 0x26, 0x9E)
		return append(out, key[3:8]...)
	case pdu.EncryptionMethod56Bit:
		out = append(out, 0xD1)
		return append(out, key[1:8]...)
	default:
		return append(out, key[:16]...)
	}
}
