package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"sync"
)

// ErrBadSeal is returned when a sealed message fails verification.
var ErrBadSeal = errors.New("ntlm: sealed message verification failed")

const sealHeaderLen = 16

var (
	clientSigningMagic = []byte("session key to client-to-server signing key magic constant\x00")
	serverSigningMagic = []byte("session key to server-to-client signing key magic constant\x00")
	clientSealingMagic = []byte("session key to client-to-server sealing key magic constant\x00")
	serverSealingMagic = []byte("session key to server-to-client sealing key magic constant\x00")
)

// Session seals and unseals messages with the keys of a completed NTLM
// exchange (extended session security, MS-NLMP 3.4).
type Session struct {
	mu         sync.Mutex
	encryptRC4 *rc4.Cipher
	decryptRC4 *rc4.Cipher
	signingKey []byte
	verifyKey  []byte
	seqNum     uint32
}

func newSession(exportedSessionKey []byte, server bool) *Session {
	clientSigning := md5Hash(exportedSessionKey, clientSigningMagic)
	serverSigning := md5Hash(exportedSessionKey, serverSigningMagic)
	clientSealing := md5Hash(exportedSessionKey, clientSealingMagic)
	serverSealing := md5Hash(exportedSessionKey, serverSealingMagic)

	if server {
		clientSigning, serverSigning = serverSigning, clientSigning
		clientSealing, serverSealing = serverSealing, clientSealing
	}

	// 16-byte keys are always valid for RC4
	encryptRC4, _ := rc4.NewCipher(clientSealing)
	decryptRC4, _ := rc4.NewCipher(serverSealing)

	return &Session{
		encryptRC4: encryptRC4,
		decryptRC4: decryptRC4,
		signingKey: clientSigning,
		verifyKey:  serverSigning,
	}
}

// GssEncrypt seals data: Version(4) + Checksum(8) + SeqNum(4) + ciphertext.
// The data is encrypted first and the checksum continues the same key stream.
func (s *Session) GssEncrypt(data []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted := make([]byte, len(data))
	s.encryptRC4.XORKeyStream(encrypted, data)

	seq := make([]byte, 4)
	binary.LittleEndian.PutUint32(seq, s.seqNum)

	checksum := make([]byte, 8)
	s.encryptRC4.XORKeyStream(checksum, hmacMD5(s.signingKey, seq, data)[:8])

	out := bytes.NewBuffer(make([]byte, 0, sealHeaderLen+len(data)))
	_ = binary.Write(out, binary.LittleEndian, uint32(1))
	out.Write(checksum)
	out.Write(seq)
	out.Write(encrypted)

	s.seqNum++
	return out.Bytes()
}

// GssDecrypt unseals a message produced by the peer's GssEncrypt.
func (s *Session) GssDecrypt(data []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) < sealHeaderLen || binary.LittleEndian.Uint32(data) != 1 {
		return nil, ErrBadSeal
	}

	checksum := data[4:12]
	seq := data[12:16]

	decrypted := make([]byte, len(data)-sealHeaderLen)
	s.decryptRC4.XORKeyStream(decrypted, data[sealHeaderLen:])

	expected := make([]byte, 8)
	s.decryptRC4.XORKeyStream(expected, hmacMD5(s.verifyKey, seq, decrypted)[:8])

	if !hmac.Equal(checksum, expected) {
		return nil, ErrBadSeal
	}

	return decrypted, nil
}
