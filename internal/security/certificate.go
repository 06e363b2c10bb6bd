package security

import (
	"crypto/md5" // #nosec G501 -- proprietary certificate signatures are MD5
	"crypto/rsa"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/zmap/zcrypto/x509"

	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
)

var (
	// ErrCertificate is returned when a server certificate cannot be used.
	ErrCertificate = errors.New("security: unusable server certificate")

	// ErrBadCertificateSignature is returned when a proprietary certificate
	// signature does not verify.
	ErrBadCertificateSignature = errors.New("security: bad proprietary certificate signature")
)

// rsaPadding is the zero padding appended to little-endian RSA values.
const rsaPadding = 8

// Terminal Services signing key (MS-RDPBCGR 5.3.3.1.1). It is public and lets
// any server produce proprietary certificates clients accept.
var (
	tsModulus = []byte{
		0x3d, 0x3a, 0x5e, 0xbd, 0x72, 0x43, 0x3e, 0xc9, 0x4d, 0xbb, 0xc1, 0x1e, 0x4a, 0xba, 0x5f, 0xcb,
		0x3e, 0x88, 0x20, 0x87, 0xef, 0xf5, 0xc1, 0xe2, 0xd7, 0xb7, 0x6b, 0x9a, 0xf2, 0x52, 0x45, 0x95,
		0xce, 0x63, 0x65, 0x6b, 0x58, 0x3a, 0xfe, 0xef, 0x7c, 0xe7, 0xbf, 0xfe, 0x3d, 0xf6, 0x5c, 0x7d,
		0x6c, 0x5e, 0x06, 0x09, 0x1a, 0xf5, 0x61, 0xbb, 0x20, 0x93, 0x09, 0x5f, 0x05, 0x6d, 0xea, 0x87,
	}
	tsPrivateExponent = []byte{
		0x87, 0xa7, 0x19, 0x32, 0xda, 0x11, 0x87, 0x55, 0x58, 0x00, 0x16, 0x16, 0x25, 0x65, 0x68, 0xf8,
		0x24, 0x3e, 0xe6, 0xfa, 0xe9, 0x67, 0x49, 0x94, 0xcf, 0x92, 0xcc, 0x33, 0x99, 0xe8, 0x08, 0x60,
		0x17, 0x9a, 0x12, 0x9f, 0x24, 0xdd, 0xb1, 0x24, 0x99, 0xc7, 0x3a, 0xb8, 0x0a, 0x7b, 0x0d, 0xdd,
		0x35, 0x07, 0x79, 0x17, 0x0b, 0x51, 0x9b, 0xb3, 0xc7, 0x10, 0x01, 0x13, 0xe7, 0x3f, 0xf3, 0x5f,
	}
	tsExponent = 0xc0887b5b
)

// TerminalServicesKey returns the well-known proprietary certificate signing key.
func TerminalServicesKey() *rsa.PrivateKey {
	return &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: fromLE(tsModulus), E: tsExponent},
		D:         fromLE(tsPrivateExponent),
	}
}

// NewProprietaryCertificate builds a proprietary certificate for pub signed with
// signer.
func NewProprietaryCertificate(pub *rsa.PublicKey, signer *rsa.PrivateKey) (*pdu.ServerCertificate, error) {
	keyLen := (pub.N.BitLen() + 7) / 8
	if pub.E <= 0 || int64(pub.E) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: public exponent %d", ErrCertificate, pub.E)
	}

	proprietary := &pdu.ProprietaryCertificate{
		SigAlgID: pdu.SignatureAlgRSA,
		KeyAlgID: pdu.KeyExchangeAlgRSA,
		PublicKey: pdu.RSAPublicKey{
			Magic:   pdu.RSAPublicKeyMagic,
			KeyLen:  uint32(keyLen + rsaPadding), // #nosec G115
			BitLen:  uint32(keyLen * 8),          // #nosec G115
			DataLen: uint32(keyLen - 1),          // #nosec G115
			PubExp:  uint32(pub.E),               // #nosec G115
			Modulus: toLE(pub.N, keyLen+rsaPadding),
		},
	}

	signature, err := signProprietary(proprietary.SignedData(), signer)
	if err != nil {
		return nil, err
	}
	proprietary.SignatureBlob = signature

	return &pdu.ServerCertificate{Version: pdu.CertChainVersion1, Proprietary: proprietary}, nil
}

// signProprietary follows MS-RDPBCGR 5.3.3.1.2: the MD5 digest is padded to
// one byte less than the signing key and raised to the private exponent.
func signProprietary(data []byte, signer *rsa.PrivateKey) ([]byte, error) {
	keyLen := (signer.N.BitLen() + 7) / 8
	if keyLen < md5.Size+3 {
		return nil, fmt.Errorf("%w: signing key too small", ErrCertificate)
	}

	block := signatureBlock(data, keyLen-1)
	sig := new(big.Int).Exp(fromLE(block), signer.D, signer.N)

	return toLE(sig, keyLen+rsaPadding), nil
}

func signatureBlock(data []byte, size int) []byte {
	digest := md5.Sum(data) // #nosec G401

	block := make([]byte, size)
	copy(block, digest[:])
	for i := md5.Size + 1; i < size-1; i++ {
		block[i] = 0xFF
	}
	block[size-1] = 0x01

	return block
}

// VerifyProprietary checks the signature of a proprietary certificate against
// the signing public key.
func VerifyProprietary(cert *pdu.ProprietaryCertificate, signer *rsa.PublicKey) error {
	keyLen := (signer.N.BitLen() + 7) / 8

	got := new(big.Int).Exp(fromLE(cert.SignatureBlob), big.NewInt(int64(signer.E)), signer.N)
	want := fromLE(signatureBlock(cert.SignedData(), keyLen-1))

	if got.Cmp(want) != 0 {
		return ErrBadCertificateSignature
	}
	return nil
}

// ParseServerCertificate extracts the RSA public key from the certificate of
// the Server Security Data. X.509 chains carry the server key in their last
// certificate.
func ParseServerCertificate(wire []byte) (*rsa.PublicKey, error) {
	var cert pdu.ServerCertificate
	if err := cert.Deserialize(wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificate, err)
	}

	if cert.Proprietary != nil {
		key := cert.Proprietary.PublicKey
		return &rsa.PublicKey{N: fromLE(key.Modulus), E: int(key.PubExp)}, nil
	}

	if len(cert.X509Chain) == 0 {
		return nil, fmt.Errorf("%w: empty certificate chain", ErrCertificate)
	}

	parsed, err := x509.ParseCertificate(cert.X509Chain[len(cert.X509Chain)-1])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertificate, err)
	}

	pub, ok := parsed.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %T public key", ErrCertificate, parsed.PublicKey)
	}

	return pub, nil
}

// EncryptClientRandom encrypts the client random for the Security Exchange PDU:
// raw RSA over little-endian integers followed by eight bytes of padding.
func EncryptClientRandom(pub *rsa.PublicKey, random []byte) []byte {
	keyLen := (pub.N.BitLen() + 7) / 8
	c := new(big.Int).Exp(fromLE(random), big.NewInt(int64(pub.E)), pub.N)

	return toLE(c, keyLen+rsaPadding)
}

// DecryptClientRandom recovers the client random with the proxy's private key.
func DecryptClientRandom(priv *rsa.PrivateKey, encrypted []byte) ([]byte, error) {
	c := fromLE(encrypted)
	if c.Cmp(priv.N) >= 0 {
		return nil, fmt.Errorf("%w: encrypted random exceeds modulus", ErrInvalidRandom)
	}

	m := new(big.Int).Exp(c, priv.D, priv.N)
	if (m.BitLen()+7)/8 > RandomLen {
		return nil, ErrInvalidRandom
	}

	return toLE(m, RandomLen), nil
}

func fromLE(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}

func toLE(n *big.Int, size int) []byte {
	be := n.Bytes()
	out := make([]byte, size)
	for i := 0; i < len(be) && i < size; i++ {
		out[i] = be[len(be)-1-i]
	}
	return out
}
