package pdu

import (
	"bytes"
	"fmt"
)

// Certificate chain versions of SERVER_CERTIFICATE.dwVersion.
const (
	CertChainVersion1  uint32 = 0x00000001 // CERT_CHAIN_VERSION_1, proprietary
	CertChainVersion2  uint32 = 0x00000002 // CERT_CHAIN_VERSION_2, X.509
	certChainVersion   uint32 = 0x7FFFFFFF
	CertTemporaryFlag  uint32 = 0x80000000 // t bit
	SignatureAlgRSA    uint32 = 0x00000001 // SIGNATURE_ALG_RSA
	KeyExchangeAlgRSA  uint32 = 0x00000001 // KEY_EXCHANGE_ALG_RSA
	BlobTypeRSAKey     uint16 = 0x0006     // BB_RSA_KEY_BLOB
	BlobTypeRSASig     uint16 = 0x0008     // BB_RSA_SIGNATURE_BLOB
	RSAPublicKeyMagic  uint32 = 0x31415352 // "RSA1"
)

const rsaPublicKeyHeader = 20

// RSAPublicKey represents an RSA public key used in server proprietary certificates.
// See MS-RDPBCGR section 2.2.1.4.3.1.1.1 for the RSA Public Key (RSA_PUBLIC_KEY) structure.
// Modulus is little-endian and includes the trailing zero padding.
type RSAPublicKey struct {
	Magic   uint32
	KeyLen  uint32
	BitLen  uint32
	DataLen uint32
	PubExp  uint32
	Modulus []byte
}

// Serialize encodes the key to wire format.
func (k *RSAPublicKey) Serialize() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, rsaPublicKeyHeader+len(k.Modulus)))
	writeFields(buf, k.Magic, k.KeyLen, k.BitLen, k.DataLen, k.PubExp)
	buf.Write(k.Modulus)

	return buf.Bytes()
}

// Deserialize decodes the key from wire format.
func (k *RSAPublicKey) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)

	if err := readFields(r, &k.Magic, &k.KeyLen, &k.BitLen, &k.DataLen, &k.PubExp); err != nil {
		return err
	}

	if k.Magic != RSAPublicKeyMagic {
		return fmt.Errorf("%w: rsa key magic 0x%08x", ErrUnexpectedType, k.Magic)
	}

	if int(k.KeyLen) != r.Len() {
		return fmt.Errorf("%w: rsa key length %d with %d bytes", ErrInvalidLength, k.KeyLen, r.Len())
	}

	var err error
	k.Modulus, err = readBytes(r, int(k.KeyLen))

	return err
}

// ProprietaryCertificate contains the server's proprietary certificate for encryption.
// See MS-RDPBCGR section 2.2.1.4.3.1.1 for the Server Proprietary Certificate structure.
type ProprietaryCertificate struct {
	SigAlgID      uint32
	KeyAlgID      uint32
	PublicKey     RSAPublicKey
	SignatureBlob []byte
}

// SignedData returns the bytes covered by the certificate signature: every
// field from dwVersion through the public key blob.
func (c *ProprietaryCertificate) SignedData() []byte {
	key := c.PublicKey.Serialize()

	buf := new(bytes.Buffer)
	writeFields(buf, CertChainVersion1, c.SigAlgID, c.KeyAlgID, BlobTypeRSAKey, uint16(len(key)))
	buf.Write(key)

	return buf.Bytes()
}

func (c *ProprietaryCertificate) serialize(buf *bytes.Buffer) {
	key := c.PublicKey.Serialize()

	writeFields(buf, c.SigAlgID, c.KeyAlgID, BlobTypeRSAKey, uint16(len(key)))
	buf.Write(key)
	writeFields(buf, BlobTypeRSASig, uint16(len(c.SignatureBlob)))
	buf.Write(c.SignatureBlob)
}

func (c *ProprietaryCertificate) deserialize(r *bytes.Reader) error {
	var blobType, blobLen uint16

	if err := readFields(r, &c.SigAlgID, &c.KeyAlgID, &blobType, &blobLen); err != nil {
		return err
	}

	if blobType != BlobTypeRSAKey {
		return fmt.Errorf("%w: public key blob type 0x%04x", ErrUnexpectedType, blobType)
	}

	key, err := readBytes(r, int(blobLen))
	if err != nil {
		return err
	}

	if err = c.PublicKey.Deserialize(key); err != nil {
		return err
	}

	if err = readFields(r, &blobType, &blobLen); err != nil {
		return err
	}

	if blobType != BlobTypeRSASig {
		return fmt.Errorf("%w: signature blob type 0x%04x", ErrUnexpectedType, blobType)
	}

	c.SignatureBlob, err = readBytes(r, int(blobLen))

	return err
}

// ServerCertificate contains the server's certificate (proprietary or X.509 chain).
// See MS-RDPBCGR section 2.2.1.4.3.1 for the Server Certificate structure.
type ServerCertificate struct {
	Version     uint32 // dwVersion including the temporary bit
	Proprietary *ProprietaryCertificate
	X509Chain   [][]byte // DER certificates, the server's own last
	Padding     []byte
}

// ChainVersion returns the certificate chain version without the temporary bit.
func (c *ServerCertificate) ChainVersion() uint32 {
	return c.Version & certChainVersion
}

// Serialize encodes the certificate to wire format.
func (c *ServerCertificate) Serialize() []byte {
	buf := new(bytes.Buffer)
	writeFields(buf, c.Version)

	if c.ChainVersion() == CertChainVersion1 {
		if c.Proprietary != nil {
			c.Proprietary.serialize(buf)
		}
		return buf.Bytes()
	}

	writeFields(buf, uint32(len(c.X509Chain)))
	for _, cert := range c.X509Chain {
		writeFields(buf, uint32(len(cert)))
		buf.Write(cert)
	}
	buf.Write(c.Padding)

	return buf.Bytes()
}

// Deserialize decodes the certificate from wire format.
func (c *ServerCertificate) Deserialize(wire []byte) error {
	r := bytes.NewReader(wire)
	*c = ServerCertificate{}

	if err := readFields(r, &c.Version); err != nil {
		return err
	}

	switch c.ChainVersion() {
	case CertChainVersion1:
		c.Proprietary = &ProprietaryCertificate{}
		if err := c.Proprietary.deserialize(r); err != nil {
			return err
		}
		if r.Len() != 0 {
			return ErrTrailingData
		}
		return nil
	case CertChainVersion2:
	default:
		return fmt.Errorf("%w: certificate chain version %d", ErrUnexpectedType, c.ChainVersion())
	}

	var count uint32
	if err := readFields(r, &count); err != nil {
		return err
	}

	// each entry needs at least its length prefix
	if uint64(count)*4 > uint64(r.Len()) {
		return fmt.Errorf("%w: %d certificates in %d bytes", ErrInvalidLength, count, r.Len())
	}

	for i := uint32(0); i < count; i++ {
		var certLen uint32
		if err := readFields(r, &certLen); err != nil {
			return err
		}

		cert, err := readBytes(r, int(certLen))
		if err != nil {
			return err
		}

		c.X509Chain = append(c.X509Chain, cert)
	}

	c.Padding = readRest(r)

	return nil
}
