package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

// CredSSPVersion is the TSRequest version spoken by both roles.
const CredSSPVersion = 6

// StatusLogonFailure is the NTSTATUS sent in TSRequest.errorCode when the
// client credentials are refused.
const StatusLogonFailure uint32 = 0xC000006D

var (
	clientServerHashMagic = []byte("CredSSP Client-To-Server Binding Hash\x00")
	serverClientHashMagic = []byte("CredSSP Server-To-Client Binding Hash\x00")
)

// TSRequest is the CredSSP message (MS-CSSP 2.2.1):
//
//	TSRequest ::= SEQUENCE {
//	   version     [0] INTEGER,
//	   negoTokens  [1] NegoData OPTIONAL,
//	   authInfo    [2] OCTET STRING OPTIONAL,
//	   pubKeyAuth  [3] OCTET STRING OPTIONAL,
//	   errorCode   [4] INTEGER OPTIONAL,
//	   clientNonce [5] OCTET STRING OPTIONAL
//	}
//	NegoData ::= SEQUENCE OF SEQUENCE { negoToken [0] OCTET STRING }
type TSRequest struct {
	Version     int
	NegoTokens  [][]byte
	AuthInfo    []byte
	PubKeyAuth  []byte
	ErrorCode   uint32
	ClientNonce []byte
}

// Serialize encodes the request.
func (r *TSRequest) Serialize() []byte {
	var fields [][]byte

	version := r.Version
	if version == 0 {
		version = CredSSPVersion
	}
	fields = append(fields, encodeContextTag(0, encodeInteger(uint32(version)))) // #nosec G115

	if len(r.NegoTokens) > 0 {
		items := make([][]byte, 0, len(r.NegoTokens))
		for _, token := range r.NegoTokens {
			items = append(items, encodeSequence(encodeContextTag(0, encodeOctetString(token))))
		}
		fields = append(fields, encodeContextTag(1, encodeSequence(items...)))
	}

	if len(r.AuthInfo) > 0 {
		fields = append(fields, encodeContextTag(2, encodeOctetString(r.AuthInfo)))
	}

	if len(r.PubKeyAuth) > 0 {
		fields = append(fields, encodeContextTag(3, encodeOctetString(r.PubKeyAuth)))
	}

	if r.ErrorCode != 0 {
		fields = append(fields, encodeContextTag(4, encodeInteger(r.ErrorCode)))
	}

	if len(r.ClientNonce) > 0 {
		fields = append(fields, encodeContextTag(5, encodeOctetString(r.ClientNonce)))
	}

	return encodeSequence(fields...)
}

// DecodeTSRequest decodes a TSRequest. Trailing bytes after the outer sequence
// are rejected.
func DecodeTSRequest(data []byte) (*TSRequest, error) {
	content, rest, err := readExpect(data, tagSequence)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrDER, len(rest))
	}

	req := &TSRequest{}

	for len(content) > 0 {
		var tag byte
		var value []byte

		tag, value, content, err = readTLV(content)
		if err != nil {
			return nil, err
		}

		switch tag {
		case tagContext | 0:
			v, err := parseInteger(value)
			if err != nil {
				return nil, err
			}
			req.Version = int(v)
		case tagContext | 1:
			if req.NegoTokens, err = parseNegoTokens(value); err != nil {
				return nil, err
			}
		case tagContext | 2:
			if req.AuthInfo, err = parseOctetString(value); err != nil {
				return nil, err
			}
		case tagContext | 3:
			if req.PubKeyAuth, err = parseOctetString(value); err != nil {
				return nil, err
			}
		case tagContext | 4:
			if req.ErrorCode, err = parseInteger(value); err != nil {
				return nil, err
			}
		case tagContext | 5:
			if req.ClientNonce, err = parseOctetString(value); err != nil {
				return nil, err
			}
		}
	}

	return req, nil
}

func parseNegoTokens(data []byte) ([][]byte, error) {
	items, _, err := readExpect(data, tagSequence)
	if err != nil {
		return nil, err
	}

	var tokens [][]byte
	for len(items) > 0 {
		var item []byte
		if item, items, err = readExpect(items, tagSequence); err != nil {
			return nil, err
		}

		wrapped, _, err := readExpect(item, tagContext|0)
		if err != nil {
			return nil, err
		}

		token, err := parseOctetString(wrapped)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}

	return tokens, nil
}

// TSCredentials carries password credentials (MS-CSSP 2.2.1.2):
//
//	TSCredentials ::= SEQUENCE {
//	   credType    [0] INTEGER,
//	   credentials [1] OCTET STRING
//	}
//	TSPasswordCreds ::= SEQUENCE {
//	   domainName [0] OCTET STRING,
//	   userName   [1] OCTET STRING,
//	   password   [2] OCTET STRING
//	}
//
// The strings are always UTF-16LE on the wire.
type TSCredentials struct {
	Domain   string
	User     string
	Password string
}

const credTypePassword = 1

// Serialize encodes password credentials.
func (c *TSCredentials) Serialize() []byte {
	creds := encodeSequence(
		encodeContextTag(0, encodeOctetString(unicodeEncode(c.Domain))),
		encodeContextTag(1, encodeOctetString(unicodeEncode(c.User))),
		encodeContextTag(2, encodeOctetString(unicodeEncode(c.Password))),
	)

	return encodeSequence(
		encodeContextTag(0, encodeInteger(credTypePassword)),
		encodeContextTag(1, encodeOctetString(creds)),
	)
}

// DecodeTSCredentials decodes password credentials; smart card credentials are
// rejected.
func DecodeTSCredentials(data []byte) (*TSCredentials, error) {
	content, _, err := readExpect(data, tagSequence)
	if err != nil {
		return nil, err
	}

	typeField, content, err := readExpect(content, tagContext|0)
	if err != nil {
		return nil, err
	}

	credType, err := parseInteger(typeField)
	if err != nil {
		return nil, err
	}
	if credType != credTypePassword {
		return nil, fmt.Errorf("%w: credential type %d", ErrDER, credType)
	}

	credsField, _, err := readExpect(content, tagContext|1)
	if err != nil {
		return nil, err
	}

	credsDER, err := parseOctetString(credsField)
	if err != nil {
		return nil, err
	}

	fields, _, err := readExpect(credsDER, tagSequence)
	if err != nil {
		return nil, err
	}

	out := &TSCredentials{}
	for i, dst := range []*string{&out.Domain, &out.User, &out.Password} {
		var field []byte
		if field, fields, err = readExpect(fields, tagContext|byte(i)); err != nil {
			return nil, err
		}

		raw, err := parseOctetString(field)
		if err != nil {
			return nil, err
		}

		if *dst, err = unicodeDecode(raw); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDER, err)
		}
	}

	return out, nil
}

// ComputeClientPubKeyAuth is the value the client seals into pubKeyAuth:
// the server public key up to version 4, a binding hash from version 5.
func ComputeClientPubKeyAuth(version int, pubKey, nonce []byte) []byte {
	if version < 5 {
		return pubKey
	}
	return bindingHash(clientServerHashMagic, nonce, pubKey)
}

// ComputeServerPubKeyAuth is the value the server seals into its pubKeyAuth
// answer: the public key with the first byte incremented up to version 4.
func ComputeServerPubKeyAuth(version int, pubKey, nonce []byte) []byte {
	if version < 5 {
		out := append([]byte(nil), pubKey...)
		if len(out) > 0 {
			out[0]++
		}
		return out
	}
	return bindingHash(serverClientHashMagic, nonce, pubKey)
}

// VerifyServerPubKeyAuth checks the server answer received by a client.
func VerifyServerPubKeyAuth(version int, response, pubKey, nonce []byte) bool {
	return subtle.ConstantTimeCompare(response, ComputeServerPubKeyAuth(version, pubKey, nonce)) == 1
}

// VerifyClientPubKeyAuth checks the client value received by a server.
func VerifyClientPubKeyAuth(version int, response, pubKey, nonce []byte) bool {
	return subtle.ConstantTimeCompare(response, ComputeClientPubKeyAuth(version, pubKey, nonce)) == 1
}

func bindingHash(magic, nonce, pubKey []byte) []byte {
	h := sha256.New()
	h.Write(magic)
	h.Write(nonce)
	h.Write(pubKey)
	return h.Sum(nil)
}
