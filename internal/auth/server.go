package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rc4"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// serverFlags are the flags the terminating server is willing to grant.
const serverFlags = NegotiateKeyExch |
	Negotiate128 |
	NegotiateVersion |
	NegotiateTargetInfo |
	NegotiateExtendedSessionSecurity |
	NegotiateAlwaysSign |
	NegotiateNTLM |
	NegotiateSeal |
	NegotiateSign |
	RequestTarget |
	NegotiateUnicode

// Server is the acceptor side of an NTLMv2 exchange. It issues a challenge,
// captures the client response and checks it against a known password.
type Server struct {
	domain   string
	computer string

	challenge [8]byte
	flags     uint32

	now func() time.Time
}

// NewServer returns an acceptor that presents itself as computer in domain.
func NewServer(domain, computer string) *Server {
	return &Server{domain: domain, computer: computer, now: time.Now}
}

// Challenge answers a NEGOTIATE message with a CHALLENGE message.
func (s *Server) Challenge(negotiateData []byte) ([]byte, error) {
	negotiate, err := ParseNegotiateMessage(negotiateData)
	if err != nil {
		return nil, err
	}

	if _, err := rand.Read(s.challenge[:]); err != nil {
		return nil, err
	}

	s.flags = serverFlags&negotiate.Flags | NegotiateTargetInfo | NegotiateVersion | TargetTypeDomain
	if s.flags&NegotiateExtendedSessionSecurity == 0 {
		return nil, fmt.Errorf("%w: extended session security not offered", ErrUnsupportedResponse)
	}

	domain := unicodeEncode(strings.ToUpper(s.domain))
	computer := unicodeEncode(strings.ToUpper(s.computer))

	var info []byte
	info = append(info, avPair(MsvAvNbDomainName, domain)...)
	info = append(info, avPair(MsvAvNbComputerName, computer)...)
	info = append(info, avPair(MsvAvDnsDomainName, unicodeEncode(strings.ToLower(s.domain)))...)
	info = append(info, avPair(MsvAvDnsComputerName, unicodeEncode(strings.ToLower(s.computer)))...)
	info = append(info, avPair(MsvAvTimestamp, filetime(s.now()))...)
	info = append(info, avPair(MsvAvEOL, nil)...)

	msg := ChallengeMessage{
		Flags:           s.flags,
		TargetName:      domain,
		ServerChallenge: s.challenge,
		TargetInfo:      info,
	}

	return msg.Serialize(), nil
}

// ServerChallenge returns the challenge issued by the last Challenge call.
func (s *Server) ServerChallenge() [8]byte {
	return s.challenge
}

// Capture is an NetNTLMv2 response captured from a client.
type Capture struct {
	User            string
	Domain          string
	ServerChallenge [8]byte
	NTProofStr      []byte
	Blob            []byte
}

// Hashcat formats the capture as a hashcat mode 5600 line.
func (c *Capture) Hashcat() string {
	return fmt.Sprintf("%s::%s:%s:%s:%s",
		c.User, c.Domain,
		hex.EncodeToString(c.ServerChallenge[:]),
		hex.EncodeToString(c.NTProofStr),
		hex.EncodeToString(c.Blob))
}

// Capture extracts the crackable parts of an AUTHENTICATE message.
func (s *Server) Capture(msg *AuthenticateMessage) (*Capture, error) {
	proof, blob, err := splitResponse(msg.NtChallengeResponse)
	if err != nil {
		return nil, err
	}

	return &Capture{
		User:            msg.User,
		Domain:          msg.Domain,
		ServerChallenge: s.challenge,
		NTProofStr:      proof,
		Blob:            blob,
	}, nil
}

// Verify checks the response of msg against password and returns the server
// security context on success.
func (s *Server) Verify(msg *AuthenticateMessage, password string) (*Session, error) {
	proof, blob, err := splitResponse(msg.NtChallengeResponse)
	if err != nil {
		return nil, err
	}

	respKeyNT := ntowfv2(password, msg.User, msg.Domain)
	if !hmac.Equal(hmacMD5(respKeyNT, s.challenge[:], blob), proof) {
		return nil, ErrLogonFailure
	}

	sessionKey := hmacMD5(respKeyNT, proof)

	if msg.Flags&NegotiateKeyExch != 0 && len(msg.EncryptedRandomSessionKey) == 16 {
		rc, err := rc4.NewCipher(sessionKey)
		if err != nil {
			return nil, err
		}

		exported := make([]byte, 16)
		rc.XORKeyStream(exported, msg.EncryptedRandomSessionKey)
		sessionKey = exported
	}

	return newSession(sessionKey, true), nil
}
