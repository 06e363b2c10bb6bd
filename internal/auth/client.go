package auth

import (
	"crypto/rand"
	"crypto/rc4"
	"fmt"
	"strings"
	"time"
)

// clientFlags are the flags offered in the NEGOTIATE message.
const clientFlags = NegotiateKeyExch |
	Negotiate128 |
	NegotiateExtendedSessionSecurity |
	NegotiateAlwaysSign |
	NegotiateNTLM |
	NegotiateSeal |
	NegotiateSign |
	RequestTarget |
	NegotiateUnicode |
	NegotiateVersion

// Client is the initiator side of an NTLMv2 exchange.
type Client struct {
	domain    string
	user      string
	password  string
	respKeyNT []byte

	negotiate []byte
	challenge *ChallengeMessage

	now func() time.Time
}

// NewClient returns an NTLMv2 initiator for the given credentials.
func NewClient(domain, user, password string) *Client {
	return &Client{
		domain:    domain,
		user:      user,
		password:  password,
		respKeyNT: ntowfv2(password, user, domain),
		now:       time.Now,
	}
}

// SplitUser separates DOMAIN\user and user@domain forms. Without a domain part
// the fallback domain is returned.
func SplitUser(username, fallback string) (domain, user string) {
	if idx := strings.Index(username, `\`); idx != -1 {
		return username[:idx], username[idx+1:]
	}
	if idx := strings.Index(username, "@"); idx != -1 {
		return username[idx+1:], username[:idx]
	}
	return fallback, username
}

// Negotiate returns the NEGOTIATE message.
func (c *Client) Negotiate() []byte {
	msg := NegotiateMessage{Flags: clientFlags}
	c.negotiate = msg.Serialize()
	return c.negotiate
}

// Authenticate answers a CHALLENGE message and returns the AUTHENTICATE message
// with the security context for sealing CredSSP payloads.
func (c *Client) Authenticate(challengeData []byte) ([]byte, *Session, error) {
	challenge, err := ParseChallengeMessage(challengeData)
	if err != nil {
		return nil, nil, err
	}
	c.challenge = challenge

	// a server timestamp means the server expects a MIC
	timestamp := challenge.Timestamp
	computeMIC := timestamp != nil
	if !computeMIC {
		timestamp = filetime(c.now())
	}

	clientChallenge := make([]byte, 8)
	if _, err := rand.Read(clientChallenge); err != nil {
		return nil, nil, err
	}

	targetInfo := challenge.TargetInfo
	if computeMIC {
		targetInfo = withMICProvided(targetInfo)
	}

	ntResponse, lmResponse, sessionBaseKey := c.computeResponse(challenge.ServerChallenge[:], clientChallenge, timestamp, targetInfo)

	exportedSessionKey := make([]byte, 16)
	if _, err := rand.Read(exportedSessionKey); err != nil {
		return nil, nil, err
	}

	encryptedKey := make([]byte, 16)
	rc, err := rc4.NewCipher(sessionBaseKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ntlm: key exchange: %w", err)
	}
	rc.XORKeyStream(encryptedKey, exportedSessionKey)

	msg := &AuthenticateMessage{
		Flags:                     challenge.Flags,
		LmChallengeResponse:       lmResponse,
		NtChallengeResponse:       ntResponse,
		Domain:                    c.domain,
		User:                      c.user,
		EncryptedRandomSessionKey: encryptedKey,
	}
	wire := msg.Serialize()

	if computeMIC {
		mic := hmacMD5(exportedSessionKey, c.negotiate, challenge.Raw, wire)
		copy(wire[micOffset:micOffset+micLen], mic)
	}

	return wire, newSession(exportedSessionKey, false), nil
}

// computeResponse builds the NTLMv2 and LMv2 responses (MS-NLMP 3.3.2).
func (c *Client) computeResponse(serverChallenge, clientChallenge, timestamp, targetInfo []byte) (nt, lm, sessionBaseKey []byte) {
	blob := make([]byte, 0, 28+len(targetInfo)+4)
	blob = append(blob, 0x01, 0x01, 0, 0, 0, 0, 0, 0)
	blob = append(blob, timestamp...)
	blob = append(blob, clientChallenge...)
	blob = append(blob, 0, 0, 0, 0)
	blob = append(blob, targetInfo...)
	blob = append(blob, 0, 0, 0, 0)

	proof := hmacMD5(c.respKeyNT, serverChallenge, blob)

	nt = append(append([]byte(nil), proof...), blob...)
	lm = append(hmacMD5(c.respKeyNT, serverChallenge, clientChallenge), clientChallenge...)
	sessionBaseKey = hmacMD5(c.respKeyNT, proof)

	return nt, lm, sessionBaseKey
}

// Credentials returns the TSCredentials of the client for CredSSP.
func (c *Client) Credentials() *TSCredentials {
	return &TSCredentials{Domain: c.domain, User: c.user, Password: c.password}
}
