package intercept

import (
	"strings"

	"github.com/rcarmo/go-rdp-mitm/internal/codec"
	"github.com/rcarmo/go-rdp-mitm/internal/event"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
)

// CredentialSubstitution replaces the credentials of client info PDUs sent by
// the client and requests auto-logon.
type CredentialSubstitution struct {
	Domain   string
	Username string
	Password string
}

// NewCredentialSubstitution returns nil when no username is configured.
func NewCredentialSubstitution(domain, username, password string) *CredentialSubstitution {
	if username == "" {
		return nil
	}
	return &CredentialSubstitution{Domain: domain, Username: username, Password: password}
}

func (s *CredentialSubstitution) Name() string { return "credential-substitution" }

func (s *CredentialSubstitution) Handle(ev *event.Event) (Result, error) {
	if ev.Kind != event.KindPDU || ev.Origin != event.OriginClient {
		return Result{}, nil
	}

	info, ok := ev.PDU.(*codec.ClientInfo)
	if !ok {
		return Result{}, nil
	}

	replaced := *info
	replaced.Info.UserName = s.Username
	replaced.Info.Password = s.Password
	if s.Domain != "" {
		replaced.Info.Domain = s.Domain
	}
	replaced.Info.Flags |= pdu.InfoAutologon

	out := *ev
	out.PDU = &replaced

	return Result{Verdict: Replace, Event: &out}, nil
}

// ChannelResolver maps a negotiated channel id to its name.
type ChannelResolver func(id uint16) (string, bool)

// ChannelFilter drops virtual channel data on blocked channels in both
// directions.
type ChannelFilter struct {
	blocked map[string]struct{}
	resolve ChannelResolver
}

// NewChannelFilter returns nil when nothing is blocked. Names compare case
// insensitively.
func NewChannelFilter(blocked []string, resolve ChannelResolver) *ChannelFilter {
	if len(blocked) == 0 {
		return nil
	}

	f := &ChannelFilter{blocked: make(map[string]struct{}, len(blocked)), resolve: resolve}
	for _, name := range blocked {
		f.blocked[strings.ToLower(name)] = struct{}{}
	}
	return f
}

func (f *ChannelFilter) Name() string { return "channel-filter" }

func (f *ChannelFilter) Handle(ev *event.Event) (Result, error) {
	if ev.Kind != event.KindPDU {
		return Result{}, nil
	}

	vc, ok := ev.PDU.(*codec.VirtualChannelData)
	if !ok {
		return Result{}, nil
	}

	name, ok := f.resolve(vc.ChannelID)
	if !ok {
		return Result{}, nil
	}

	if _, blocked := f.blocked[strings.ToLower(name)]; blocked {
		return Result{Verdict: Suppress}, nil
	}

	return Result{}, nil
}

// Func adapts a function to a Stage.
type Func struct {
	StageName string
	Fn        func(ev *event.Event) (Result, error)
}

func (f Func) Name() string { return f.StageName }

func (f Func) Handle(ev *event.Event) (Result, error) { return f.Fn(ev) }
