package mitm

import (
	"crypto/rand"
	"crypto/rsa"

	"github.com/rcarmo/go-rdp-mitm/internal/codec"
	"github.com/rcarmo/go-rdp-mitm/internal/leg"
	"github.com/rcarmo/go-rdp-mitm/internal/protocol/pdu"
	"github.com/rcarmo/go-rdp-mitm/internal/security"
)

// proxyMethods are the encryption methods the proxy offers and accepts.
const proxyMethods = pdu.EncryptionMethod40Bit | pdu.EncryptionMethod56Bit | pdu.EncryptionMethod128Bit

// standardState is what the coordinator learns while the legs negotiate. The
// two legs select their security independently.
type standardState struct {
	requested      pdu.NegotiationProtocol
	clientSelected pdu.NegotiationProtocol
	serverSelected pdu.NegotiationProtocol

	// server leg
	serverPub    *rsa.PublicKey
	serverRandom []byte
	serverMethod uint32
	serverLevel  uint32
	exchanged    bool

	// client leg
	clientOffered uint32
	clientMethod  uint32
	clientLevel   uint32
	proxyRandom   []byte
}

func (st *standardState) serverStandard() bool {
	return !st.serverSelected.UsesTLS()
}

func (st *standardState) clientStandard() bool {
	return !st.clientSelected.UsesTLS()
}

// rewriteConnectInitial tells the target what it selected and, for a
// standard security target, offers every method the proxy implements.
func (s *Session) rewriteConnectInitial(v *codec.MCSConnectInitial) *codec.MCSConnectInitial {
	out := *v

	if sec := v.UserData.Security; sec != nil {
		s.std.clientOffered = sec.EncryptionMethods
		if sec.EncryptionMethods == 0 {
			s.std.clientOffered = sec.ExtEncryptionMethods
		}
	}

	if core := v.UserData.Core; core != nil {
		c := *core
		c.ServerSelectedProtocol = uint32(s.std.serverSelected)
		out.UserData.Core = &c
	}

	if s.std.serverStandard() {
		sec := pdu.ClientSecurityData{}
		if v.UserData.Security != nil {
			sec = *v.UserData.Security
		}
		sec.EncryptionMethods = proxyMethods
		out.UserData.Security = &sec
	}

	return &out
}

// rewriteConnectResponse records the target's security settings and replaces
// them with those of the client leg.
func (s *Session) rewriteConnectResponse(v *codec.MCSConnectResponse) (*codec.MCSConnectResponse, error) {
	out := *v

	if s.std.serverStandard() {
		sec := v.UserData.Security
		if sec == nil {
			return nil, newError(NegotiationFailed, leg.RoleServer, "standard security without security data")
		}
		if sec.EncryptionMethod == pdu.EncryptionMethodFIPS {
			return nil, newError(NegotiationFailed, leg.RoleServer, "FIPS encryption is not supported")
		}

		s.std.serverMethod = sec.EncryptionMethod
		s.std.serverLevel = sec.EncryptionLevel

		if sec.EncryptionMethod != pdu.EncryptionMethodNone {
			pub, err := security.ParseServerCertificate(sec.ServerCertificate)
			if err != nil {
				return nil, newError(Malformed, leg.RoleServer, "server certificate: %v", err)
			}
			s.std.serverPub = pub
			s.std.serverRandom = append([]byte(nil), sec.ServerRandom...)
		}
	}

	if core := v.UserData.Core; core != nil {
		c := *core
		c.ClientRequestedProtocols = uint32(s.std.requested)
		out.UserData.Core = &c
	}

	sec, err := s.clientSecurity()
	if err != nil {
		return nil, err
	}
	out.UserData.Security = sec

	return &out, nil
}

// clientSecurity builds the security settings announced to the client.
func (s *Session) clientSecurity() (*pdu.ServerSecurityData, error) {
	none := &pdu.ServerSecurityData{EncryptionMethod: pdu.EncryptionMethodNone, EncryptionLevel: pdu.EncryptionLevelNone}

	if !s.std.clientStandard() {
		return none, nil
	}

	method := security.SelectMethod(s.std.clientOffered, proxyMethods)
	if method == pdu.EncryptionMethodNone {
		return none, nil
	}

	if s.cfg.ProxyKey == nil {
		return nil, newError(NegotiationFailed, leg.RoleClient, "standard security without a proxy key")
	}

	random := make([]byte, security.RandomLen)
	if _, err := rand.Read(random); err != nil {
		return nil, newError(TransportError, leg.RoleClient, "server random: %v", err)
	}

	cert, err := security.NewProprietaryCertificate(&s.cfg.ProxyKey.PublicKey, security.TerminalServicesKey())
	if err != nil {
		return nil, newError(NegotiationFailed, leg.RoleClient, "proxy certificate: %v", err)
	}

	s.std.clientMethod = method
	s.std.clientLevel = pdu.EncryptionLevelClientCompatible
	s.std.proxyRandom = random

	return &pdu.ServerSecurityData{
		EncryptionMethod:  method,
		EncryptionLevel:   pdu.EncryptionLevelClientCompatible,
		ServerRandom:      random,
		ServerCertificate: cert.Serialize(),
	}, nil
}

// acceptExchange decrypts the client random with the proxy key and enables
// standard security on the client leg.
func (s *Session) acceptExchange(v *codec.SecurityExchange) error {
	if s.std.proxyRandom == nil || s.cfg.ProxyKey == nil {
		return newError(Reject, leg.RoleClient, "security exchange without standard security")
	}

	random, err := security.DecryptClientRandom(s.cfg.ProxyKey, v.Exchange.EncryptedClientRandom)
	if err != nil {
		return newError(Malformed, leg.RoleClient, "client random: %v", err)
	}

	keys, err := security.DeriveKeys(random, s.std.proxyRandom, s.std.clientMethod, security.RoleServer)
	if err != nil {
		return newError(NegotiationFailed, leg.RoleClient, "client keys: %v", err)
	}

	cipher, err := security.NewCipher(keys, security.EncryptsToward(security.RoleServer, s.std.clientLevel))
	if err != nil {
		return newError(NegotiationFailed, leg.RoleClient, "client cipher: %v", err)
	}

	s.client.codec.SetCipher(cipher)
	return nil
}

// exchangeServer sends the proxy's own client random to a standard security
// target.
func (s *Session) exchangeServer(route codec.Route) error {
	if s.std.exchanged || !s.std.serverStandard() || s.std.serverPub == nil {
		return nil
	}
	s.std.exchanged = true

	random := make([]byte, security.RandomLen)
	if _, err := rand.Read(random); err != nil {
		return newError(TransportError, leg.RoleServer, "client random: %v", err)
	}

	exchange := &codec.SecurityExchange{
		Route:    route,
		Exchange: pdu.SecurityExchange{EncryptedClientRandom: security.EncryptClientRandom(s.std.serverPub, random)},
	}
	if err := s.forward(s.server, exchange); err != nil {
		return err
	}

	keys, err := security.DeriveKeys(random, s.std.serverRandom, s.std.serverMethod, security.RoleClient)
	if err != nil {
		return newError(NegotiationFailed, leg.RoleServer, "server keys: %v", err)
	}

	cipher, err := security.NewCipher(keys, security.EncryptsToward(security.RoleClient, s.std.serverLevel))
	if err != nil {
		return newError(NegotiationFailed, leg.RoleServer, "server cipher: %v", err)
	}

	s.server.codec.SetCipher(cipher)
	return nil
}

// rewriteClientInfo drops bulk compression, which the codec does not
// implement, and requests auto-logon when the proxy supplies credentials.
func (s *Session) rewriteClientInfo(v *codec.ClientInfo) *codec.ClientInfo {
	out := *v
	out.Info.Flags &^= pdu.InfoCompression | pdu.InfoCompressionTypeMask

	switch {
	case s.cfg.Credentials.Configured():
		out.Info.Flags |= pdu.InfoAutologon
	case s.nlaCreds != nil:
		if out.Info.UserName == "" {
			out.Info.UserName = s.nlaCreds.User
			out.Info.Domain = s.nlaCreds.Domain
		}
		if out.Info.Password == "" {
			out.Info.Password = s.nlaCreds.Password
		}
		out.Info.Flags |= pdu.InfoAutologon
	}

	return &out
}
