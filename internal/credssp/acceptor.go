package credssp

import (
	"bytes"
	"errors"

	"github.com/rcarmo/rdp-nla/internal/auth"
)

// AcceptorConfig carries the expected credentials and channel binding
// material for one server-side handshake.
type AcceptorConfig struct {
	Domain   string
	Username string
	Password string

	// PublicKey is the DER SubjectPublicKeyInfo of this server's own TLS
	// certificate, as the client sees it.
	PublicKey []byte
}

func (c AcceptorConfig) validate() error {
	if c.Username == "" {
		return negErr(KindConfigInvalid, "username is empty")
	}
	if len(c.PublicKey) == 0 {
		return negErr(KindConfigInvalid, "public key is empty")
	}
	return nil
}

// DelegatedCredentials holds the TSCredentials recovered from the client
// once the handshake completes.
type DelegatedCredentials struct {
	Domain   string
	Username string
	Password string
}

type acceptPhase int

const (
	acceptCreated acceptPhase = iota
	acceptAwaitNegotiate
	acceptAwaitAuthenticate
	acceptAwaitCredentials
	acceptCompleted
	acceptFailed
	acceptDestroyed
)

// Acceptor is the server-side mirror of Generator: the same suspend/resume
// contract, speaking second. It verifies the client's NTLMv2 proof against
// the configured credentials, echoes the incremented public key, and
// recovers the delegated credentials. Single owner, single goroutine,
// Destroy exactly once.
type Acceptor struct {
	cfg   AcceptorConfig
	ntlm  *auth.ServerNTLM
	sec   *auth.SecurityContext
	creds *DelegatedCredentials
	phase acceptPhase
}

// NewAcceptor returns an acceptor in its created state.
func NewAcceptor(cfg AcceptorConfig) *Acceptor {
	return &Acceptor{cfg: cfg}
}

// Start validates the configuration. The server speaks second, so the
// returned state carries no token; the caller proceeds straight to Resume
// with the client's first message.
func (a *Acceptor) Start() (State, error) {
	if a.phase != acceptCreated {
		return State{}, negErr(KindProtocolViolation, "handshake already started")
	}

	if err := a.cfg.validate(); err != nil {
		a.phase = acceptFailed
		return State{}, err
	}

	a.ntlm = auth.NewServerNTLM(a.cfg.Domain, a.cfg.Username, a.cfg.Password)
	a.phase = acceptAwaitNegotiate

	return State{}, nil
}

// Resume advances the handshake with the client's last message.
func (a *Acceptor) Resume(peerRequest []byte) (State, error) {
	switch a.phase {
	case acceptCreated:
		return State{}, negErr(KindProtocolViolation, "Resume called before Start")
	case acceptCompleted:
		return State{}, negErr(KindProtocolViolation, "handshake already complete")
	case acceptFailed:
		return State{}, negErr(KindProtocolViolation, "handshake already failed")
	case acceptDestroyed:
		return State{}, negErr(KindProtocolViolation, "acceptor destroyed")
	}

	if len(peerRequest) == 0 {
		return State{}, negErr(KindTruncated, "empty peer request")
	}

	req, err := DecodeTSRequest(peerRequest)
	if err != nil {
		var ne *NegotiationError
		if errors.As(err, &ne) && ne.Retryable() {
			return State{}, err
		}
		a.phase = acceptFailed
		return State{}, err
	}

	switch a.phase {
	case acceptAwaitNegotiate:
		return a.onNegotiate(req)
	case acceptAwaitAuthenticate:
		return a.onAuthenticate(req)
	case acceptAwaitCredentials:
		return a.onCredentials(req)
	}

	a.phase = acceptFailed
	return State{}, negErr(KindProtocolViolation, "acceptor in unexpected phase %d", a.phase)
}

func (a *Acceptor) onNegotiate(req *TSRequest) (State, error) {
	if len(req.NegoTokens) == 0 {
		a.phase = acceptFailed
		return State{}, negErr(KindProtocolViolation, "first request carries no negoToken")
	}

	challenge, err := a.ntlm.Challenge(req.NegoTokens[0])
	if err != nil {
		a.phase = acceptFailed
		if errors.Is(err, auth.ErrMalformedMessage) {
			return State{}, wrapErr(KindProtocolViolation, err, "parse NEGOTIATE message")
		}
		return State{}, wrapErr(KindCryptoFailure, err, "build CHALLENGE message")
	}

	a.phase = acceptAwaitAuthenticate

	return State{Token: EncodeTSRequest([][]byte{challenge}, nil, nil)}, nil
}

func (a *Acceptor) onAuthenticate(req *TSRequest) (State, error) {
	if len(req.NegoTokens) == 0 {
		a.phase = acceptFailed
		return State{}, negErr(KindProtocolViolation, "authenticate request carries no negoToken")
	}
	if len(req.PubKeyAuth) == 0 {
		a.phase = acceptFailed
		return State{}, negErr(KindProtocolViolation, "authenticate request carries no pubKeyAuth")
	}

	sec, err := a.ntlm.VerifyAuthenticate(req.NegoTokens[0])
	if err != nil {
		a.phase = acceptFailed
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			return State{}, wrapErr(KindAuthenticationRejected, err, "NTLMv2 proof")
		}
		if errors.Is(err, auth.ErrMalformedMessage) {
			return State{}, wrapErr(KindProtocolViolation, err, "parse AUTHENTICATE message")
		}
		return State{}, wrapErr(KindCryptoFailure, err, "derive session keys")
	}
	a.sec = sec

	bound, err := sec.Unseal(req.PubKeyAuth)
	if err != nil {
		a.phase = acceptFailed
		return State{}, wrapErr(KindAuthenticationRejected, err, "unseal client channel binding")
	}
	if !bytes.Equal(bound, a.cfg.PublicKey) {
		a.phase = acceptFailed
		return State{}, negErr(KindAuthenticationRejected, "client bound a different public key")
	}

	echo := append([]byte(nil), a.cfg.PublicKey...)
	echo[0]++
	token := EncodeTSRequest(nil, nil, sec.Seal(echo))

	a.phase = acceptAwaitCredentials

	return State{Token: token}, nil
}

func (a *Acceptor) onCredentials(req *TSRequest) (State, error) {
	if len(req.AuthInfo) == 0 {
		a.phase = acceptFailed
		return State{}, negErr(KindProtocolViolation, "delegation request carries no authInfo")
	}

	plain, err := a.sec.Unseal(req.AuthInfo)
	if err != nil {
		a.phase = acceptFailed
		return State{}, wrapErr(KindAuthenticationRejected, err, "unseal delegated credentials")
	}

	domain, username, password, err := DecodeCredentials(plain)
	if err != nil {
		a.phase = acceptFailed
		return State{}, err
	}

	a.creds = &DelegatedCredentials{
		Domain:   auth.UnicodeDecode(domain),
		Username: auth.UnicodeDecode(username),
		Password: auth.UnicodeDecode(password),
	}
	a.phase = acceptCompleted

	return State{Complete: true, Artifact: a.ntlm.SessionKey()}, nil
}

// Credentials returns the delegated credentials, or nil before completion.
func (a *Acceptor) Credentials() *DelegatedCredentials {
	return a.creds
}

// Destroy zeroizes key material and invalidates the acceptor. Exactly-once,
// like Generator.Destroy.
func (a *Acceptor) Destroy() {
	if a.ntlm != nil {
		a.ntlm.Zeroize()
		a.ntlm = nil
	}
	a.sec = nil
	a.creds = nil
	a.cfg.Password = ""
	a.phase = acceptDestroyed
}
