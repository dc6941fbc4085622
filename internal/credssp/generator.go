// Package credssp implements the CredSSP (MS-CSSP) negotiation state
// machine used for RDP Network Level Authentication.
//
// The generator performs no I/O of its own: every suspension point is an
// explicit return to the caller, which transmits the yielded token over
// whatever transport it owns and re-enters with the peer's reply. The same
// state machine therefore runs unchanged over TCP+TLS, a websocket proxy,
// or an in-memory test harness.
package credssp

import (
	"bytes"
	"errors"
	"strings"
	"unicode"

	"github.com/rcarmo/rdp-nla/internal/auth"
)

// Config carries the credentials and channel binding material for one
// client-side handshake.
type Config struct {
	Domain   string
	Username string
	Password string

	// TargetName is the server host presented as the authentication target.
	TargetName string

	// PublicKey is the DER SubjectPublicKeyInfo of the peer's TLS
	// certificate. CredSSP binds the handshake to the TLS channel by
	// sealing this key and verifying the server's incremented echo of it.
	PublicKey []byte
}

func (c Config) validate() error {
	if c.Username == "" {
		return negErr(KindConfigInvalid, "username is empty")
	}
	if c.TargetName == "" {
		return negErr(KindConfigInvalid, "target name is empty")
	}
	for _, r := range c.TargetName {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return negErr(KindConfigInvalid, "target name %q contains whitespace or control characters", c.TargetName)
		}
	}
	if strings.ContainsAny(c.TargetName, "\\@") {
		return negErr(KindConfigInvalid, "target name %q is not a bare host", c.TargetName)
	}
	if len(c.PublicKey) == 0 {
		return negErr(KindConfigInvalid, "peer public key is empty")
	}
	return nil
}

// State is one suspension point of the negotiation.
//
// Token, when non-empty, must be transmitted to the peer verbatim before
// anything else happens. The final credential delegation message is
// unanswered, so a completed State can carry both a Token and an Artifact.
type State struct {
	Token    []byte
	Complete bool

	// Artifact is the session key shared by both sides once the handshake
	// completes; the session driver hands it to the next protocol phase.
	Artifact []byte
}

type phase int

const (
	phaseCreated phase = iota
	phaseAwaitChallenge
	phaseAwaitPubKeyEcho
	phaseCompleted
	phaseFailed
	phaseDestroyed
)

// Generator drives the client side of the CredSSP handshake. A generator
// is owned by exactly one caller and one goroutine; it is not safe for
// concurrent use, and Destroy must be called exactly once.
type Generator struct {
	cfg   Config
	ntlm  *auth.NTLMv2
	sec   *auth.SecurityContext
	phase phase
}

// NewGenerator returns a generator in its created state. No work happens
// until Start.
func NewGenerator(cfg Config) *Generator {
	return &Generator{cfg: cfg}
}

// Start validates the configuration, derives the NTLMv2 key material, and
// yields the first outbound token (the NEGOTIATE message wrapped in a
// TSRequest). It consumes no input.
func (g *Generator) Start() (State, error) {
	if g.phase != phaseCreated {
		return State{}, negErr(KindProtocolViolation, "handshake already started")
	}

	if err := g.cfg.validate(); err != nil {
		g.phase = phaseFailed
		return State{}, err
	}

	ntlm, err := auth.NewNTLMv2(g.cfg.Domain, g.cfg.Username, g.cfg.Password)
	if err != nil {
		g.phase = phaseFailed
		return State{}, wrapErr(KindCryptoFailure, err, "derive NTLMv2 response keys")
	}
	g.ntlm = ntlm

	token := EncodeTSRequest([][]byte{ntlm.NegotiateMessage()}, nil, nil)
	g.phase = phaseAwaitChallenge

	return State{Token: token}, nil
}

// Resume advances the handshake with the peer's last reply, which must be
// the exact bytes of one TSRequest. It yields the next token to send, or
// the completed state once the credential delegation message is built.
func (g *Generator) Resume(peerResponse []byte) (State, error) {
	switch g.phase {
	case phaseCreated:
		return State{}, negErr(KindProtocolViolation, "Resume called before Start")
	case phaseCompleted:
		return State{}, negErr(KindProtocolViolation, "handshake already complete")
	case phaseFailed:
		return State{}, negErr(KindProtocolViolation, "handshake already failed")
	case phaseDestroyed:
		return State{}, negErr(KindProtocolViolation, "generator destroyed")
	}

	if len(peerResponse) == 0 {
		// Retryable: state is unchanged.
		return State{}, negErr(KindTruncated, "empty peer response")
	}

	req, err := DecodeTSRequest(peerResponse)
	if err != nil {
		var ne *NegotiationError
		if errors.As(err, &ne) && ne.Retryable() {
			return State{}, err
		}
		g.phase = phaseFailed
		return State{}, err
	}

	if req.ErrorCode != 0 {
		g.phase = phaseFailed
		return State{}, negErr(KindAuthenticationRejected, "peer reported error code 0x%08X", req.ErrorCode)
	}

	switch g.phase {
	case phaseAwaitChallenge:
		return g.onChallenge(req)
	case phaseAwaitPubKeyEcho:
		return g.onPubKeyEcho(req)
	}

	g.phase = phaseFailed
	return State{}, negErr(KindProtocolViolation, "generator in unexpected phase %d", g.phase)
}

func (g *Generator) onChallenge(req *TSRequest) (State, error) {
	if len(req.NegoTokens) == 0 {
		g.phase = phaseFailed
		return State{}, negErr(KindProtocolViolation, "challenge reply carries no negoToken")
	}

	authMsg, sec, err := g.ntlm.Authenticate(req.NegoTokens[0])
	if err != nil {
		g.phase = phaseFailed
		if errors.Is(err, auth.ErrMalformedMessage) {
			return State{}, wrapErr(KindProtocolViolation, err, "parse CHALLENGE message")
		}
		return State{}, wrapErr(KindCryptoFailure, err, "build AUTHENTICATE message")
	}
	g.sec = sec

	token := EncodeTSRequest([][]byte{authMsg}, nil, sec.Seal(g.cfg.PublicKey))
	g.phase = phaseAwaitPubKeyEcho

	return State{Token: token}, nil
}

func (g *Generator) onPubKeyEcho(req *TSRequest) (State, error) {
	if len(req.PubKeyAuth) == 0 {
		g.phase = phaseFailed
		return State{}, negErr(KindProtocolViolation, "server reply carries no pubKeyAuth")
	}

	echoed, err := g.sec.Unseal(req.PubKeyAuth)
	if err != nil {
		g.phase = phaseFailed
		return State{}, wrapErr(KindAuthenticationRejected, err, "unseal server public key proof")
	}

	// Per MS-CSSP the server proves possession of the channel by echoing
	// the public key with its first byte incremented.
	expected := append([]byte(nil), g.cfg.PublicKey...)
	expected[0]++
	if !bytes.Equal(echoed, expected) {
		g.phase = phaseFailed
		return State{}, negErr(KindAuthenticationRejected, "server public key proof mismatch")
	}

	domain, user, password := g.ntlm.CredSSPCredentials()
	creds := EncodeCredentials(domain, user, password)
	token := EncodeTSRequest(nil, g.sec.Seal(creds), nil)

	g.phase = phaseCompleted

	return State{Token: token, Complete: true, Artifact: g.ntlm.SessionKey()}, nil
}

// Destroy zeroizes the handshake key material and invalidates the
// generator. It must be called exactly once, after completion or
// abandonment; no other method is valid afterwards.
func (g *Generator) Destroy() {
	if g.ntlm != nil {
		g.ntlm.Zeroize()
		g.ntlm = nil
	}
	g.sec = nil
	g.cfg.Password = ""
	g.phase = phaseDestroyed
}
