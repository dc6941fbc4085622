package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rc4" // #nosec G503 -- mandated by MS-NLMP
	"encoding/binary"
	"fmt"
)

// ServerNTLM is the server-side (acceptor) handshake context: it issues the
// CHALLENGE message and verifies the client's AUTHENTICATE proof against
// known credentials.
type ServerNTLM struct {
	domain   string
	user     string
	password string

	respKeyNT       []byte
	serverChallenge [8]byte
	exportedKey     []byte
}

// NewServerNTLM derives the response keys for the credentials the server
// expects the client to prove.
func NewServerNTLM(domain, user, password string) *ServerNTLM {
	return &ServerNTLM{
		domain:    domain,
		user:      user,
		password:  password,
		respKeyNT: ntowfv2(password, user, domain),
	}
}

// Challenge validates the NEGOTIATE message and builds the CHALLENGE reply
// with a fresh server challenge and a target info block carrying the server
// names and a timestamp.
func (s *ServerNTLM) Challenge(negotiate []byte) ([]byte, error) {
	if len(negotiate) < 12 {
		return nil, fmt.Errorf("%w: negotiate of %d bytes", ErrMalformedMessage, len(negotiate))
	}
	if !bytes.Equal(negotiate[:8], ntlmSignature) {
		return nil, fmt.Errorf("%w: bad signature", ErrMalformedMessage)
	}
	if binary.LittleEndian.Uint32(negotiate[8:12]) != messageTypeNegotiate {
		return nil, fmt.Errorf("%w: not a NEGOTIATE message", ErrMalformedMessage)
	}

	if _, err := rand.Read(s.serverChallenge[:]); err != nil {
		return nil, fmt.Errorf("auth: server challenge: %w", err)
	}

	targetInfo := buildTargetInfo(s.domain)
	flags := uint32(NTLMSSP_NEGOTIATE_KEY_EXCH |
		NTLMSSP_NEGOTIATE_128 |
		NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY |
		NTLMSSP_NEGOTIATE_TARGET_INFO |
		NTLMSSP_NEGOTIATE_ALWAYS_SIGN |
		NTLMSSP_NEGOTIATE_NTLM |
		NTLMSSP_NEGOTIATE_SEAL |
		NTLMSSP_NEGOTIATE_SIGN |
		NTLMSSP_NEGOTIATE_UNICODE)

	// Header: signature(8) + type(4) + TargetNameFields(8) + flags(4) +
	// challenge(8) + reserved(8) + TargetInfoFields(8) = 48 bytes.
	const headerSize = 48

	buf := &bytes.Buffer{}
	buf.Write(ntlmSignature)
	_ = binary.Write(buf, binary.LittleEndian, uint32(messageTypeChallenge))
	// TargetNameFields: empty, payload starts right after the header.
	_ = binary.Write(buf, binary.LittleEndian, uint16(0))
	_ = binary.Write(buf, binary.LittleEndian, uint16(0))
	_ = binary.Write(buf, binary.LittleEndian, uint32(headerSize))
	_ = binary.Write(buf, binary.LittleEndian, flags)
	buf.Write(s.serverChallenge[:])
	buf.Write(make([]byte, 8)) // reserved
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(targetInfo))) // #nosec G115
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(targetInfo))) // #nosec G115
	_ = binary.Write(buf, binary.LittleEndian, uint32(headerSize))
	buf.Write(targetInfo)

	return buf.Bytes(), nil
}

func buildTargetInfo(domain string) []byte {
	buf := &bytes.Buffer{}
	writePair := func(id uint16, value []byte) {
		_ = binary.Write(buf, binary.LittleEndian, id)
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(value))) // #nosec G115
		buf.Write(value)
	}

	if domain != "" {
		writePair(MsvAvNbDomainName, UnicodeEncode(domain))
	}
	writePair(MsvAvNbComputerName, UnicodeEncode("SERVER"))
	writePair(MsvAvTimestamp, makeTimestamp())
	writePair(MsvAvEOL, nil)

	return buf.Bytes()
}

// VerifyAuthenticate checks the AUTHENTICATE message's NTProofStr against
// the expected credentials, recovers the exported session key, and returns
// the server-side sealing context.
func (s *ServerNTLM) VerifyAuthenticate(authMsg []byte) (*SecurityContext, error) {
	if len(authMsg) < micEnd {
		return nil, fmt.Errorf("%w: authenticate of %d bytes", ErrMalformedMessage, len(authMsg))
	}
	if !bytes.Equal(authMsg[:8], ntlmSignature) {
		return nil, fmt.Errorf("%w: bad signature", ErrMalformedMessage)
	}
	if binary.LittleEndian.Uint32(authMsg[8:12]) != messageTypeAuthenticate {
		return nil, fmt.Errorf("%w: not an AUTHENTICATE message", ErrMalformedMessage)
	}

	ntResponse, err := readField(authMsg, 20)
	if err != nil {
		return nil, err
	}
	if len(ntResponse) < 16 {
		return nil, fmt.Errorf("%w: NT response of %d bytes", ErrMalformedMessage, len(ntResponse))
	}
	proof := ntResponse[:16]
	temp := ntResponse[16:]

	expected := hmacMD5(s.respKeyNT, append(append([]byte(nil), s.serverChallenge[:]...), temp...))
	if !hmac.Equal(expected, proof) {
		return nil, ErrAuthenticationFailed
	}

	sessionBaseKey := hmacMD5(s.respKeyNT, proof)

	encryptedKey, err := readField(authMsg, 52)
	if err != nil {
		return nil, err
	}

	exportedKey := sessionBaseKey
	if len(encryptedKey) == 16 {
		// Client negotiated key exchange: recover its exported key.
		exportedKey = make([]byte, 16)
		rc, err := rc4.NewCipher(sessionBaseKey)
		if err != nil {
			return nil, fmt.Errorf("auth: key exchange: %w", err)
		}
		rc.XORKeyStream(exportedKey, encryptedKey)
	}
	s.exportedKey = exportedKey

	return newSecurityContext(exportedKey, false), nil
}

// SessionKey returns the exported session key recovered by
// VerifyAuthenticate; it matches the client's session artifact.
func (s *ServerNTLM) SessionKey() []byte {
	return s.exportedKey
}

// Zeroize wipes the derived key material.
func (s *ServerNTLM) Zeroize() {
	zero(s.respKeyNT)
	zero(s.exportedKey)
	s.password = ""
}

// readField resolves one length/offset field descriptor of an NTLM message.
func readField(msg []byte, descriptorOffset int) ([]byte, error) {
	if descriptorOffset+8 > len(msg) {
		return nil, fmt.Errorf("%w: field descriptor out of bounds", ErrMalformedMessage)
	}
	length := int(binary.LittleEndian.Uint16(msg[descriptorOffset:]))
	offset := int(binary.LittleEndian.Uint32(msg[descriptorOffset+4:]))

	if offset+length > len(msg) {
		return nil, fmt.Errorf("%w: field payload out of bounds", ErrMalformedMessage)
	}
	return msg[offset : offset+length], nil
}
