// Package auth implements the NTLMv2 authentication engine behind the
// CredSSP negotiation: message building and parsing per MS-NLMP, response
// computation, and the GSS sealing context both sides share afterwards.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5" // #nosec G501 -- mandated by MS-NLMP
	"crypto/rand"
	"crypto/rc4" // #nosec G503 -- mandated by MS-NLMP
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf16"

	"golang.org/x/crypto/md4" // #nosec G506 -- mandated by MS-NLMP
)

// NTLM negotiate flags.
const (
	NTLMSSP_NEGOTIATE_56                       = 0x80000000
	NTLMSSP_NEGOTIATE_KEY_EXCH                 = 0x40000000
	NTLMSSP_NEGOTIATE_128                      = 0x20000000
	NTLMSSP_NEGOTIATE_VERSION                  = 0x02000000
	NTLMSSP_NEGOTIATE_TARGET_INFO              = 0x00800000
	NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY = 0x00080000
	NTLMSSP_NEGOTIATE_ALWAYS_SIGN              = 0x00008000
	NTLMSSP_NEGOTIATE_NTLM                     = 0x00000200
	NTLMSSP_NEGOTIATE_SEAL                     = 0x00000020
	NTLMSSP_NEGOTIATE_SIGN                     = 0x00000010
	NTLMSSP_REQUEST_TARGET                     = 0x00000004
	NTLMSSP_NEGOTIATE_UNICODE                  = 0x00000001
)

// AV pair IDs.
const (
	MsvAvEOL            = 0x0000
	MsvAvNbComputerName = 0x0001
	MsvAvNbDomainName   = 0x0002
	MsvAvFlags          = 0x0006
	MsvAvTimestamp      = 0x0007
)

const (
	messageTypeNegotiate    = 1
	messageTypeChallenge    = 2
	messageTypeAuthenticate = 3

	// Offsets of the MIC field within the AUTHENTICATE message.
	micOffset = 72
	micEnd    = 88
)

var ntlmSignature = []byte{'N', 'T', 'L', 'M', 'S', 'S', 'P', 0x00}

var (
	// ErrMalformedMessage reports an NTLM message that does not parse.
	ErrMalformedMessage = errors.New("auth: malformed NTLM message")

	// ErrAuthenticationFailed reports an NTLMv2 proof that does not match
	// the expected credentials.
	ErrAuthenticationFailed = errors.New("auth: NTLMv2 proof verification failed")

	// ErrBadChecksum reports a sealed message whose signature does not
	// verify.
	ErrBadChecksum = errors.New("auth: message integrity check failed")
)

// NTLMv2 is the client-side (initiator) handshake context.
type NTLMv2 struct {
	domain   string
	user     string
	password string

	respKeyNT []byte
	respKeyLM []byte

	negotiateMsg []byte
	challenge    *ChallengeMessage
	exportedKey  []byte
}

// NewNTLMv2 derives the NTLMv2 response keys for the given credentials.
func NewNTLMv2(domain, user, password string) (*NTLMv2, error) {
	n := &NTLMv2{
		domain:   domain,
		user:     user,
		password: password,
	}
	n.respKeyNT = ntowfv2(password, user, domain)
	n.respKeyLM = n.respKeyNT // LMOWFv2 is the same computation
	if len(n.respKeyNT) != 16 {
		return nil, fmt.Errorf("auth: response key derivation produced %d bytes", len(n.respKeyNT))
	}
	return n, nil
}

// NegotiateMessage builds the NTLM NEGOTIATE (type 1) message.
func (n *NTLMv2) NegotiateMessage() []byte {
	flags := uint32(NTLMSSP_NEGOTIATE_KEY_EXCH |
		NTLMSSP_NEGOTIATE_128 |
		NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY |
		NTLMSSP_NEGOTIATE_ALWAYS_SIGN |
		NTLMSSP_NEGOTIATE_NTLM |
		NTLMSSP_NEGOTIATE_SEAL |
		NTLMSSP_NEGOTIATE_SIGN |
		NTLMSSP_REQUEST_TARGET |
		NTLMSSP_NEGOTIATE_UNICODE |
		NTLMSSP_NEGOTIATE_VERSION)

	buf := &bytes.Buffer{}
	buf.Write(ntlmSignature)
	_ = binary.Write(buf, binary.LittleEndian, uint32(messageTypeNegotiate))
	_ = binary.Write(buf, binary.LittleEndian, flags)
	// DomainNameFields and WorkstationFields: empty
	buf.Write(make([]byte, 16))
	// Version: Windows Vista, NTLMSSP_REVISION_W2K3
	buf.Write([]byte{0x06, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0F})

	n.negotiateMsg = buf.Bytes()
	return n.negotiateMsg
}

// ChallengeMessage is the parsed NTLM CHALLENGE (type 2) message.
type ChallengeMessage struct {
	NegotiateFlags  uint32
	ServerChallenge [8]byte
	TargetInfo      []byte
	Timestamp       []byte
	RawData         []byte // kept verbatim for MIC computation
}

// ParseChallengeMessage parses an NTLM CHALLENGE message.
func ParseChallengeMessage(data []byte) (*ChallengeMessage, error) {
	if len(data) < 48 {
		return nil, fmt.Errorf("%w: challenge of %d bytes", ErrMalformedMessage, len(data))
	}
	if !bytes.Equal(data[:8], ntlmSignature) {
		return nil, fmt.Errorf("%w: bad signature", ErrMalformedMessage)
	}
	if binary.LittleEndian.Uint32(data[8:12]) != messageTypeChallenge {
		return nil, fmt.Errorf("%w: not a CHALLENGE message", ErrMalformedMessage)
	}

	msg := &ChallengeMessage{RawData: append([]byte(nil), data...)}

	// Skip signature(8) + type(4) + TargetNameFields(8).
	offset := 20
	msg.NegotiateFlags = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	copy(msg.ServerChallenge[:], data[offset:offset+8])
	offset += 16 // challenge(8) + reserved(8)

	targetInfoLen := binary.LittleEndian.Uint16(data[offset:])
	targetInfoOffset := binary.LittleEndian.Uint32(data[offset+4:])

	if targetInfoLen > 0 {
		end := int(targetInfoOffset) + int(targetInfoLen)
		if end > len(data) {
			return nil, fmt.Errorf("%w: target info out of bounds", ErrMalformedMessage)
		}
		msg.TargetInfo = data[targetInfoOffset:end]
		msg.Timestamp = findAvPair(msg.TargetInfo, MsvAvTimestamp)
	}

	return msg, nil
}

func findAvPair(targetInfo []byte, wantID uint16) []byte {
	offset := 0
	for offset+4 <= len(targetInfo) {
		avID := binary.LittleEndian.Uint16(targetInfo[offset:])
		avLen := binary.LittleEndian.Uint16(targetInfo[offset+2:])
		offset += 4

		if avID == MsvAvEOL {
			break
		}
		if avID == wantID && offset+int(avLen) <= len(targetInfo) {
			return targetInfo[offset : offset+int(avLen)]
		}
		offset += int(avLen)
	}
	return nil
}

// withMICFlag returns targetInfo with MsvAvFlags carrying MIC_PROVIDED, as
// MS-NLMP 3.1.5.1.2 requires whenever a MIC is present.
func withMICFlag(targetInfo []byte) []byte {
	result := append([]byte(nil), targetInfo...)

	flagsOffset := -1
	eolOffset := -1
	for offset := 0; offset+4 <= len(result); {
		avID := binary.LittleEndian.Uint16(result[offset:])
		avLen := binary.LittleEndian.Uint16(result[offset+2:])

		if avID == MsvAvFlags {
			flagsOffset = offset
		}
		if avID == MsvAvEOL {
			eolOffset = offset
			break
		}
		offset += 4 + int(avLen)
	}

	switch {
	case flagsOffset >= 0:
		flags := binary.LittleEndian.Uint32(result[flagsOffset+4:])
		binary.LittleEndian.PutUint32(result[flagsOffset+4:], flags|0x02)
	case eolOffset >= 0:
		pair := make([]byte, 8)
		binary.LittleEndian.PutUint16(pair[0:], MsvAvFlags)
		binary.LittleEndian.PutUint16(pair[2:], 4)
		binary.LittleEndian.PutUint32(pair[4:], 0x02)
		result = append(result[:eolOffset], append(pair, result[eolOffset:]...)...)
	}

	return result
}

// Authenticate consumes the server CHALLENGE and produces the AUTHENTICATE
// (type 3) message together with the sealing context for the rest of the
// handshake.
func (n *NTLMv2) Authenticate(challengeData []byte) ([]byte, *SecurityContext, error) {
	challenge, err := ParseChallengeMessage(challengeData)
	if err != nil {
		return nil, nil, err
	}
	n.challenge = challenge

	// Use the server timestamp when present; its presence also mandates a
	// MIC over the three handshake messages.
	timestamp := challenge.Timestamp
	computeMIC := timestamp != nil
	if timestamp == nil {
		timestamp = makeTimestamp()
	}

	clientChallenge := make([]byte, 8)
	if _, err := rand.Read(clientChallenge); err != nil {
		return nil, nil, fmt.Errorf("auth: client challenge: %w", err)
	}

	targetInfo := challenge.TargetInfo
	if computeMIC {
		targetInfo = withMICFlag(targetInfo)
	}

	ntResponse, lmResponse, sessionBaseKey := n.computeResponseV2(
		challenge.ServerChallenge[:], clientChallenge, timestamp, targetInfo)

	exportedKey := make([]byte, 16)
	if _, err := rand.Read(exportedKey); err != nil {
		return nil, nil, fmt.Errorf("auth: session key: %w", err)
	}

	encryptedKey := make([]byte, 16)
	rc, err := rc4.NewCipher(sessionBaseKey)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: key exchange: %w", err)
	}
	rc.XORKeyStream(encryptedKey, exportedKey)

	domain, user, _ := n.encodedCredentials()
	authMsg := buildAuthenticateMessage(challenge.NegotiateFlags,
		domain, user, nil, lmResponse, ntResponse, encryptedKey)

	if computeMIC {
		mic := computeMIC3(exportedKey, n.negotiateMsg, challenge.RawData, authMsg)
		copy(authMsg[micOffset:micEnd], mic)
	}

	n.exportedKey = exportedKey

	return authMsg, newSecurityContext(exportedKey, true), nil
}

// SessionKey returns the exported session key after Authenticate; it is the
// session artifact both handshake sides share.
func (n *NTLMv2) SessionKey() []byte {
	return n.exportedKey
}

// CredSSPCredentials returns domain, user, and password as UTF-16LE, the
// encoding TSPasswordCreds always uses per MS-CSSP.
func (n *NTLMv2) CredSSPCredentials() ([]byte, []byte, []byte) {
	return UnicodeEncode(n.domain), UnicodeEncode(n.user), UnicodeEncode(n.password)
}

// Zeroize wipes the derived key material.
func (n *NTLMv2) Zeroize() {
	zero(n.respKeyNT)
	zero(n.exportedKey)
	n.respKeyLM = nil
	n.password = ""
	n.challenge = nil
}

func (n *NTLMv2) computeResponseV2(serverChallenge, clientChallenge, timestamp, targetInfo []byte) (nt, lm, sessionBaseKey []byte) {
	temp := &bytes.Buffer{}
	temp.Write([]byte{0x01, 0x01})                         // RespType, HiRespType
	temp.Write([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}) // Reserved
	temp.Write(timestamp)
	temp.Write(clientChallenge)
	temp.Write([]byte{0x00, 0x00, 0x00, 0x00}) // Reserved
	temp.Write(targetInfo)
	temp.Write([]byte{0x00, 0x00, 0x00, 0x00}) // Reserved

	ntProof := hmacMD5(n.respKeyNT, append(append([]byte(nil), serverChallenge...), temp.Bytes()...))
	nt = append(append([]byte(nil), ntProof...), temp.Bytes()...)

	lmBuf := append(append([]byte(nil), serverChallenge...), clientChallenge...)
	lm = append(hmacMD5(n.respKeyLM, lmBuf), clientChallenge...)

	sessionBaseKey = hmacMD5(n.respKeyNT, ntProof)
	return nt, lm, sessionBaseKey
}

func (n *NTLMv2) encodedCredentials() ([]byte, []byte, []byte) {
	return UnicodeEncode(n.domain), UnicodeEncode(n.user), UnicodeEncode(n.password)
}

// buildAuthenticateMessage lays out the AUTHENTICATE message with a fixed
// 88-byte header (MIC included) followed by the payload fields.
func buildAuthenticateMessage(flags uint32, domain, user, workstation, lmResponse, ntResponse, encryptedKey []byte) []byte {
	buf := &bytes.Buffer{}
	buf.Write(ntlmSignature)
	_ = binary.Write(buf, binary.LittleEndian, uint32(messageTypeAuthenticate))

	offset := uint32(micEnd)
	writeField := func(payload []byte) {
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(payload))) // #nosec G115
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(payload))) // #nosec G115
		_ = binary.Write(buf, binary.LittleEndian, offset)
		offset += uint32(len(payload)) // #nosec G115
	}

	writeField(lmResponse)
	writeField(ntResponse)
	writeField(domain)
	writeField(user)
	writeField(workstation)
	writeField(encryptedKey)

	_ = binary.Write(buf, binary.LittleEndian, flags)
	// Version
	buf.Write([]byte{0x06, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0F})
	// MIC placeholder
	buf.Write(make([]byte, 16))

	buf.Write(lmResponse)
	buf.Write(ntResponse)
	buf.Write(domain)
	buf.Write(user)
	buf.Write(workstation)
	buf.Write(encryptedKey)

	return buf.Bytes()
}

// computeMIC3 computes HMAC-MD5 over the three handshake messages with the
// AUTHENTICATE MIC field zeroed.
func computeMIC3(exportedKey, negotiateMsg, challengeRaw, authMsg []byte) []byte {
	buf := &bytes.Buffer{}
	buf.Write(negotiateMsg)
	buf.Write(challengeRaw)

	zeroed := append([]byte(nil), authMsg...)
	for i := micOffset; i < micEnd && i < len(zeroed); i++ {
		zeroed[i] = 0
	}
	buf.Write(zeroed)

	return hmacMD5(exportedKey, buf.Bytes())[:16]
}

// Helpers shared by both handshake sides.

// UnicodeEncode converts a string to UTF-16LE bytes.
func UnicodeEncode(s string) []byte {
	runes := utf16.Encode([]rune(s))
	result := make([]byte, len(runes)*2)
	for i, r := range runes {
		binary.LittleEndian.PutUint16(result[i*2:], r)
	}
	return result
}

// UnicodeDecode converts UTF-16LE bytes back to a string. Trailing odd
// bytes are dropped.
func UnicodeDecode(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}

// ntowfv2 = HMAC_MD5(MD4(UTF16LE(password)), UTF16LE(UPPER(user) + domain))
func ntowfv2(password, user, domain string) []byte {
	h := md4.New()
	h.Write(UnicodeEncode(password))
	passHash := h.Sum(nil)
	return hmacMD5(passHash, UnicodeEncode(toUpper(user)+domain))
}

func hmacMD5(key, data []byte) []byte {
	h := hmac.New(md5.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func md5Hash(data []byte) []byte {
	sum := md5.Sum(data) // #nosec G401 -- mandated by MS-NLMP
	return sum[:]
}

// makeTimestamp returns the current time as a Windows FILETIME:
// 100-nanosecond intervals since January 1, 1601.
func makeTimestamp() []byte {
	ft := uint64(time.Now().UnixNano())/100 + 116444736000000000
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, ft)
	return buf
}

// toUpper uppercases ASCII only; MS-NLMP specifies the OEM uppercase
// mapping, which matches ASCII for the character set in scope here.
func toUpper(s string) string {
	result := []rune(s)
	for i, r := range result {
		if r >= 'a' && r <= 'z' {
			result[i] = r - 32
		}
	}
	return string(result)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
