package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/rc4" // #nosec G503 -- mandated by MS-NLMP
	"encoding/binary"
	"fmt"
)

// SecurityContext seals and unseals messages with the NTLM GSS wrapping:
// RC4 encryption plus an HMAC-MD5 signature over a sequence number, per
// MS-NLMP with extended session security. Each side of the handshake holds
// a mirrored context derived from the same exported session key.
type SecurityContext struct {
	sealCipher   *rc4.Cipher
	unsealCipher *rc4.Cipher
	signingKey   []byte
	verifyKey    []byte
	seqNum       uint32
}

// newSecurityContext derives the four directional keys from the exported
// session key. client selects which direction this context seals on.
func newSecurityContext(exportedKey []byte, client bool) *SecurityContext {
	clientSigning := deriveKey(exportedKey, "session key to client-to-server signing key magic constant")
	serverSigning := deriveKey(exportedKey, "session key to server-to-client signing key magic constant")
	clientSealing := deriveKey(exportedKey, "session key to client-to-server sealing key magic constant")
	serverSealing := deriveKey(exportedKey, "session key to server-to-client sealing key magic constant")

	if !client {
		clientSigning, serverSigning = serverSigning, clientSigning
		clientSealing, serverSealing = serverSealing, clientSealing
	}

	sealCipher, _ := rc4.NewCipher(clientSealing)
	unsealCipher, _ := rc4.NewCipher(serverSealing)

	return &SecurityContext{
		sealCipher:   sealCipher,
		unsealCipher: unsealCipher,
		signingKey:   clientSigning,
		verifyKey:    serverSigning,
	}
}

// deriveKey = MD5(exportedKey || magic || 0x00), per MS-NLMP SIGNKEY/SEALKEY.
func deriveKey(exportedKey []byte, magic string) []byte {
	buf := append([]byte(nil), exportedKey...)
	buf = append(buf, magic...)
	buf = append(buf, 0x00)
	return md5Hash(buf)
}

// Seal encrypts data and prepends the GSS signature:
// Version(4) || Checksum(8) || SeqNum(4) || EncryptedData.
// The data is encrypted first; the checksum is computed over the plaintext
// and then encrypted on the same RC4 stream.
func (s *SecurityContext) Seal(data []byte) []byte {
	encrypted := make([]byte, len(data))
	s.sealCipher.XORKeyStream(encrypted, data)

	seqBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(seqBuf, s.seqNum)

	signBuf := &bytes.Buffer{}
	signBuf.Write(seqBuf)
	signBuf.Write(data)
	sig := hmacMD5(s.signingKey, signBuf.Bytes())[:8]

	checksum := make([]byte, 8)
	s.sealCipher.XORKeyStream(checksum, sig)

	result := &bytes.Buffer{}
	_ = binary.Write(result, binary.LittleEndian, uint32(1)) // version
	result.Write(checksum)
	_ = binary.Write(result, binary.LittleEndian, s.seqNum)
	result.Write(encrypted)

	s.seqNum++
	return result.Bytes()
}

// Unseal decrypts a sealed message and verifies its checksum.
func (s *SecurityContext) Unseal(data []byte) ([]byte, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("%w: sealed message of %d bytes", ErrMalformedMessage, len(data))
	}

	if version := binary.LittleEndian.Uint32(data[0:4]); version != 1 {
		return nil, fmt.Errorf("%w: seal version %d", ErrMalformedMessage, version)
	}
	receivedChecksum := data[4:12]
	receivedSeqNum := binary.LittleEndian.Uint32(data[12:16])

	decrypted := make([]byte, len(data)-16)
	s.unsealCipher.XORKeyStream(decrypted, data[16:])

	seqBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(seqBuf, receivedSeqNum)

	signBuf := &bytes.Buffer{}
	signBuf.Write(seqBuf)
	signBuf.Write(decrypted)
	expectedSig := hmacMD5(s.verifyKey, signBuf.Bytes())[:8]

	// The expected checksum is encrypted on the same RC4 stream that just
	// decrypted the payload.
	expectedChecksum := make([]byte, 8)
	s.unsealCipher.XORKeyStream(expectedChecksum, expectedSig)

	if !hmac.Equal(receivedChecksum, expectedChecksum) {
		return nil, ErrBadChecksum
	}

	return decrypted, nil
}
