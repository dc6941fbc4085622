package credssp

import (
	"bytes"
	"fmt"
	"io"
)

// TSRequest is the decoded form of the MS-CSSP negotiation message.
// Per MS-CSSP, TSRequest is:
//
//	TSRequest ::= SEQUENCE {
//	   version    [0] INTEGER,
//	   negoTokens [1] NegoData OPTIONAL,
//	   authInfo   [2] OCTET STRING OPTIONAL,
//	   pubKeyAuth [3] OCTET STRING OPTIONAL,
//	   errorCode  [4] INTEGER OPTIONAL,
//	}
//	NegoData ::= SEQUENCE OF NegoDataItem
//	NegoDataItem ::= SEQUENCE {
//	   negoToken [0] OCTET STRING
//	}
type TSRequest struct {
	Version    int
	NegoTokens [][]byte
	AuthInfo   []byte
	PubKeyAuth []byte
	ErrorCode  uint32
}

const (
	tsRequestVersion = 2

	tagSequence    = 0x30
	tagOctetString = 0x04
	tagInteger     = 0x02

	// Hard cap on a single element body. CredSSP tokens are a few KB at
	// most; anything larger is a corrupted or hostile stream.
	maxTokenLength = 1 << 20
)

// EncodeTSRequest encodes a TSRequest carrying SPNEGO tokens, sealed
// credential data, and/or sealed public key material.
func EncodeTSRequest(negoTokens [][]byte, authInfo, pubKeyAuth []byte) []byte {
	inner := &bytes.Buffer{}

	inner.Write(encodeContextTag(0, encodeInteger(tsRequestVersion)))

	if len(negoTokens) > 0 {
		negoData := &bytes.Buffer{}
		for _, token := range negoTokens {
			item := encodeSequence(encodeContextTag(0, encodeOctetString(token)))
			negoData.Write(item)
		}
		inner.Write(encodeContextTag(1, encodeSequence(negoData.Bytes())))
	}

	if len(authInfo) > 0 {
		inner.Write(encodeContextTag(2, encodeOctetString(authInfo)))
	}

	if len(pubKeyAuth) > 0 {
		inner.Write(encodeContextTag(3, encodeOctetString(pubKeyAuth)))
	}

	return encodeSequence(inner.Bytes())
}

// EncodeTSRequestError encodes the rejection form of a TSRequest: version
// plus a non-zero errorCode (an NTSTATUS value). A server driver sends this
// when authentication fails so the client surfaces the rejection instead of
// timing out.
func EncodeTSRequestError(code uint32) []byte {
	inner := &bytes.Buffer{}
	inner.Write(encodeContextTag(0, encodeInteger(tsRequestVersion)))
	inner.Write(encodeContextTag(4, encodeInteger(uint64(code))))
	return encodeSequence(inner.Bytes())
}

// DecodeTSRequest decodes a DER TSRequest. A declared length that runs past
// the available bytes yields a Truncated error; any other structural
// mismatch yields ProtocolViolation.
func DecodeTSRequest(data []byte) (*TSRequest, error) {
	tag, content, _, err := parseElement(data)
	if err != nil {
		return nil, err
	}
	if tag != tagSequence {
		return nil, negErr(KindProtocolViolation, "expected SEQUENCE, got tag 0x%02x", tag)
	}

	req := &TSRequest{}
	for offset := 0; offset < len(content); {
		tag, value, n, err := parseElement(content[offset:])
		if err != nil {
			return nil, err
		}
		if tag&0xE0 != 0xA0 {
			return nil, negErr(KindProtocolViolation, "expected context tag, got 0x%02x", tag)
		}

		switch tag & 0x1F {
		case 0:
			v, err := parseWrappedInteger(value)
			if err != nil {
				return nil, err
			}
			req.Version = int(v)
		case 1:
			tokens, err := parseNegoTokens(value)
			if err != nil {
				return nil, err
			}
			req.NegoTokens = tokens
		case 2:
			inner, err := parseWrappedOctetString(value)
			if err != nil {
				return nil, err
			}
			req.AuthInfo = inner
		case 3:
			inner, err := parseWrappedOctetString(value)
			if err != nil {
				return nil, err
			}
			req.PubKeyAuth = inner
		case 4:
			v, err := parseWrappedInteger(value)
			if err != nil {
				return nil, err
			}
			req.ErrorCode = uint32(v)
		default:
			return nil, negErr(KindProtocolViolation, "unexpected TSRequest field [%d]", tag&0x1F)
		}

		offset += n
	}

	return req, nil
}

// EncodeCredentials encodes TSCredentials with password authentication.
//
//	TSCredentials ::= SEQUENCE {
//	   credType    [0] INTEGER,
//	   credentials [1] OCTET STRING
//	}
//	TSPasswordCreds ::= SEQUENCE {
//	   domainName [0] OCTET STRING,
//	   userName   [1] OCTET STRING,
//	   password   [2] OCTET STRING
//	}
//
// Per MS-CSSP the three fields are always UTF-16LE.
func EncodeCredentials(domain, username, password []byte) []byte {
	passCreds := &bytes.Buffer{}
	passCreds.Write(encodeContextTag(0, encodeOctetString(domain)))
	passCreds.Write(encodeContextTag(1, encodeOctetString(username)))
	passCreds.Write(encodeContextTag(2, encodeOctetString(password)))
	passCredsSeq := encodeSequence(passCreds.Bytes())

	creds := &bytes.Buffer{}
	creds.Write(encodeContextTag(0, encodeInteger(1))) // credType = 1 (password)
	creds.Write(encodeContextTag(1, encodeOctetString(passCredsSeq)))

	return encodeSequence(creds.Bytes())
}

// DecodeCredentials decodes a TSCredentials structure back into its
// UTF-16LE domain, username, and password fields.
func DecodeCredentials(data []byte) (domain, username, password []byte, err error) {
	tag, content, _, err := parseElement(data)
	if err != nil {
		return nil, nil, nil, err
	}
	if tag != tagSequence {
		return nil, nil, nil, negErr(KindProtocolViolation, "TSCredentials: expected SEQUENCE")
	}

	var passCreds []byte
	for offset := 0; offset < len(content); {
		tag, value, n, err := parseElement(content[offset:])
		if err != nil {
			return nil, nil, nil, err
		}

		switch tag & 0x1F {
		case 0:
			credType, err := parseWrappedInteger(value)
			if err != nil {
				return nil, nil, nil, err
			}
			if credType != 1 {
				return nil, nil, nil, negErr(KindProtocolViolation, "unsupported credential type %d", credType)
			}
		case 1:
			passCreds, err = parseWrappedOctetString(value)
			if err != nil {
				return nil, nil, nil, err
			}
		}

		offset += n
	}

	if passCreds == nil {
		return nil, nil, nil, negErr(KindProtocolViolation, "TSCredentials: missing credentials field")
	}

	tag, content, _, err = parseElement(passCreds)
	if err != nil {
		return nil, nil, nil, err
	}
	if tag != tagSequence {
		return nil, nil, nil, negErr(KindProtocolViolation, "TSPasswordCreds: expected SEQUENCE")
	}

	for offset := 0; offset < len(content); {
		tag, value, n, err := parseElement(content[offset:])
		if err != nil {
			return nil, nil, nil, err
		}

		inner, err := parseWrappedOctetString(value)
		if err != nil {
			return nil, nil, nil, err
		}

		switch tag & 0x1F {
		case 0:
			domain = inner
		case 1:
			username = inner
		case 2:
			password = inner
		}

		offset += n
	}

	return domain, username, password, nil
}

// ReadToken reads exactly one DER-framed CredSSP token from r. Stream
// drivers use it to satisfy the Resume precondition that the input is the
// exact bytes of one peer message.
func ReadToken(r io.Reader) ([]byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, wrapErr(KindTruncated, err, "read token header")
	}

	prefix := 0
	length := 0
	if header[1] < 0x80 {
		length = int(header[1])
	} else {
		prefix = int(header[1] & 0x7F)
		if prefix == 0 || prefix > 4 {
			return nil, negErr(KindProtocolViolation, "invalid length prefix 0x%02x", header[1])
		}
		lenBytes := make([]byte, prefix)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, wrapErr(KindTruncated, err, "read token length")
		}
		for _, b := range lenBytes {
			length = (length << 8) | int(b)
		}
		header = append(header, lenBytes...)
	}

	if length > maxTokenLength {
		return nil, negErr(KindProtocolViolation, "token length %d exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, wrapErr(KindTruncated, err, fmt.Sprintf("read %d token bytes", length))
	}

	return append(header, body...), nil
}

// DER encoding helpers.

func encodeLength(length int) []byte {
	if length < 128 {
		return []byte{byte(length)}
	}
	if length < 256 {
		return []byte{0x81, byte(length)}
	}
	if length < 65536 {
		return []byte{0x82, byte(length >> 8), byte(length)}
	}
	return []byte{0x83, byte(length >> 16), byte(length >> 8), byte(length)}
}

func encodeSequence(data []byte) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(tagSequence)
	buf.Write(encodeLength(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func encodeContextTag(tag int, data []byte) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(0xA0 | byte(tag)) // context-specific constructed
	buf.Write(encodeLength(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func encodeOctetString(data []byte) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(tagOctetString)
	buf.Write(encodeLength(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func encodeInteger(val uint64) []byte {
	var body []byte
	for v := val; ; v >>= 8 {
		body = append([]byte{byte(v)}, body...)
		if v < 0x100 {
			break
		}
	}
	if body[0]&0x80 != 0 {
		body = append([]byte{0x00}, body...) // keep the value positive
	}

	buf := &bytes.Buffer{}
	buf.WriteByte(tagInteger)
	buf.Write(encodeLength(len(body)))
	buf.Write(body)
	return buf.Bytes()
}

// DER parsing helpers.

// parseElement parses one TLV element, returning its tag, body, and total
// encoded size. Short input is Truncated; malformed headers are
// ProtocolViolation.
func parseElement(data []byte) (byte, []byte, int, error) {
	if len(data) == 0 {
		return 0, nil, 0, negErr(KindTruncated, "empty element")
	}
	if len(data) < 2 {
		return 0, nil, 0, negErr(KindTruncated, "element header cut short")
	}

	tag := data[0]
	offset := 2
	length := 0

	if data[1] < 0x80 {
		length = int(data[1])
	} else {
		prefix := int(data[1] & 0x7F)
		if prefix == 0 || prefix > 4 {
			return 0, nil, 0, negErr(KindProtocolViolation, "invalid length prefix 0x%02x", data[1])
		}
		if offset+prefix > len(data) {
			return 0, nil, 0, negErr(KindTruncated, "length bytes cut short")
		}
		for i := 0; i < prefix; i++ {
			length = (length << 8) | int(data[offset])
			offset++
		}
	}

	if length > maxTokenLength {
		return 0, nil, 0, negErr(KindProtocolViolation, "element length %d exceeds limit", length)
	}
	if offset+length > len(data) {
		return 0, nil, 0, negErr(KindTruncated, "element body cut short: need %d bytes, have %d", offset+length, len(data))
	}

	return tag, data[offset : offset+length], offset + length, nil
}

func parseWrappedInteger(data []byte) (uint64, error) {
	tag, value, _, err := parseElement(data)
	if err != nil {
		return 0, err
	}
	if tag != tagInteger {
		return 0, negErr(KindProtocolViolation, "expected INTEGER, got tag 0x%02x", tag)
	}
	if len(value) == 0 || len(value) > 8 {
		return 0, negErr(KindProtocolViolation, "INTEGER body of %d bytes", len(value))
	}

	result := uint64(0)
	for _, b := range value {
		result = (result << 8) | uint64(b)
	}
	return result, nil
}

func parseWrappedOctetString(data []byte) ([]byte, error) {
	tag, value, _, err := parseElement(data)
	if err != nil {
		return nil, err
	}
	if tag != tagOctetString {
		return nil, negErr(KindProtocolViolation, "expected OCTET STRING, got tag 0x%02x", tag)
	}
	return value, nil
}

func parseNegoTokens(data []byte) ([][]byte, error) {
	tag, content, _, err := parseElement(data)
	if err != nil {
		return nil, err
	}
	if tag != tagSequence {
		return nil, negErr(KindProtocolViolation, "NegoData: expected SEQUENCE")
	}

	var tokens [][]byte
	for offset := 0; offset < len(content); {
		tag, item, n, err := parseElement(content[offset:])
		if err != nil {
			return nil, err
		}
		if tag != tagSequence {
			return nil, negErr(KindProtocolViolation, "NegoDataItem: expected SEQUENCE")
		}

		ctxTag, inner, _, err := parseElement(item)
		if err != nil {
			return nil, err
		}
		if ctxTag&0x1F != 0 {
			return nil, negErr(KindProtocolViolation, "NegoDataItem: expected [0] negoToken")
		}

		token, err := parseWrappedOctetString(inner)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)

		offset += n
	}

	return tokens, nil
}
