package radius

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"errors"

	"layeh.com/radius"
	"layeh.com/radius/rfc2869"
)

// headerLen is code(1) + identifier(1) + length(2) + authenticator(16).
const headerLen = 20

var (
	// ErrAuthenticatorMismatch is returned when a response authenticator
	// does not verify against the originating request. The packet is
	// discarded; the session keeps waiting and will time out.
	ErrAuthenticatorMismatch = errors.New("radius: response authenticator mismatch")

	// ErrMessageAuthenticatorMismatch is returned when the
	// Message-Authenticator attribute is missing or does not verify.
	ErrMessageAuthenticatorMismatch = errors.New("radius: message authenticator mismatch")
)

// signAccessRequest encodes the packet with a zeroed Message-Authenticator,
// then computes HMAC-MD5 over the whole encoding and writes it back in place
// (RFC 3579 §3.2).
func signAccessRequest(p *radius.Packet, secret []byte) ([]byte, error) {
	if err := rfc2869.MessageAuthenticator_Set(p, make([]byte, md5.Size)); err != nil {
		return nil, err
	}
	wire, err := p.Encode()
	if err != nil {
		return nil, err
	}
	off, n, ok := findAttribute(wire, byte(rfc2869.MessageAuthenticator_Type))
	if !ok || n != md5.Size {
		return nil, errors.New("radius: encoded request lacks Message-Authenticator")
	}
	mac := hmac.New(md5.New, secret)
	mac.Write(wire)
	copy(wire[off:off+n], mac.Sum(nil))
	return wire, nil
}

// VerifyResponse checks both integrity proofs on an Access-Accept, Reject,
// or Challenge:
//
//	response authenticator = MD5(code|id|length|request-auth|attributes|secret)
//	Message-Authenticator  = HMAC-MD5(secret, packet with request-auth in the
//	                         authenticator field and a zeroed MA value)
//
// request is the raw originating Access-Request.
func VerifyResponse(response, request, secret []byte) error {
	if len(response) < headerLen || len(request) < headerLen {
		return ErrAuthenticatorMismatch
	}
	length := binary.BigEndian.Uint16(response[2:4])
	if int(length) < headerLen || int(length) > len(response) {
		return ErrAuthenticatorMismatch
	}
	response = response[:length]
	requestAuth := request[4:20]

	h := md5.New()
	h.Write(response[:4])
	h.Write(requestAuth)
	h.Write(response[headerLen:])
	h.Write(secret)
	if !bytes.Equal(h.Sum(nil), response[4:20]) {
		return ErrAuthenticatorMismatch
	}

	off, n, ok := findAttribute(response, byte(rfc2869.MessageAuthenticator_Type))
	if !ok || n != md5.Size {
		return ErrMessageAuthenticatorMismatch
	}
	scratch := append([]byte(nil), response...)
	copy(scratch[4:20], requestAuth)
	for i := off; i < off+n; i++ {
		scratch[i] = 0
	}
	mac := hmac.New(md5.New, secret)
	mac.Write(scratch)
	if !hmac.Equal(mac.Sum(nil), response[off:off+n]) {
		return ErrMessageAuthenticatorMismatch
	}
	return nil
}

// findAttribute walks the attribute section of an encoded packet and returns
// the value offset and length of the first attribute of the given type.
func findAttribute(wire []byte, typ byte) (off, n int, ok bool) {
	i := headerLen
	for i+2 <= len(wire) {
		attrType := wire[i]
		attrLen := int(wire[i+1])
		if attrLen < 2 || i+attrLen > len(wire) {
			return 0, 0, false
		}
		if attrType == typ {
			return i + 2, attrLen - 2, true
		}
		i += attrLen
	}
	return 0, 0, false
}
