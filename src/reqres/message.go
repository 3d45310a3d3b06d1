package reqres

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ugorji/go/codec"

	pcrypto "github.com/pelagos-network/pelagos/src/crypto"
	"github.com/pelagos-network/pelagos/src/crypto/keys"
)

// Message type tags. The first byte of every wire message identifies the
// payload that follows.
const (
	requestMessageTag  byte = 0x01
	responseMessageTag byte = 0x02
)

// jsonHandle is shared by all message marshalling. Canonical mode keeps the
// output deterministic so hashes of serialized messages are stable.
var jsonHandle = func() *codec.JsonHandle {
	h := &codec.JsonHandle{}
	h.Canonical = true
	return h
}()

// RequestMessage carries a serialized request along with the sender's
// identity and a signature over the payload and timestamp.
type RequestMessage struct {
	PubKeyHex string
	Signature string
	Timestamp int64
	Payload   []byte
}

// NewSignedRequestMessage wraps a request payload in a message signed with
// the given key. The timestamp is the current unix time in seconds.
func NewSignedRequestMessage(privKey *ecdsa.PrivateKey, payload []byte) (*RequestMessage, error) {
	msg := &RequestMessage{
		PubKeyHex: keys.PublicKeyHex(&privKey.PublicKey),
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}

	r, s, err := keys.Sign(privKey, msg.signedContent())
	if err != nil {
		return nil, err
	}

	msg.Signature = keys.EncodeSignature(r, s)

	return msg, nil
}

// signedContent is the hash that the signature covers: the payload followed
// by the big-endian timestamp.
func (m *RequestMessage) signedContent() []byte {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(m.Timestamp))
	return pcrypto.SHA256(append(append([]byte{}, m.Payload...), ts...))
}

// Hash returns the identifying hash of the request payload.
func (m *RequestMessage) Hash() RequestHash {
	return HashRequest(m.Payload)
}

// Validate verifies the message signature, checks that the timestamp is
// within ttl of the local clock, and decodes and validates the payload.
func (m *RequestMessage) Validate(ttl time.Duration, decode DecodeRequestFn) (Request, error) {
	drift := time.Since(time.Unix(m.Timestamp, 0))
	if drift > ttl || drift < -ttl {
		return nil, NewInvalidRequestError(fmt.Sprintf("request timestamp outside ttl: drift %v", drift))
	}

	pubKey, err := keys.PublicKeyFromHex(m.PubKeyHex)
	if err != nil {
		return nil, NewInvalidRequestError(fmt.Sprintf("bad public key: %v", err))
	}

	r, s, err := keys.DecodeSignature(m.Signature)
	if err != nil {
		return nil, NewInvalidRequestError(fmt.Sprintf("bad signature encoding: %v", err))
	}

	if !keys.Verify(pubKey, m.signedContent(), r, s) {
		return nil, NewInvalidRequestError("signature verification failed")
	}

	req, err := decode(m.Payload)
	if err != nil {
		return nil, NewInvalidRequestError(fmt.Sprintf("undecodable payload: %v", err))
	}

	if err := req.Validate(); err != nil {
		return nil, NewInvalidRequestError(fmt.Sprintf("invalid request: %v", err))
	}

	return req, nil
}

// ResponseMessage carries a serialized response, tied back to the request it
// answers by the request hash.
type ResponseMessage struct {
	RequestHash []byte
	Payload     []byte
}

// Hash returns the hash of the request this response answers.
func (m *ResponseMessage) Hash() RequestHash {
	var h RequestHash
	copy(h[:], m.RequestHash)
	return h
}

// EncodeMessage serializes a RequestMessage or ResponseMessage with a
// leading type tag.
func EncodeMessage(msg interface{}) ([]byte, error) {
	var tag byte
	switch msg.(type) {
	case *RequestMessage:
		tag = requestMessageTag
	case *ResponseMessage:
		tag = responseMessageTag
	default:
		return nil, fmt.Errorf("unknown message type %T", msg)
	}

	var body []byte
	enc := codec.NewEncoderBytes(&body, jsonHandle)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}

	return append([]byte{tag}, body...), nil
}

// DecodeMessage parses a tagged wire message into a *RequestMessage or
// *ResponseMessage.
func DecodeMessage(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty message")
	}

	var msg interface{}
	switch data[0] {
	case requestMessageTag:
		msg = &RequestMessage{}
	case responseMessageTag:
		msg = &ResponseMessage{}
	default:
		return nil, fmt.Errorf("unknown message tag 0x%02x", data[0])
	}

	dec := codec.NewDecoderBytes(data[1:], jsonHandle)
	if err := dec.Decode(msg); err != nil {
		return nil, err
	}

	return msg, nil
}
