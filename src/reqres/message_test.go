package reqres

import (
	"testing"
	"time"

	"github.com/pelagos-network/pelagos/src/crypto/keys"
)

func TestSignedRequestMessage(t *testing.T) {
	key, _ := keys.GenerateECDSAKey()

	payload, _ := (&testRequest{Key: "alpha"}).ToBytes()

	msg, err := NewSignedRequestMessage(key, payload)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	req, err := msg.Validate(10*time.Second, decodeTestRequest)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if req.(*testRequest).Key != "alpha" {
		t.Fatalf("decoded request does not match")
	}
}

func TestStaleRequestMessageRejected(t *testing.T) {
	key, _ := keys.GenerateECDSAKey()

	payload, _ := (&testRequest{Key: "alpha"}).ToBytes()

	msg := &RequestMessage{
		PubKeyHex: keys.PublicKeyHex(&key.PublicKey),
		Timestamp: time.Now().Add(-time.Minute).Unix(),
		Payload:   payload,
	}

	r, s, err := keys.Sign(key, msg.signedContent())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	msg.Signature = keys.EncodeSignature(r, s)

	if _, err := msg.Validate(10*time.Second, decodeTestRequest); err == nil {
		t.Fatal("stale message should be rejected")
	}
}

func TestTamperedRequestMessageRejected(t *testing.T) {
	key, _ := keys.GenerateECDSAKey()

	payload, _ := (&testRequest{Key: "alpha"}).ToBytes()

	msg, err := NewSignedRequestMessage(key, payload)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	tampered, _ := (&testRequest{Key: "omega"}).ToBytes()
	msg.Payload = tampered

	if _, err := msg.Validate(10*time.Second, decodeTestRequest); err == nil {
		t.Fatal("tampered message should be rejected")
	}
}

func TestMessageEncodeDecode(t *testing.T) {
	key, _ := keys.GenerateECDSAKey()

	payload, _ := (&testRequest{Key: "alpha"}).ToBytes()

	reqMsg, _ := NewSignedRequestMessage(key, payload)

	data, err := EncodeMessage(reqMsg)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	decoded, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	got, ok := decoded.(*RequestMessage)
	if !ok {
		t.Fatalf("expected *RequestMessage, got %T", decoded)
	}
	if got.PubKeyHex != reqMsg.PubKeyHex || got.Signature != reqMsg.Signature {
		t.Fatalf("request message round trip mismatch")
	}

	hash := HashRequest(payload)
	respMsg := &ResponseMessage{RequestHash: hash[:], Payload: []byte(`{"Key":"alpha","Value":"1"}`)}

	data, err = EncodeMessage(respMsg)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	decodedResp, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if decodedResp.(*ResponseMessage).Hash() != hash {
		t.Fatalf("response message hash mismatch")
	}

	if _, err := DecodeMessage([]byte{0x7F, 0x00}); err == nil {
		t.Fatal("unknown tag should be rejected")
	}
}
