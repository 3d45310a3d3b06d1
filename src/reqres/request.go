package reqres

import (
	"fmt"

	pcrypto "github.com/pelagos-network/pelagos/src/crypto"
)

// Request is an application-defined request that can be sent to other peers.
// Implementations provide their own serialization and a stateless sanity
// check that receivers apply before doing any work.
type Request interface {
	// ToBytes serializes the request for transmission. The same request
	// must always serialize to the same bytes because the hash of those
	// bytes identifies the request.
	ToBytes() ([]byte, error)

	// Validate checks that the request is well formed.
	Validate() error
}

// Response is the application-defined answer to a Request.
type Response interface {
	// ToBytes serializes the response for transmission.
	ToBytes() ([]byte, error)

	// Validate checks the response against the request it answers.
	Validate(req Request) error
}

// DecodeRequestFn deserializes request payload bytes.
type DecodeRequestFn func(data []byte) (Request, error)

// DecodeResponseFn deserializes response payload bytes.
type DecodeResponseFn func(data []byte) (Response, error)

// RequestHash identifies a request by the SHA256 of its serialized form.
// Identical requests hash to the same value, which is what allows concurrent
// callers to share one in-flight request.
type RequestHash [32]byte

// HashRequest computes the identifying hash of a serialized request.
func HashRequest(data []byte) RequestHash {
	var h RequestHash
	copy(h[:], pcrypto.SHA256(data))
	return h
}

// String returns a short hex form used in logs.
func (h RequestHash) String() string {
	return fmt.Sprintf("%X", h[:8])
}
