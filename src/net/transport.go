package net

import "errors"

// ErrTransportClosed is returned by Receive and Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// AddrResolver maps a peer's hex public key to a network address. Transports
// use it to turn protocol-level recipients into dialable endpoints.
type AddrResolver func(pubKeyHex string) (string, error)

// Transport moves serialized messages between peers identified by their hex
// public keys. It satisfies both the Sender and Receiver side of the
// request/response protocol.
type Transport interface {

	// Listen starts accepting incoming messages.
	Listen()

	// Send pushes a message to the peer identified by its public key.
	Send(to string, data []byte) error

	// Receive blocks until a message arrives. It returns
	// ErrTransportClosed once the transport is closed.
	Receive() ([]byte, error)

	// LocalAddr returns the address other peers can reach us on.
	LocalAddr() string

	// Close permanently closes the transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
