package net

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// NewInmemAddr returns a new in-memory addr with a randomly generated UUID
// as the ID.
func NewInmemAddr() string {
	return generateUUID()
}

// generateUUID is used to generate a random UUID.
func generateUUID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}

	return fmt.Sprintf("%08x-%04x-%04x-%04x-%12x",
		buf[0:4],
		buf[4:6],
		buf[6:8],
		buf[8:10],
		buf[10:16])
}

// InmemTransport implements the Transport interface, to allow nodes to be
// tested in-memory without going over a network. Peers are connected
// explicitly with Connect and addressed by public key.
type InmemTransport struct {
	sync.RWMutex
	consumerCh chan []byte
	localAddr  string
	peers      map[string]*InmemTransport
	timeout    time.Duration
	closed     bool
}

// NewInmemTransport is used to initialize a new transport and generates a
// random local address if none is specified.
func NewInmemTransport(addr string) (string, *InmemTransport) {
	if addr == "" {
		addr = NewInmemAddr()
	}
	trans := &InmemTransport{
		consumerCh: make(chan []byte, 64),
		localAddr:  addr,
		peers:      make(map[string]*InmemTransport),
		timeout:    50 * time.Millisecond,
	}
	return addr, trans
}

// Listen is an empty function as there is no need to defer initialisation of
// the in-memory transport.
func (i *InmemTransport) Listen() {
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

// Send implements the Transport interface. It delivers the message to the
// connected peer registered under the given public key.
func (i *InmemTransport) Send(to string, data []byte) error {
	i.RLock()
	peer, ok := i.peers[to]
	i.RUnlock()

	if !ok {
		return fmt.Errorf("failed to connect to peer: %v", to)
	}

	return peer.deliver(data, i.timeout)
}

// deliver pushes data onto the consumer channel, giving up after timeout if
// the consumer is not keeping up.
func (i *InmemTransport) deliver(data []byte, timeout time.Duration) error {
	i.RLock()
	defer i.RUnlock()

	if i.closed {
		return ErrTransportClosed
	}

	select {
	case i.consumerCh <- data:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("delivery timed out")
	}
}

// Receive implements the Transport interface.
func (i *InmemTransport) Receive() ([]byte, error) {
	data, ok := <-i.consumerCh
	if !ok {
		return nil, ErrTransportClosed
	}
	return data, nil
}

// Connect is used to connect this transport to another transport for a given
// peer name. This allows for local routing.
func (i *InmemTransport) Connect(peer string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.peers[peer] = trans
}

// Disconnect is used to remove the ability to route to a given peer.
func (i *InmemTransport) Disconnect(peer string) {
	i.Lock()
	defer i.Unlock()
	delete(i.peers, peer)
}

// DisconnectAll is used to remove all routes to peers.
func (i *InmemTransport) DisconnectAll() {
	i.Lock()
	defer i.Unlock()
	i.peers = make(map[string]*InmemTransport)
}

// Close is used to permanently disable the transport.
func (i *InmemTransport) Close() error {
	i.Lock()
	defer i.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true
	close(i.consumerCh)
	i.peers = make(map[string]*InmemTransport)

	return nil
}
