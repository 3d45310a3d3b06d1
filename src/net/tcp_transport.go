package net

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pelagos-network/pelagos/src/reqres"
)

// TCPTransport implements the Transport interface over plain TCP with
// length-delimited frames. Outgoing connections are pooled per target.
type TCPTransport struct {
	connPool     map[string][]*netConn
	connPoolLock sync.Mutex

	consumerCh chan []byte

	listener  net.Listener
	advertise string

	resolver AddrResolver
	maxPool  int
	timeout  time.Duration

	logger *logrus.Entry

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// netConn is a pooled outgoing connection.
type netConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
}

func (n *netConn) Release() error {
	return n.conn.Close()
}

// NewTCPTransport creates a TCPTransport listening on bindAddr. The resolver
// translates peer public keys into dialable addresses. If advertise is empty
// the listener address is used.
func NewTCPTransport(
	bindAddr string,
	advertise string,
	maxPool int,
	timeout time.Duration,
	resolver AddrResolver,
	logger *logrus.Entry,
) (*TCPTransport, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &TCPTransport{
		connPool:   make(map[string][]*netConn),
		consumerCh: make(chan []byte, 64),
		listener:   list,
		advertise:  advertise,
		resolver:   resolver,
		maxPool:    maxPool,
		timeout:    timeout,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}, nil
}

// Listen starts the accept loop.
func (t *TCPTransport) Listen() {
	go t.listen()
}

// LocalAddr implements the Transport interface.
func (t *TCPTransport) LocalAddr() string {
	if t.advertise != "" {
		return t.advertise
	}
	return t.listener.Addr().String()
}

// listen accepts incoming connections and hands them off to handleConn.
func (t *TCPTransport) listen() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.WithError(err).Error("Failed to accept connection")
				return
			}
		}

		t.logger.WithField("node", conn.RemoteAddr()).Debug("Accepted connection")

		go t.handleConn(conn)
	}
}

// handleConn reads frames off an incoming connection and feeds them to the
// consumer until the connection drops.
func (t *TCPTransport) handleConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)

	for {
		data, err := reqres.ReadLengthDelimited(r)
		if err != nil {
			if err != io.EOF {
				t.logger.WithError(err).Debug("Failed to read frame")
			}
			return
		}

		select {
		case t.consumerCh <- data:
		case <-t.shutdownCh:
			return
		}
	}
}

// Send resolves the target's address, grabs a pooled connection or dials a
// new one, and writes the message as a single frame.
func (t *TCPTransport) Send(to string, data []byte) error {
	addr, err := t.resolver(to)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", to, err)
	}

	conn, err := t.getConn(addr)
	if err != nil {
		return err
	}

	if t.timeout > 0 {
		conn.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	}

	if err := reqres.WriteLengthDelimited(conn.w, data); err != nil {
		conn.Release()
		return err
	}

	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}

	t.returnConn(conn)
	return nil
}

// Receive implements the Transport interface.
func (t *TCPTransport) Receive() ([]byte, error) {
	select {
	case data := <-t.consumerCh:
		return data, nil
	case <-t.shutdownCh:
		return nil, ErrTransportClosed
	}
}

// getConn pops a pooled connection to addr or dials a new one.
func (t *TCPTransport) getConn(addr string) (*netConn, error) {
	t.connPoolLock.Lock()
	conns := t.connPool[addr]
	if len(conns) > 0 {
		conn := conns[len(conns)-1]
		t.connPool[addr] = conns[:len(conns)-1]
		t.connPoolLock.Unlock()
		return conn, nil
	}
	t.connPoolLock.Unlock()

	conn, err := net.DialTimeout("tcp", addr, t.timeout)
	if err != nil {
		return nil, err
	}

	return &netConn{
		target: addr,
		conn:   conn,
		w:      bufio.NewWriter(conn),
	}, nil
}

// returnConn puts a connection back in the pool, closing it instead if the
// pool is full or the transport is shut down.
func (t *TCPTransport) returnConn(conn *netConn) {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()

	if t.shutdown || len(t.connPool[conn.target]) >= t.maxPool {
		conn.Release()
		return
	}

	t.connPool[conn.target] = append(t.connPool[conn.target], conn)
}

// Close shuts down the listener and all pooled connections.
func (t *TCPTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if t.shutdown {
		return nil
	}
	t.shutdown = true
	close(t.shutdownCh)

	t.connPoolLock.Lock()
	for _, conns := range t.connPool {
		for _, conn := range conns {
			conn.Release()
		}
	}
	t.connPool = make(map[string][]*netConn)
	t.connPoolLock.Unlock()

	return t.listener.Close()
}
