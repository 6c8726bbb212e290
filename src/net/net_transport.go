package net

import (
	"bufio"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/mosaicnetworks/murmur/src/codec"
	"github.com/sirupsen/logrus"
)

const (
	bufSize = math.MaxUint16

	// DefaultMaxFrame bounds a single request or reply on the wire.
	DefaultMaxFrame = 16 << 20
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

/*
NetworkTransport provides a network based transport that can be
used to synchronize conversations with remote peers. It requires
an underlying stream layer to provide a stream abstraction, which can
be simple TCP, TLS, etc.

Each RPC request is a length-prefixed frame holding the message tag byte
followed by the deterministic CBOR encoding of the message. The reply is a
frame of the same shape, where tag 0 is an empty reply and tag 0xFF an
error string.
*/
type NetworkTransport struct {
	logger *logrus.Entry

	connPool     map[string][]*netConn
	connPoolLock sync.Mutex
	maxPool      int

	consumeCh chan RPC

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	timeout     time.Duration
	joinTimeout time.Duration
	maxFrame    int
}

type netConn struct {
	target string
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
}

// Release closes the underlying connection
func (n *netConn) Release() error {
	return n.conn.Close()
}

// NewNetworkTransport creates a new network transport with the given dialer
// and listener. The maxPool controls how many connections we will pool (per
// target). The timeout is used to apply I/O deadlines.
func NewNetworkTransport(
	stream StreamLayer,
	maxPool int,
	timeout time.Duration,
	joinTimeout time.Duration,
	logger *logrus.Entry,
) *NetworkTransport {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	trans := &NetworkTransport{
		connPool:    make(map[string][]*netConn),
		consumeCh:   make(chan RPC),
		logger:      logger,
		maxPool:     maxPool,
		shutdownCh:  make(chan struct{}),
		stream:      stream,
		timeout:     timeout,
		joinTimeout: joinTimeout,
		maxFrame:    DefaultMaxFrame,
	}

	return trans
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()

		n.shutdown = true
	}
	return nil
}

// Consumer implements the Transport interface.
func (n *NetworkTransport) Consumer() <-chan RPC {
	return n.consumeCh
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	addr := n.stream.Addr()

	if addr != nil {
		return addr.String()
	}

	return ""
}

// AdvertiseAddr implements the Transport interface.
func (n *NetworkTransport) AdvertiseAddr() string {
	return n.stream.AdvertiseAddr()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// getPooledConn is used to grab a pooled connection.
func (n *NetworkTransport) getPooledConn(target string) *netConn {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	conns, ok := n.connPool[target]
	if !ok || len(conns) == 0 {
		return nil
	}

	var conn *netConn
	num := len(conns)
	conn, conns[num-1] = conns[num-1], nil
	n.connPool[target] = conns[:num-1]
	return conn
}

// getConn is used to get a connection from the pool.
func (n *NetworkTransport) getConn(target string, timeout time.Duration) (*netConn, error) {
	// Check for a pooled conn
	if conn := n.getPooledConn(target); conn != nil {
		return conn, nil
	}

	// Dial a new connection
	conn, err := n.stream.Dial(target, timeout)
	if err != nil {
		return nil, err
	}

	// Wrap the conn
	netConn := &netConn{
		target: target,
		conn:   conn,
		r:      bufio.NewReaderSize(conn, bufSize),
		w:      bufio.NewWriterSize(conn, bufSize),
	}
	// Done
	return netConn, nil
}

// returnConn returns a connection back to the pool.
func (n *NetworkTransport) returnConn(conn *netConn) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := conn.target
	conns, _ := n.connPool[key]

	if !n.IsShutdown() && len(conns) < n.maxPool {
		n.connPool[key] = append(conns, conn)
	} else {
		conn.Release()
	}
}

// Send implements the Transport interface.
func (n *NetworkTransport) Send(target string, msg Message) (Message, error) {
	timeout := n.timeout
	if msg.Type() == TypePoWSolution || msg.Type() == TypeSketchExchange {
		timeout = n.joinTimeout
	}
	return n.genericRPC(target, timeout, msg)
}

// genericRPC handles a simple request/response RPC.
func (n *NetworkTransport) genericRPC(target string, timeout time.Duration, msg Message) (Message, error) {
	// Get a conn
	conn, err := n.getConn(target, timeout)
	if err != nil {
		return nil, err
	}

	// Set a deadline
	if timeout > 0 {
		conn.conn.SetDeadline(time.Now().Add(timeout))
	}

	// Send the RPC
	if err = sendRPC(conn, msg); err != nil {
		return nil, err
	}

	// Decode the response
	resp, canReturn, err := n.decodeResponse(conn)
	if canReturn {
		n.returnConn(conn)
	}

	return resp, err
}

// sendRPC is used to encode and send the RPC.
func sendRPC(conn *netConn, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		conn.Release()
		return err
	}

	if err := writeFrame(conn.w, data); err != nil {
		conn.Release()
		return err
	}

	// Flush
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}
	return nil
}

// decodeResponse is used to decode an RPC response and reports whether
// the connection can be reused.
func (n *NetworkTransport) decodeResponse(conn *netConn) (Message, bool, error) {
	data, err := readFrame(conn.r, n.maxFrame)
	if err != nil {
		conn.Release()
		return nil, false, err
	}
	if len(data) == 0 {
		conn.Release()
		return nil, false, ErrEmptyMessage
	}

	switch MessageType(data[0]) {
	case typeNone:
		return nil, true, nil
	case typeError:
		var rpcError string
		if err := codec.Unmarshal(data[1:], &rpcError); err != nil {
			conn.Release()
			return nil, false, err
		}
		return nil, true, errors.New(rpcError)
	}

	resp, err := Decode(data)
	if err != nil {
		conn.Release()
		return nil, false, err
	}
	return resp, true, nil
}

// encodeResponse produces the reply frame for resp.
func encodeResponse(resp RPCResponse) ([]byte, error) {
	if resp.Error != nil {
		body, err := codec.Marshal(resp.Error.Error())
		if err != nil {
			return nil, err
		}
		return append([]byte{byte(typeError)}, body...), nil
	}
	if resp.Response == nil {
		return []byte{byte(typeNone)}, nil
	}
	return Encode(resp.Response)
}

// Listen opens the stream and handles incoming connections.
func (n *NetworkTransport) Listen() {
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithField("error", err).Error("Failed to accept connection")
			continue
		}
		n.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		// Handle the connection in dedicated routine
		go n.handleConn(conn)
	}
}

// handleConn is used to handle an inbound connection for its lifespan.
func (n *NetworkTransport) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReaderSize(conn, bufSize)
	w := bufio.NewWriterSize(conn, bufSize)
	from := remoteHost(conn)

	for {
		if err := n.handleCommand(from, r, w); err != nil {

			if err == ErrTransportShutdown {
				n.logger.WithField("error", err).Warn("Failed to decode incoming command")
			} else {
				if err != io.EOF {
					n.logger.WithField("error", err).Error("Failed to decode incoming command")
				}
			}
			return
		}
		if err := w.Flush(); err != nil {
			n.logger.WithField("error", err).Error("Failed to flush response")
			return
		}
	}
}

// handleCommand is used to decode and dispatch a single command.
func (n *NetworkTransport) handleCommand(from string, r *bufio.Reader, w *bufio.Writer) error {
	data, err := readFrame(r, n.maxFrame)
	if err != nil {
		return err
	}

	cmd, err := Decode(data)
	if err != nil {
		return err
	}

	// Create the RPC object
	respCh := make(chan RPCResponse, 1)
	rpc := RPC{
		From:     from,
		Command:  cmd,
		RespChan: respCh,
	}

	// Dispatch the RPC
	select {
	case n.consumeCh <- rpc:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	// Wait for response
	select {
	case resp := <-respCh:
		out, err := encodeResponse(resp)
		if err != nil {
			return err
		}
		return writeFrame(w, out)
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}
}

// remoteHost returns the host part of the remote address. Peers dial from
// ephemeral ports, so the port carries no identity.
func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
