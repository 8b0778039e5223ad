// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire implements the framing layer of the PostgreSQL wire
// protocol: dialing (TCP, Unix socket, optional TLS), reading framed
// backend messages either blocking or by non-blocking polls, and writing
// buffered frontend messages.
package wire

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/pgfleet/pgfleet/go/pgwire/protocol"
)

const (
	// connBufferSize is the size of the write buffer and of read chunks.
	connBufferSize = 16 * 1024

	// frameHeaderSize is one type byte plus the 4-byte length.
	frameHeaderSize = 1 + protocol.PacketHeaderSize
)

// ErrClosed is returned when operating on a closed connection.
var ErrClosed = errors.New("connection is closed")

// Config holds the network-level configuration for reaching a PostgreSQL
// server. Authentication and session parameters live one layer up.
type Config struct {
	// Host is the server hostname or IP address (for TCP connections).
	// Ignored if SocketFile is set.
	Host string

	// Port is the server port number (for TCP connections).
	// Ignored if SocketFile is set.
	Port int

	// SocketFile is the full path to the PostgreSQL Unix socket file,
	// e.g. /var/run/postgresql/.s.PGSQL.5432. If empty, TCP is used.
	SocketFile string

	// TLSConfig is the TLS configuration for SSL connections.
	// Only used for TCP connections. If nil, SSL is not used.
	TLSConfig *tls.Config

	// DialTimeout is the timeout for establishing the connection.
	DialTimeout time.Duration
}

// Conn is a framed connection to a PostgreSQL server. It carries no
// protocol state beyond undecoded received bytes; a Conn is not safe for
// concurrent use.
type Conn struct {
	conn net.Conn

	// writeBuf accumulates frontend messages until Flush.
	writeBuf []byte

	// pending holds received bytes that do not yet form a complete frame.
	// Decoded frame bodies alias this storage; it is never compacted in
	// place, so a body stays valid until the caller drops it.
	pending []byte

	closed atomic.Bool
}

// Dial establishes the network connection and, if configured, negotiates
// TLS. No startup message is sent; that is the session's job.
func Dial(ctx context.Context, config *Config) (*Conn, error) {
	dialer := &net.Dialer{Timeout: config.DialTimeout}

	var netConn net.Conn
	var err error
	if config.SocketFile != "" {
		netConn, err = dialer.DialContext(ctx, "unix", config.SocketFile)
	} else {
		address := net.JoinHostPort(config.Host, fmt.Sprintf("%d", config.Port))
		netConn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Conn{
		conn:     netConn,
		writeBuf: make([]byte, 0, connBufferSize),
	}

	if config.TLSConfig != nil && config.SocketFile == "" {
		if err := c.negotiateTLS(ctx, config.TLSConfig); err != nil {
			netConn.Close()
			return nil, err
		}
	}

	return c, nil
}

// negotiateTLS sends an SSLRequest and upgrades the connection.
func (c *Conn) negotiateTLS(ctx context.Context, tlsConfig *tls.Config) error {
	var req [8]byte
	binary.BigEndian.PutUint32(req[0:4], 8)
	binary.BigEndian.PutUint32(req[4:8], protocol.SSLRequestCode)
	if _, err := c.conn.Write(req[:]); err != nil {
		return fmt.Errorf("failed to send SSL request: %w", err)
	}

	var response [1]byte
	if _, err := c.conn.Read(response[:]); err != nil {
		return fmt.Errorf("failed to read SSL response: %w", err)
	}
	switch response[0] {
	case 'S':
		// Server accepted, proceed with the handshake.
	case 'N':
		return errors.New("server does not support SSL")
	default:
		return fmt.Errorf("unexpected SSL response: %c", response[0])
	}

	tlsConn := tls.Client(c.conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	c.conn = tlsConn
	return nil
}

// Close closes the underlying connection. It does not send Terminate;
// callers that want a graceful shutdown write it first.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil // Already closed.
	}
	return c.conn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ReadMessage reads one complete backend message, blocking until it is
// available, the context deadline expires, or the connection fails.
func (c *Conn) ReadMessage(ctx context.Context) (byte, []byte, error) {
	if c.closed.Load() {
		return 0, nil, ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return 0, nil, err
		}
	}
	defer c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	// Wake a blocked read if the context is cancelled outright.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if msgType, body, ok, err := c.decodeFrame(); err != nil {
			return 0, nil, err
		} else if ok {
			return msgType, body, nil
		}

		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}

		if err := c.fill(); err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			return 0, nil, err
		}
	}
}

// PollMessage attempts to read one complete backend message without
// blocking. It returns ok=false when no complete message is available
// yet; partially received frames are retained for the next poll.
func (c *Conn) PollMessage() (msgType byte, body []byte, ok bool, err error) {
	if c.closed.Load() {
		return 0, nil, false, ErrClosed
	}

	if msgType, body, ok, err = c.decodeFrame(); err != nil || ok {
		return msgType, body, ok, err
	}

	// Drain whatever the socket has right now.
	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		return 0, nil, false, err
	}
	fillErr := c.fill()
	if derr := c.conn.SetReadDeadline(time.Time{}); derr != nil {
		return 0, nil, false, derr
	}
	if fillErr != nil && !errors.Is(fillErr, os.ErrDeadlineExceeded) {
		return 0, nil, false, fillErr
	}

	return c.decodeFrame()
}

// fill performs one read from the socket into the pending buffer.
func (c *Conn) fill() error {
	if len(c.pending) == 0 {
		// Nothing buffered references the old array; start fresh so that
		// previously returned frame bodies are never overwritten.
		c.pending = nil
	}
	chunk := make([]byte, connBufferSize)
	n, err := c.conn.Read(chunk)
	if n > 0 {
		c.pending = append(c.pending, chunk[:n]...)
	}
	if err != nil && n == 0 {
		return err
	}
	return nil
}

// decodeFrame decodes one frame from the pending buffer, if complete.
func (c *Conn) decodeFrame() (msgType byte, body []byte, ok bool, err error) {
	if len(c.pending) < frameHeaderSize {
		return 0, nil, false, nil
	}
	length := binary.BigEndian.Uint32(c.pending[1:frameHeaderSize])
	if length < protocol.PacketHeaderSize {
		return 0, nil, false, fmt.Errorf("invalid message length: %d", length)
	}
	total := 1 + int(length)
	if len(c.pending) < total {
		return 0, nil, false, nil
	}
	msgType = c.pending[0]
	body = c.pending[frameHeaderSize:total]
	c.pending = c.pending[total:]
	return msgType, body, true, nil
}

// WriteMessage appends a complete message (type, length, body) to the
// write buffer without flushing.
func (c *Conn) WriteMessage(msgType byte, body []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeBuf = append(c.writeBuf, msgType)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(protocol.PacketHeaderSize+len(body)))
	c.writeBuf = append(c.writeBuf, lenBuf[:]...)
	c.writeBuf = append(c.writeBuf, body...)
	return nil
}

// WriteStartup appends an untyped startup packet (length + body) to the
// write buffer without flushing.
func (c *Conn) WriteStartup(body []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(protocol.PacketHeaderSize+len(body)))
	c.writeBuf = append(c.writeBuf, lenBuf[:]...)
	c.writeBuf = append(c.writeBuf, body...)
	return nil
}

// Flush writes all buffered messages to the socket.
func (c *Conn) Flush() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if len(c.writeBuf) == 0 {
		return nil
	}
	if _, err := c.conn.Write(c.writeBuf); err != nil {
		return err
	}
	c.writeBuf = c.writeBuf[:0]
	return nil
}
