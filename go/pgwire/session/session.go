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

// Package session implements the client half of a PostgreSQL
// conversation: the connection state machine that interleaves command
// submission, incremental result retrieval, and server-originated
// signals, in both blocking and poll-driven modes.
//
// A Session owns one physical connection and carries exactly one
// in-flight request at a time. It is not safe for concurrent use; the
// pool package hands out sessions under an exclusive lease.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/pgfleet/pgfleet/go/pgwire/pgdata"
	"github.com/pgfleet/pgfleet/go/pgwire/protocol"
	"github.com/pgfleet/pgfleet/go/pgwire/signal"
	"github.com/pgfleet/pgfleet/go/pgwire/wire"
)

var (
	// ErrNotConnected is returned when an operation requires an
	// established session.
	ErrNotConnected = errors.New("session is not connected")

	// ErrAlreadyConnected is returned by Connect on a session that is
	// already established or connecting.
	ErrAlreadyConnected = errors.New("session is already connected")

	// ErrNotIdle is returned when a command is submitted while another
	// request is in flight. This is a usage-contract violation detected
	// before any network interaction.
	ErrNotIdle = errors.New("a request is already in flight")
)

// Status is the protocol state of a session.
type Status int

const (
	// StatusDisconnected means no physical connection exists.
	StatusDisconnected Status = iota

	// StatusConnecting means the startup handshake is in progress.
	StatusConnecting

	// StatusIdle means the session is ready to accept a command.
	StatusIdle

	// StatusRequestSent means a command was submitted and no response
	// has been consumed yet, or the previous result set completed and
	// another may follow.
	StatusRequestSent

	// StatusResultPending means the server has started a result set.
	StatusResultPending

	// StatusResultAvailable means a row of the current result set has
	// been handed to the caller.
	StatusResultAvailable

	// StatusFailed means the transport failed; the session is unusable
	// until closed and reconnected.
	StatusFailed
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusIdle:
		return "idle"
	case StatusRequestSent:
		return "request_sent"
	case StatusResultPending:
		return "result_pending"
	case StatusResultAvailable:
		return "result_available"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is the message-level collaborator carrying the wire
// conversation. The production implementation is wire.Conn; tests
// substitute their own.
type Transport interface {
	// ReadMessage reads one backend message, blocking until it is
	// available or the context deadline expires.
	ReadMessage(ctx context.Context) (msgType byte, body []byte, err error)

	// PollMessage reads one backend message without blocking. ok=false
	// means no complete message is available yet.
	PollMessage() (msgType byte, body []byte, ok bool, err error)

	// WriteMessage appends a frontend message to the write buffer.
	WriteMessage(msgType byte, body []byte) error

	// WriteStartup appends an untyped startup packet to the write buffer.
	WriteStartup(body []byte) error

	// Flush writes all buffered messages to the server.
	Flush() error

	// Close closes the transport.
	Close() error

	// IsClosed reports whether the transport has been closed.
	IsClosed() bool
}

// DialFunc establishes the transport for a session.
type DialFunc func(ctx context.Context) (Transport, error)

// Config holds the identity and options of a session. It is copied at
// construction and read-only afterwards.
type Config struct {
	// Host is the server hostname or IP address (for TCP connections).
	Host string

	// Port is the server port number (for TCP connections).
	Port int

	// SocketFile is the path to the server Unix socket. If set, it is
	// used instead of Host/Port.
	SocketFile string

	// User is the PostgreSQL user name.
	User string

	// Password is the user's password (optional for trust auth).
	Password string

	// Database is the database name to connect to. Defaults to the user
	// name on the server side when empty.
	Database string

	// Parameters are additional startup parameters.
	Parameters map[string]string

	// TLSConfig is the TLS configuration for SSL connections. If nil,
	// SSL is not used.
	TLSConfig *tls.Config

	// DialTimeout is the timeout for establishing the connection.
	DialTimeout time.Duration

	// Logger receives debug-level protocol events. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Session is one logical session to a PostgreSQL server.
type Session struct {
	config Config
	dial   DialFunc
	logger *slog.Logger

	transport Transport
	status    Status
	txnStatus protocol.TransactionStatus

	// Backend key data received during startup.
	processID uint32
	secretKey uint32

	serverParams map[string]string

	// scram is the in-progress SASL exchange, non-nil only while
	// connecting against a SCRAM server.
	scram *scramClient

	// resultFields describes the current result set.
	resultFields []Field

	// paramDesc holds the parameter OIDs of the last Describe.
	paramDesc []uint32

	// deferredErr is a server error held back until the server reports
	// ready, so that the session is idle when the error surfaces.
	deferredErr *ServerError

	queue               signal.Queue
	noticeHandler       func(*signal.Notice)
	notificationHandler func(*signal.Notification)
}

// New creates a disconnected session with a copy of the given options,
// dialing the server over the wire package.
func New(config Config) *Session {
	cfg := config
	return NewWithDialer(config, func(ctx context.Context) (Transport, error) {
		return wire.Dial(ctx, &wire.Config{
			Host:        cfg.Host,
			Port:        cfg.Port,
			SocketFile:  cfg.SocketFile,
			TLSConfig:   cfg.TLSConfig,
			DialTimeout: cfg.DialTimeout,
		})
	})
}

// NewWithDialer creates a disconnected session using a custom transport
// dialer.
func NewWithDialer(config Config, dial DialFunc) *Session {
	config.Parameters = maps.Clone(config.Parameters)
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		config: config,
		dial:   dial,
		logger: logger,
		status: StatusDisconnected,
	}
}

// Status returns the current protocol state.
func (s *Session) Status() Status {
	return s.status
}

// IsConnected reports whether the startup handshake has completed and
// the session has not failed or been closed.
func (s *Session) IsConnected() bool {
	switch s.status {
	case StatusIdle, StatusRequestSent, StatusResultPending, StatusResultAvailable:
		return true
	default:
		return false
	}
}

// TxnStatus returns the transaction status from the last ReadyForQuery.
func (s *Session) TxnStatus() protocol.TransactionStatus {
	return s.txnStatus
}

// ProcessID returns the backend process ID.
func (s *Session) ProcessID() uint32 {
	return s.processID
}

// SecretKey returns the backend secret key for query cancellation.
func (s *Session) SecretKey() uint32 {
	return s.secretKey
}

// ServerParams returns a copy of the server parameters received so far.
func (s *Session) ServerParams() map[string]string {
	return maps.Clone(s.serverParams)
}

// Signals returns the queue of received signals nobody handled.
func (s *Session) Signals() *signal.Queue {
	return &s.queue
}

// OnNotice registers the notice handler. A nil handler redirects
// notices to the signal queue. The handler is replaceable at any time.
func (s *Session) OnNotice(handler func(*signal.Notice)) {
	s.noticeHandler = handler
}

// OnNotification registers the notification handler. A nil handler
// redirects notifications to the signal queue.
func (s *Session) OnNotification(handler func(*signal.Notification)) {
	s.notificationHandler = handler
}

// Connect establishes the session, blocking until the startup handshake
// completes.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.StartConnect(ctx); err != nil {
		return err
	}
	for {
		msgType, body, err := s.transport.ReadMessage(ctx)
		if err != nil {
			return s.fail(fmt.Errorf("startup read failed: %w", err))
		}
		done, err := s.processStartupMessage(msgType, body)
		if err != nil {
			return s.fail(err)
		}
		if done {
			return nil
		}
	}
}

// StartConnect begins establishing the session without waiting for the
// handshake: it dials (bounded by the dial timeout), sends the startup
// message and returns. The caller drives the rest with PollConnect.
func (s *Session) StartConnect(ctx context.Context) error {
	if s.status != StatusDisconnected && s.status != StatusFailed {
		return ErrAlreadyConnected
	}

	transport, err := s.dial(ctx)
	if err != nil {
		s.status = StatusFailed
		return fmt.Errorf("dial failed: %w", err)
	}
	s.transport = transport
	s.status = StatusConnecting
	s.serverParams = make(map[string]string)
	s.deferredErr = nil
	s.resultFields = nil
	s.scram = nil

	w := wire.NewMessageWriter()
	w.WriteUint32(protocol.ProtocolVersionNumber)
	w.WriteString("user")
	w.WriteString(s.config.User)
	if s.config.Database != "" {
		w.WriteString("database")
		w.WriteString(s.config.Database)
	}
	for key, value := range s.config.Parameters {
		w.WriteString(key)
		w.WriteString(value)
	}
	w.WriteByte(0)

	if err := s.transport.WriteStartup(w.Bytes()); err != nil {
		return s.fail(fmt.Errorf("failed to send startup message: %w", err))
	}
	if err := s.transport.Flush(); err != nil {
		return s.fail(fmt.Errorf("failed to flush startup message: %w", err))
	}
	return nil
}

// PollConnect advances a connect started with StartConnect without
// blocking. It returns true once the session is established.
func (s *Session) PollConnect() (bool, error) {
	if s.IsConnected() {
		return true, nil
	}
	if s.status != StatusConnecting {
		return false, ErrNotConnected
	}
	for {
		msgType, body, ok, err := s.transport.PollMessage()
		if err != nil {
			return false, s.fail(fmt.Errorf("startup read failed: %w", err))
		}
		if !ok {
			return false, nil
		}
		done, err := s.processStartupMessage(msgType, body)
		if err != nil {
			return false, s.fail(err)
		}
		if done {
			return true, nil
		}
	}
}

// Close terminates the session and releases the transport. Closing
// while a request is in flight is permitted and discards any partial
// result. Close is idempotent.
func (s *Session) Close() error {
	if s.transport == nil {
		s.status = StatusDisconnected
		return nil
	}

	// Best-effort graceful shutdown.
	if s.IsConnected() {
		_ = s.transport.WriteMessage(protocol.MsgTerminate, nil)
		_ = s.transport.Flush()
	}

	err := s.transport.Close()
	s.transport = nil
	s.status = StatusDisconnected
	s.resultFields = nil
	s.deferredErr = nil
	s.scram = nil
	s.logger.Debug("session closed", "user", s.config.User, "database", s.config.Database)
	return err
}

// Execute submits a simple query. The session must be idle; responses
// are consumed with Next, NextResponse or PollResponse.
func (s *Session) Execute(sql string) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	w := wire.NewMessageWriter()
	w.WriteString(sql)
	if err := s.transport.WriteMessage(protocol.MsgQuery, w.Bytes()); err != nil {
		return s.fail(fmt.Errorf("failed to send query: %w", err))
	}
	if err := s.transport.Flush(); err != nil {
		return s.fail(fmt.Errorf("failed to flush query: %w", err))
	}
	s.beginRequest()
	return nil
}

// ExecutePrepared submits the execution of a previously prepared
// statement over the extended protocol. A nil parameter is sent as SQL
// NULL; each parameter's wire format is taken from its buffer. All
// result columns are requested in resultFormat.
func (s *Session) ExecutePrepared(name string, params []pgdata.Data, resultFormat pgdata.Format) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	if err := s.writeBind("", name, params, resultFormat); err != nil {
		return s.fail(fmt.Errorf("failed to send Bind: %w", err))
	}
	if err := s.writeExecuteSync(); err != nil {
		return err
	}
	s.beginRequest()
	return nil
}

// ExecuteParams submits a one-shot parameterized query: the statement is
// parsed, bound and executed as the unnamed statement in one round trip.
func (s *Session) ExecuteParams(sql string, params []pgdata.Data, resultFormat pgdata.Format) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	if err := s.writeParse("", sql, nil); err != nil {
		return s.fail(fmt.Errorf("failed to send Parse: %w", err))
	}
	if err := s.writeBind("", "", params, resultFormat); err != nil {
		return s.fail(fmt.Errorf("failed to send Bind: %w", err))
	}
	if err := s.writeExecuteSync(); err != nil {
		return err
	}
	s.beginRequest()
	return nil
}

// Prepare prepares a named statement, blocking until the server
// acknowledges it. paramTypeOIDs may be nil to let the server infer
// parameter types.
func (s *Session) Prepare(ctx context.Context, name, sql string, paramTypeOIDs []uint32) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	if err := s.writeParse(name, sql, paramTypeOIDs); err != nil {
		return s.fail(fmt.Errorf("failed to send Parse: %w", err))
	}
	if err := s.writeSyncFlush(); err != nil {
		return err
	}
	s.beginRequest()
	return s.drain(ctx)
}

// StatementDescription describes a prepared statement.
type StatementDescription struct {
	// ParamTypeOIDs are the OIDs of the statement parameters.
	ParamTypeOIDs []uint32

	// Fields describe the result columns; empty for statements that
	// return no rows.
	Fields []Field
}

// DescribeStatement asks the server to describe a prepared statement,
// blocking until the description arrives.
func (s *Session) DescribeStatement(ctx context.Context, name string) (*StatementDescription, error) {
	if err := s.checkIdle(); err != nil {
		return nil, err
	}
	w := wire.NewMessageWriter()
	w.WriteByte('S')
	w.WriteString(name)
	if err := s.transport.WriteMessage(protocol.MsgDescribe, w.Bytes()); err != nil {
		return nil, s.fail(fmt.Errorf("failed to send Describe: %w", err))
	}
	if err := s.writeSyncFlush(); err != nil {
		return nil, err
	}
	s.beginRequest()
	if err := s.drain(ctx); err != nil {
		return nil, err
	}
	return &StatementDescription{ParamTypeOIDs: s.paramDesc, Fields: s.resultFields}, nil
}

// CloseStatement closes a prepared statement on the server, blocking
// until acknowledged.
func (s *Session) CloseStatement(ctx context.Context, name string) error {
	return s.closeTarget(ctx, 'S', name)
}

// ClosePortal closes a portal on the server, blocking until
// acknowledged.
func (s *Session) ClosePortal(ctx context.Context, name string) error {
	return s.closeTarget(ctx, 'P', name)
}

func (s *Session) closeTarget(ctx context.Context, typ byte, name string) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	w := wire.NewMessageWriter()
	w.WriteByte(typ)
	w.WriteString(name)
	if err := s.transport.WriteMessage(protocol.MsgClose, w.Bytes()); err != nil {
		return s.fail(fmt.Errorf("failed to send Close: %w", err))
	}
	if err := s.writeSyncFlush(); err != nil {
		return err
	}
	s.beginRequest()
	return s.drain(ctx)
}

// Next returns the next response to the in-flight request, blocking
// until one arrives. A server-reported error is returned as a
// *ServerError error after the session has returned to idle; transport
// failures are returned as other error kinds. When the request has
// fully completed, Next returns (nil, nil) and the session is idle.
func (s *Session) Next(ctx context.Context) (Response, error) {
	resp, err := s.NextResponse(ctx)
	if err != nil {
		return nil, err
	}
	if serverErr, ok := resp.(*ServerError); ok {
		return nil, serverErr
	}
	return resp, nil
}

// NextResponse is the non-erroring variant of Next: a server-reported
// error comes back as a *ServerError response value for the caller to
// inspect, and the returned error is reserved for usage and transport
// faults. Code that must not use error control flow for expected server
// errors uses this accessor.
func (s *Session) NextResponse(ctx context.Context) (Response, error) {
	for {
		if resp, done, err := s.finished(); done {
			return resp, err
		}

		msgType, body, err := s.transport.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, s.fail(fmt.Errorf("failed to read message: %w", err))
		}

		resp, err := s.step(msgType, body)
		if err != nil {
			return nil, s.fail(err)
		}
		if resp != nil {
			return resp, nil
		}
	}
}

// PollResponse is the non-blocking variant of NextResponse. ok=false
// means no response is available yet and the caller should poll again
// once its event loop reports the socket readable. When the request has
// fully completed, PollResponse returns (nil, true, nil) and the
// session is idle.
func (s *Session) PollResponse() (resp Response, ok bool, err error) {
	for {
		if resp, done, err := s.finished(); done {
			return resp, true, err
		}

		msgType, body, msgOK, err := s.transport.PollMessage()
		if err != nil {
			return nil, false, s.fail(fmt.Errorf("failed to read message: %w", err))
		}
		if !msgOK {
			return nil, false, nil
		}

		resp, err := s.step(msgType, body)
		if err != nil {
			return nil, false, s.fail(err)
		}
		if resp != nil {
			return resp, true, nil
		}
	}
}

// finished checks for the terminal retrieval states: the request is
// complete (possibly with a held-back server error), or the session
// cannot serve a retrieval at all.
func (s *Session) finished() (Response, bool, error) {
	switch s.status {
	case StatusIdle:
		if e := s.deferredErr; e != nil {
			s.deferredErr = nil
			return e, true, nil
		}
		return nil, true, nil
	case StatusDisconnected, StatusConnecting, StatusFailed:
		return nil, true, ErrNotConnected
	default:
		return nil, false, nil
	}
}

// Exec submits a simple query and drains all its responses, returning
// the last completion. A server error is returned as a *ServerError.
func (s *Session) Exec(ctx context.Context, sql string) (*Completion, error) {
	if err := s.Execute(sql); err != nil {
		return nil, err
	}
	var last *Completion
	for {
		resp, err := s.Next(ctx)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			return last, nil
		}
		if c, ok := resp.(*Completion); ok {
			last = c
		}
	}
}

// Reset restores the session to a pristine state by issuing DISCARD ALL.
func (s *Session) Reset(ctx context.Context) error {
	_, err := s.Exec(ctx, "DISCARD ALL")
	return err
}

// WaitSignal blocks until at least one backend message arrives while
// the session is idle. Only signal-class messages are legal here; they
// are dispatched to handlers or the queue as usual.
func (s *Session) WaitSignal(ctx context.Context) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	msgType, body, err := s.transport.ReadMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.fail(fmt.Errorf("failed to read message: %w", err))
	}
	if err := s.stepIdle(msgType, body); err != nil {
		return s.fail(err)
	}
	return s.PollSignals()
}

// PollSignals consumes any signal messages already buffered on the
// transport without blocking.
func (s *Session) PollSignals() error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	for {
		msgType, body, ok, err := s.transport.PollMessage()
		if err != nil {
			return s.fail(fmt.Errorf("failed to read message: %w", err))
		}
		if !ok {
			return nil
		}
		if err := s.stepIdle(msgType, body); err != nil {
			return s.fail(err)
		}
	}
}

// stepIdle processes a message received outside a request.
func (s *Session) stepIdle(msgType byte, body []byte) error {
	switch msgType {
	case protocol.MsgNoticeResponse, protocol.MsgNotificationResponse, protocol.MsgParameterStatus:
		_, err := s.step(msgType, body)
		return err
	default:
		return fmt.Errorf("unexpected message type while idle: %c (0x%02x)", msgType, msgType)
	}
}

// drain consumes responses until the request completes, dropping rows
// and completions. A server error ends the drain and is returned.
func (s *Session) drain(ctx context.Context) error {
	for {
		resp, err := s.Next(ctx)
		if err != nil {
			return err
		}
		if resp == nil {
			return nil
		}
	}
}

// checkIdle verifies that a command may be submitted right now.
func (s *Session) checkIdle() error {
	switch s.status {
	case StatusIdle:
		return nil
	case StatusDisconnected, StatusConnecting, StatusFailed:
		return ErrNotConnected
	default:
		return ErrNotIdle
	}
}

// beginRequest marks the submission of a command.
func (s *Session) beginRequest() {
	s.status = StatusRequestSent
	s.resultFields = nil
	s.paramDesc = nil
	s.deferredErr = nil
}

// fail transitions the session into the absorbing failed state.
func (s *Session) fail(err error) error {
	if s.status != StatusFailed {
		s.logger.Warn("session failed", "error", err)
		s.status = StatusFailed
		if s.transport != nil {
			_ = s.transport.Close()
		}
	}
	return err
}

// step processes one backend message. It returns a non-nil Response
// when the message is a true response to the in-flight request; signal
// messages are dispatched as a side effect, and a server error is held
// back until the server reports ready.
func (s *Session) step(msgType byte, body []byte) (Response, error) {
	switch msgType {
	case protocol.MsgRowDescription:
		fields, err := parseRowDescription(body)
		if err != nil {
			return nil, err
		}
		s.resultFields = fields
		s.status = StatusResultPending
		return nil, nil

	case protocol.MsgDataRow:
		row, err := parseDataRow(body, s.resultFields)
		if err != nil {
			return nil, err
		}
		s.status = StatusResultAvailable
		return row, nil

	case protocol.MsgCommandComplete:
		completion, err := parseCommandComplete(body)
		if err != nil {
			return nil, err
		}
		s.resultFields = nil
		s.status = StatusRequestSent
		return completion, nil

	case protocol.MsgEmptyQueryResponse:
		s.status = StatusRequestSent
		return &Completion{}, nil

	case protocol.MsgErrorResponse:
		s.deferredErr = &ServerError{Diagnostics: parseDiagnostics(body)}
		s.resultFields = nil
		s.status = StatusResultPending
		return nil, nil

	case protocol.MsgNoticeResponse:
		s.dispatchNotice(&signal.Notice{Diagnostics: parseDiagnostics(body)})
		return nil, nil

	case protocol.MsgNotificationResponse:
		notification, err := parseNotification(body)
		if err != nil {
			return nil, err
		}
		s.dispatchNotification(notification)
		return nil, nil

	case protocol.MsgParameterStatus:
		return nil, s.handleParameterStatus(body)

	case protocol.MsgParameterDescription:
		oids, err := parseParameterDescription(body)
		if err != nil {
			return nil, err
		}
		s.paramDesc = oids
		return nil, nil

	case protocol.MsgReadyForQuery:
		if len(body) < 1 {
			return nil, errors.New("ready for query message too short")
		}
		s.txnStatus = protocol.TransactionStatus(body[0])
		s.status = StatusIdle
		return nil, nil

	case protocol.MsgParseComplete, protocol.MsgBindComplete, protocol.MsgCloseComplete,
		protocol.MsgNoData, protocol.MsgPortalSuspended:
		// Acknowledgements of the extended protocol; not user-visible.
		return nil, nil

	default:
		return nil, fmt.Errorf("unexpected message type: %c (0x%02x)", msgType, msgType)
	}
}

// dispatchNotice delivers a notice to the registered handler or queues
// it.
func (s *Session) dispatchNotice(n *signal.Notice) {
	if s.noticeHandler != nil {
		s.noticeHandler(n)
		return
	}
	s.queue.Push(n)
}

// dispatchNotification delivers a notification to the registered
// handler or queues it.
func (s *Session) dispatchNotification(n *signal.Notification) {
	if s.notificationHandler != nil {
		s.notificationHandler(n)
		return
	}
	s.queue.Push(n)
}

// handleParameterStatus records a ParameterStatus update.
func (s *Session) handleParameterStatus(body []byte) error {
	reader := wire.NewMessageReader(body)
	name, err := reader.ReadString()
	if err != nil {
		return fmt.Errorf("failed to read parameter name: %w", err)
	}
	value, err := reader.ReadString()
	if err != nil {
		return fmt.Errorf("failed to read parameter value: %w", err)
	}
	s.serverParams[name] = value
	return nil
}

// parseParameterDescription parses a ParameterDescription message body.
func parseParameterDescription(body []byte) ([]uint32, error) {
	reader := wire.NewMessageReader(body)
	count, err := reader.ReadInt16()
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter count: %w", err)
	}
	if count < 0 {
		return nil, fmt.Errorf("invalid parameter count: %d", count)
	}
	oids := make([]uint32, count)
	for i := range oids {
		if oids[i], err = reader.ReadUint32(); err != nil {
			return nil, fmt.Errorf("failed to read parameter OID: %w", err)
		}
	}
	return oids, nil
}

// Write helpers for the extended protocol.

func (s *Session) writeParse(name, sql string, paramTypeOIDs []uint32) error {
	w := wire.NewMessageWriter()
	w.WriteString(name)
	w.WriteString(sql)
	w.WriteInt16(int16(len(paramTypeOIDs)))
	for _, oid := range paramTypeOIDs {
		w.WriteUint32(oid)
	}
	return s.transport.WriteMessage(protocol.MsgParse, w.Bytes())
}

func (s *Session) writeBind(portal, stmt string, params []pgdata.Data, resultFormat pgdata.Format) error {
	w := wire.NewMessageWriter()
	w.WriteString(portal)
	w.WriteString(stmt)

	// Per-parameter format codes.
	w.WriteInt16(int16(len(params)))
	for _, p := range params {
		w.WriteInt16(formatCode(p))
	}

	// Parameter values; nil means SQL NULL.
	w.WriteInt16(int16(len(params)))
	for _, p := range params {
		if p == nil {
			w.WriteInt32(-1)
			continue
		}
		w.WriteByteString(p.Bytes())
	}

	// One format code for all result columns.
	w.WriteInt16(1)
	if resultFormat == pgdata.Binary {
		w.WriteInt16(protocol.FormatBinary)
	} else {
		w.WriteInt16(protocol.FormatText)
	}

	return s.transport.WriteMessage(protocol.MsgBind, w.Bytes())
}

// formatCode maps a parameter buffer to its wire format code.
func formatCode(p pgdata.Data) int16 {
	if p != nil && p.Format() == pgdata.Binary {
		return protocol.FormatBinary
	}
	return protocol.FormatText
}

func (s *Session) writeExecuteSync() error {
	w := wire.NewMessageWriter()
	w.WriteString("") // unnamed portal
	w.WriteInt32(0)   // no row limit
	if err := s.transport.WriteMessage(protocol.MsgExecute, w.Bytes()); err != nil {
		return s.fail(fmt.Errorf("failed to send Execute: %w", err))
	}
	return s.writeSyncFlush()
}

func (s *Session) writeSyncFlush() error {
	if err := s.transport.WriteMessage(protocol.MsgSync, nil); err != nil {
		return s.fail(fmt.Errorf("failed to send Sync: %w", err))
	}
	if err := s.transport.Flush(); err != nil {
		return s.fail(fmt.Errorf("failed to flush: %w", err))
	}
	return nil
}
