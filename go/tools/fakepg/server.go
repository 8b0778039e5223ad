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

// Package fakepg provides a scriptable fake PostgreSQL server for
// tests. It speaks the real wire protocol over a loopback TCP listener
// so that clients exercise their full read and write paths, while
// results, errors, notices and notifications are scripted per query.
package fakepg

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pgfleet/pgfleet/go/pgwire/protocol"
	"github.com/pgfleet/pgfleet/go/pgwire/wire"
)

// ErrorSpec scripts an ErrorResponse.
type ErrorSpec struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
}

// NoticeSpec scripts a NoticeResponse sent before a query's result.
type NoticeSpec struct {
	Severity string
	Code     string
	Message  string
}

// NotificationSpec scripts a NotificationResponse sent before a query's
// result.
type NotificationSpec struct {
	Channel string
	Payload string
	PID     uint32
}

// Result scripts the server's response to one query. With Error set the
// result is an ErrorResponse; otherwise Columns/Rows produce a result
// set (or a bare CommandComplete when Columns is empty).
type Result struct {
	Columns []string

	// Rows holds the row values as text; nil cells are sent as NULL.
	Rows [][]*string

	// Tag is the command tag. Defaults to "SELECT <len(Rows)>".
	Tag string

	Error *ErrorSpec

	// Notices and Notifications are sent before the result, in order.
	Notices       []NoticeSpec
	Notifications []NotificationSpec
}

// Server is a fake PostgreSQL server for tests. All methods are safe
// for concurrent use.
type Server struct {
	t        testing.TB
	listener net.Listener
	wg       sync.WaitGroup
	closed   atomic.Bool

	mu       sync.Mutex
	scripts  map[string][]*Result
	conns    map[*serverConn]struct{}
	querylog []string
	nextPID  uint32
}

// New starts a fake server on a loopback port and registers its
// shutdown with t.Cleanup.
func New(t testing.TB) *Server {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakepg: failed to listen: %v", err)
	}
	s := &Server{
		t:        t,
		listener: listener,
		scripts:  make(map[string][]*Result),
		conns:    make(map[*serverConn]struct{}),
		nextPID:  4000,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// HostPort returns the listen host and port separately.
func (s *Server) HostPort() (string, int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// AddQuery scripts the response to a query. Matching is exact after
// lowercasing. Scripting the same query again replaces the script.
func (s *Server) AddQuery(query string, result *Result) {
	s.AddScript(query, []*Result{result})
}

// AddScript scripts a multi-result response to a query, one Result per
// result set.
func (s *Server) AddScript(query string, results []*Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[strings.ToLower(query)] = results
}

// AddError scripts an error response to a query.
func (s *Server) AddError(query string, spec *ErrorSpec) {
	s.AddQuery(query, &Result{Error: spec})
}

// NotifyAll sends a NotificationResponse to every connection that has
// executed LISTEN on the channel, as if another backend had run NOTIFY.
func (s *Server) NotifyAll(channel, payload string) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		if _, ok := c.listens[channel]; ok {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.sendNotification(NotificationSpec{Channel: channel, Payload: payload, PID: c.pid})
	}
}

// Close stops the listener and all connections.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.nextPID++
		c := &serverConn{server: s, conn: conn, pid: s.nextPID, listens: make(map[string]struct{})}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) lookup(query string) []*Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scripts[strings.ToLower(query)]
}

// QueryCalledNum returns how many times a query was executed.
func (s *Server) QueryCalledNum(query string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.querylog {
		if q == strings.ToLower(query) {
			n++
		}
	}
	return n
}

func (s *Server) logQuery(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.querylog = append(s.querylog, strings.ToLower(query))
}

// serverConn is one accepted client connection.
type serverConn struct {
	server *Server
	conn   net.Conn
	pid    uint32

	// writeMu serializes frames so NotifyAll never interleaves with a
	// response in progress.
	writeMu sync.Mutex

	// preparedStmts maps statement name to its SQL.
	preparedStmts map[string]string

	// boundPortal is the SQL of the portal bound by the last Bind.
	boundPortal string

	// listens holds the channels this connection subscribed to with
	// LISTEN. Guarded by server.mu since NotifyAll reads it.
	listens map[string]struct{}

	txnStatus protocol.TransactionStatus
}

func (c *serverConn) serve() {
	defer c.conn.Close()
	c.preparedStmts = make(map[string]string)
	c.txnStatus = protocol.TxnStatusIdle

	if err := c.handleStartup(); err != nil {
		return
	}
	for {
		msgType, body, err := c.readMessage()
		if err != nil {
			return
		}
		switch msgType {
		case protocol.MsgQuery:
			c.handleQuery(body)
		case protocol.MsgParse:
			c.handleParse(body)
		case protocol.MsgBind:
			c.handleBind(body)
		case protocol.MsgDescribe:
			c.handleDescribe(body)
		case protocol.MsgExecute:
			c.handleExecute(body)
		case protocol.MsgClose:
			c.writeMessage(protocol.MsgCloseComplete, nil)
		case protocol.MsgFlush:
			// Frames are written unbuffered; nothing to do.
		case protocol.MsgSync:
			c.sendReady()
		case protocol.MsgTerminate:
			return
		default:
			c.server.t.Errorf("fakepg: unexpected frontend message: %c", msgType)
			return
		}
	}
}

// handleStartup performs a trust-auth startup: any user is let in.
func (c *serverConn) handleStartup() error {
	body, err := c.readStartupPacket()
	if err != nil {
		return err
	}

	// Refuse SSL, accept a retried plain startup.
	if len(body) == 4 && binary.BigEndian.Uint32(body) == protocol.SSLRequestCode {
		if _, err := c.conn.Write([]byte{'N'}); err != nil {
			return err
		}
		if body, err = c.readStartupPacket(); err != nil {
			return err
		}
	}

	if len(body) < 4 || binary.BigEndian.Uint32(body) != protocol.ProtocolVersionNumber {
		return fmt.Errorf("unsupported protocol version")
	}

	authOk := wire.NewMessageWriter()
	authOk.WriteInt32(protocol.AuthOk)
	c.writeMessage(protocol.MsgAuthenticationRequest, authOk.Bytes())

	for name, value := range map[string]string{
		"server_version":  "16.0 (fakepg)",
		"client_encoding": "UTF8",
	} {
		w := wire.NewMessageWriter()
		w.WriteString(name)
		w.WriteString(value)
		c.writeMessage(protocol.MsgParameterStatus, w.Bytes())
	}

	keyData := wire.NewMessageWriter()
	keyData.WriteUint32(c.pid)
	keyData.WriteUint32(0xfa4e)
	c.writeMessage(protocol.MsgBackendKeyData, keyData.Bytes())

	c.sendReady()
	return nil
}

func (c *serverConn) handleQuery(body []byte) {
	reader := wire.NewMessageReader(body)
	query, err := reader.ReadString()
	if err != nil {
		c.server.t.Errorf("fakepg: bad Query message: %v", err)
		return
	}

	c.server.logQuery(query)
	c.trackListen(query)

	results := c.server.lookup(query)
	if results == nil {
		if builtin := builtinResult(query); builtin != nil {
			results = []*Result{builtin}
		} else {
			c.server.t.Errorf("fakepg: query not scripted: %q", query)
			results = []*Result{{Error: &ErrorSpec{
				Code:    "42601",
				Message: fmt.Sprintf("fakepg: query not scripted: %s", query),
			}}}
		}
	}

	for _, result := range results {
		c.sendResult(result, true)
		if result.Error != nil {
			break
		}
	}
	c.sendReady()
}

func (c *serverConn) handleParse(body []byte) {
	reader := wire.NewMessageReader(body)
	name, err := reader.ReadString()
	if err != nil {
		c.server.t.Errorf("fakepg: bad Parse message: %v", err)
		return
	}
	sql, err := reader.ReadString()
	if err != nil {
		c.server.t.Errorf("fakepg: bad Parse message: %v", err)
		return
	}
	c.preparedStmts[name] = sql
	c.writeMessage(protocol.MsgParseComplete, nil)
}

func (c *serverConn) handleBind(body []byte) {
	reader := wire.NewMessageReader(body)
	if _, err := reader.ReadString(); err != nil { // portal name
		c.server.t.Errorf("fakepg: bad Bind message: %v", err)
		return
	}
	stmt, err := reader.ReadString()
	if err != nil {
		c.server.t.Errorf("fakepg: bad Bind message: %v", err)
		return
	}
	c.boundPortal = c.preparedStmts[stmt]
	c.writeMessage(protocol.MsgBindComplete, nil)
}

func (c *serverConn) handleDescribe(body []byte) {
	reader := wire.NewMessageReader(body)
	typ, err := reader.ReadByte()
	if err != nil {
		c.server.t.Errorf("fakepg: bad Describe message: %v", err)
		return
	}
	name, err := reader.ReadString()
	if err != nil {
		c.server.t.Errorf("fakepg: bad Describe message: %v", err)
		return
	}

	sql := c.boundPortal
	if typ == 'S' {
		sql = c.preparedStmts[name]
		// Statement describe also reports parameter types; we claim
		// none since the script does not model them.
		params := wire.NewMessageWriter()
		params.WriteInt16(0)
		c.writeMessage(protocol.MsgParameterDescription, params.Bytes())
	}

	results := c.server.lookup(sql)
	if len(results) == 0 || len(results[0].Columns) == 0 {
		c.writeMessage(protocol.MsgNoData, nil)
		return
	}
	c.writeRowDescription(results[0].Columns)
}

func (c *serverConn) handleExecute(body []byte) {
	results := c.server.lookup(c.boundPortal)
	if results == nil {
		c.server.t.Errorf("fakepg: executed statement not scripted: %q", c.boundPortal)
		results = []*Result{{Error: &ErrorSpec{
			Code:    "26000",
			Message: fmt.Sprintf("fakepg: statement not scripted: %s", c.boundPortal),
		}}}
	}
	// Row description was already sent by Describe, if any.
	c.sendResult(results[0], false)
}

// sendResult writes one scripted result. withDescription controls
// whether a RowDescription precedes the rows (simple query yes,
// extended Execute no).
func (c *serverConn) sendResult(result *Result, withDescription bool) {
	for _, notice := range result.Notices {
		c.sendNotice(notice)
	}
	for _, notification := range result.Notifications {
		c.sendNotification(notification)
	}

	if result.Error != nil {
		c.sendError(result.Error)
		c.txnStatus = protocol.TxnStatusIdle
		return
	}

	if len(result.Columns) > 0 {
		if withDescription {
			c.writeRowDescription(result.Columns)
		}
		for _, row := range result.Rows {
			c.writeDataRow(row)
		}
	}

	tag := result.Tag
	if tag == "" {
		tag = fmt.Sprintf("SELECT %d", len(result.Rows))
	}
	c.trackTxn(tag)

	w := wire.NewMessageWriter()
	w.WriteString(tag)
	c.writeMessage(protocol.MsgCommandComplete, w.Bytes())
}

// trackListen records LISTEN subscriptions so NotifyAll can target
// them. Both bare and double-quoted channel names are understood.
func (c *serverConn) trackListen(query string) {
	q := strings.TrimRight(strings.TrimSpace(query), ";")
	rest, ok := cutPrefixFold(q, "LISTEN ")
	if !ok {
		return
	}
	channel := strings.TrimSpace(rest)
	if len(channel) >= 2 && channel[0] == '"' && channel[len(channel)-1] == '"' {
		channel = strings.ReplaceAll(channel[1:len(channel)-1], `""`, `"`)
	}
	c.server.mu.Lock()
	c.listens[channel] = struct{}{}
	c.server.mu.Unlock()
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func (c *serverConn) trackTxn(tag string) {
	switch tag {
	case "BEGIN":
		c.txnStatus = protocol.TxnStatusInBlock
	case "COMMIT", "ROLLBACK":
		c.txnStatus = protocol.TxnStatusIdle
	}
}

func (c *serverConn) sendReady() {
	c.writeMessage(protocol.MsgReadyForQuery, []byte{byte(c.txnStatus)})
}

func (c *serverConn) sendError(spec *ErrorSpec) {
	severity := spec.Severity
	if severity == "" {
		severity = "ERROR"
	}
	w := wire.NewMessageWriter()
	w.WriteByte(protocol.FieldSeverity)
	w.WriteString(severity)
	w.WriteByte(protocol.FieldSeverityV)
	w.WriteString(severity)
	w.WriteByte(protocol.FieldCode)
	w.WriteString(spec.Code)
	w.WriteByte(protocol.FieldMessage)
	w.WriteString(spec.Message)
	if spec.Detail != "" {
		w.WriteByte(protocol.FieldDetail)
		w.WriteString(spec.Detail)
	}
	if spec.Hint != "" {
		w.WriteByte(protocol.FieldHint)
		w.WriteString(spec.Hint)
	}
	w.WriteByte(0)
	c.writeMessage(protocol.MsgErrorResponse, w.Bytes())
}

func (c *serverConn) sendNotice(spec NoticeSpec) {
	severity := spec.Severity
	if severity == "" {
		severity = "NOTICE"
	}
	code := spec.Code
	if code == "" {
		code = "00000"
	}
	w := wire.NewMessageWriter()
	w.WriteByte(protocol.FieldSeverity)
	w.WriteString(severity)
	w.WriteByte(protocol.FieldSeverityV)
	w.WriteString(severity)
	w.WriteByte(protocol.FieldCode)
	w.WriteString(code)
	w.WriteByte(protocol.FieldMessage)
	w.WriteString(spec.Message)
	w.WriteByte(0)
	c.writeMessage(protocol.MsgNoticeResponse, w.Bytes())
}

func (c *serverConn) sendNotification(spec NotificationSpec) {
	pid := spec.PID
	if pid == 0 {
		pid = c.pid
	}
	w := wire.NewMessageWriter()
	w.WriteUint32(pid)
	w.WriteString(spec.Channel)
	w.WriteString(spec.Payload)
	c.writeMessage(protocol.MsgNotificationResponse, w.Bytes())
}

func (c *serverConn) writeRowDescription(columns []string) {
	w := wire.NewMessageWriter()
	w.WriteInt16(int16(len(columns)))
	for i, name := range columns {
		w.WriteString(name)
		w.WriteUint32(0)            // table OID
		w.WriteInt16(int16(i + 1))  // attribute number
		w.WriteUint32(25)           // text OID
		w.WriteInt16(-1)            // variable size
		w.WriteInt32(-1)            // type modifier
		w.WriteInt16(protocol.FormatText)
	}
	c.writeMessage(protocol.MsgRowDescription, w.Bytes())
}

func (c *serverConn) writeDataRow(row []*string) {
	w := wire.NewMessageWriter()
	w.WriteInt16(int16(len(row)))
	for _, cell := range row {
		if cell == nil {
			w.WriteInt32(-1)
			continue
		}
		w.WriteByteString([]byte(*cell))
	}
	c.writeMessage(protocol.MsgDataRow, w.Bytes())
}

// builtinResult covers session housekeeping queries every test would
// otherwise have to script.
func builtinResult(query string) *Result {
	switch strings.ToUpper(strings.TrimRight(strings.TrimSpace(query), ";")) {
	case "DISCARD ALL":
		return &Result{Tag: "DISCARD ALL"}
	default:
		return nil
	}
}

// Wire plumbing.

func (c *serverConn) readStartupPacket() ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length < 4 || length > protocol.MaxStartupPacketLength {
		return nil, fmt.Errorf("bad startup packet length: %d", length)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *serverConn) readMessage() (byte, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length < 4 {
		return 0, nil, fmt.Errorf("bad message length: %d", length)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return 0, nil, err
	}
	return header[0], body, nil
}

func (c *serverConn) writeMessage(msgType byte, body []byte) {
	frame := make([]byte, 0, 5+len(body))
	frame = append(frame, msgType)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)+4))
	frame = append(frame, body...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame); err != nil && !c.server.closed.Load() {
		c.server.t.Logf("fakepg: write failed: %v", err)
	}
}
