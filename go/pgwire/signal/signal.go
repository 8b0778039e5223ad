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

// Package signal defines server-originated messages that are not direct
// answers to the current request: advisory notices and asynchronous
// notifications, plus the per-connection queue that holds them when no
// handler is registered.
package signal

import "github.com/pgfleet/pgfleet/go/pgwire/pgdata"

// Diagnostics is the field set of an error or notice report from the
// server. Only Severity, Code and Message are always present.
type Diagnostics struct {
	// Severity is the localized severity (ERROR, WARNING, NOTICE, ...).
	Severity string

	// SeverityNonLocalized is the non-localized severity. Empty when
	// talking to servers older than 9.6.
	SeverityNonLocalized string

	// Code is the SQLSTATE code.
	Code string

	// Message is the primary human-readable message, typically one line.
	Message string

	// Detail carries an optional secondary message with more detail.
	Detail string

	// Hint is an optional suggestion what to do about the problem.
	Hint string

	// Position is the 1-based character position in the submitted query
	// string, or 0.
	Position int

	// InternalPosition is like Position but refers to an internally
	// generated query.
	InternalPosition int

	// InternalQuery is the text of the failed internally generated query.
	InternalQuery string

	// Where is the context in which the problem occurred.
	Where string

	// SchemaName, TableName, ColumnName, DataTypeName and ConstraintName
	// identify the object the report is about, when applicable.
	SchemaName     string
	TableName      string
	ColumnName     string
	DataTypeName   string
	ConstraintName string

	// SourceFile, SourceLine and SourceRoutine locate the report in the
	// server source.
	SourceFile    string
	SourceLine    string
	SourceRoutine string
}

// Signal is a server-originated message delivered outside the
// request/response exchange.
type Signal interface {
	isSignal()
}

// Notice is an advisory message from the server.
type Notice struct {
	Diagnostics
}

func (*Notice) isSignal() {}

// Notification is an asynchronous notification delivered in response to
// LISTEN.
type Notification struct {
	// Channel is the notification channel name.
	Channel string

	// Payload is the notification payload. It is an owning text buffer
	// and may be empty.
	Payload pgdata.Data

	// ServerPID is the process ID of the notifying backend.
	ServerPID uint32
}

func (*Notification) isSignal() {}

// Queue is a FIFO of signals the connection received and nobody handled.
// It grows without bound; draining it is the caller's responsibility.
// Queue is not safe for concurrent use, matching the connection that
// owns it.
type Queue struct {
	signals []Signal
}

// Push appends a signal to the queue.
func (q *Queue) Push(s Signal) {
	q.signals = append(q.signals, s)
}

// Len returns the number of queued signals.
func (q *Queue) Len() int {
	return len(q.signals)
}

// Pop removes and returns the oldest signal, or nil if the queue is
// empty.
func (q *Queue) Pop() Signal {
	if len(q.signals) == 0 {
		return nil
	}
	s := q.signals[0]
	q.signals = q.signals[1:]
	return s
}

// PopNotice removes and returns the oldest queued notice, or nil.
func (q *Queue) PopNotice() *Notice {
	for i, s := range q.signals {
		if n, ok := s.(*Notice); ok {
			q.signals = append(q.signals[:i], q.signals[i+1:]...)
			return n
		}
	}
	return nil
}

// PopNotification removes and returns the oldest queued notification, or
// nil.
func (q *Queue) PopNotification() *Notification {
	for i, s := range q.signals {
		if n, ok := s.(*Notification); ok {
			q.signals = append(q.signals[:i], q.signals[i+1:]...)
			return n
		}
	}
	return nil
}

// Clear discards all queued signals.
func (q *Queue) Clear() {
	q.signals = nil
}
