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

// Package protocol defines PostgreSQL wire protocol constants and types.
package protocol

import "fmt"

// Message type constants for frontend (client) messages
const (
	MsgBind        = 'B' // Bind
	MsgClose       = 'C' // Close
	MsgDescribe    = 'D' // Describe
	MsgExecute     = 'E' // Execute
	MsgFlush       = 'H' // Flush
	MsgParse       = 'P' // Parse
	MsgQuery       = 'Q' // Query (simple query)
	MsgSync        = 'S' // Sync
	MsgTerminate   = 'X' // Terminate
	MsgPasswordMsg = 'p' // Password message (also used for SASL responses)
)

// Message type constants for backend (server) messages
const (
	MsgParseComplete         = '1' // Parse complete
	MsgBindComplete          = '2' // Bind complete
	MsgCloseComplete         = '3' // Close complete
	MsgNotificationResponse  = 'A' // Notification response (NOTIFY)
	MsgCommandComplete       = 'C' // Command complete
	MsgDataRow               = 'D' // Data row
	MsgErrorResponse         = 'E' // Error response
	MsgEmptyQueryResponse    = 'I' // Empty query response
	MsgBackendKeyData        = 'K' // Backend key data
	MsgNoticeResponse        = 'N' // Notice response
	MsgAuthenticationRequest = 'R' // Authentication request
	MsgParameterStatus       = 'S' // Parameter status
	MsgRowDescription        = 'T' // Row description
	MsgReadyForQuery         = 'Z' // Ready for query
	MsgNoData                = 'n' // No data
	MsgPortalSuspended       = 's' // Portal suspended
	MsgParameterDescription  = 't' // Parameter description
)

// Authentication request codes
const (
	AuthOk                = 0  // Authentication successful
	AuthCleartextPassword = 3  // Cleartext password
	AuthMD5Password       = 5  // MD5 password
	AuthSASL              = 10 // SASL authentication
	AuthSASLContinue      = 11 // SASL continue
	AuthSASLFinal         = 12 // SASL final
)

// Error and Notice message field codes
const (
	FieldSeverity         = 'S' // Severity (always present)
	FieldSeverityV        = 'V' // Severity (non-localized, always present)
	FieldCode             = 'C' // SQLSTATE code (always present)
	FieldMessage          = 'M' // Primary message (always present)
	FieldDetail           = 'D' // Detail message
	FieldHint             = 'H' // Hint message
	FieldPosition         = 'P' // Position in query string
	FieldInternalPosition = 'p' // Position in internal query
	FieldInternalQuery    = 'q' // Internal query
	FieldWhere            = 'W' // Context (where the error occurred)
	FieldSchema           = 's' // Schema name
	FieldTable            = 't' // Table name
	FieldColumn           = 'c' // Column name
	FieldDataType         = 'd' // Data type name
	FieldConstraint       = 'n' // Constraint name
	FieldFile             = 'F' // Source file name
	FieldLine             = 'L' // Source line number
	FieldRoutine          = 'R' // Source routine name
)

// TransactionStatus represents the transaction state sent in ReadyForQuery messages.
type TransactionStatus byte

// Transaction status indicators for ReadyForQuery
const (
	TxnStatusIdle    TransactionStatus = 'I' // Idle (not in transaction)
	TxnStatusInBlock TransactionStatus = 'T' // In transaction block
	TxnStatusFailed  TransactionStatus = 'E' // In failed transaction block
)

// Format codes for data values
const (
	FormatText   = 0 // Text format
	FormatBinary = 1 // Binary format
)

// Protocol version
const (
	ProtocolVersionMajor  = 3
	ProtocolVersionMinor  = 0
	ProtocolVersionNumber = (ProtocolVersionMajor << 16) | ProtocolVersionMinor
)

// Special protocol version codes
const (
	CancelRequestCode = (1234 << 16) | 5678 // Cancel request code
	SSLRequestCode    = (1234 << 16) | 5679 // SSL negotiation request code
)

// Packet length constants
const (
	MaxStartupPacketLength = 10000 // Maximum startup packet length
	PacketHeaderSize       = 4     // Size of packet length field (does not include message type byte)
)

// ProtocolVersion represents a frontend/backend protocol version number.
type ProtocolVersion uint32

// NewProtocolVersion creates a protocol version from major and minor numbers.
func NewProtocolVersion(major, minor uint16) ProtocolVersion {
	return ProtocolVersion((uint32(major) << 16) | uint32(minor))
}

// Major returns the major version number.
func (v ProtocolVersion) Major() uint16 {
	return uint16(v >> 16)
}

// Minor returns the minor version number.
func (v ProtocolVersion) Minor() uint16 {
	return uint16(v & 0xFFFF)
}

// String returns a string representation of the protocol version.
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// IsSupported returns true if this protocol version is supported.
// Currently only protocol 3.0 is supported.
func (v ProtocolVersion) IsSupported() bool {
	return v == ProtocolVersionNumber
}
