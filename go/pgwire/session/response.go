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

package session

import (
	"fmt"
	"strconv"

	"github.com/pgfleet/pgfleet/go/pgwire/pgdata"
	"github.com/pgfleet/pgfleet/go/pgwire/protocol"
	"github.com/pgfleet/pgfleet/go/pgwire/signal"
	"github.com/pgfleet/pgfleet/go/pgwire/wire"
)

// Response is one server answer to a submitted command: a *Row, a
// *Completion, or a *ServerError.
type Response interface {
	isResponse()
}

// Field describes one column of a result set.
type Field struct {
	// Name is the column name.
	Name string

	// TableOID is the OID of the originating table, or 0.
	TableOID uint32

	// AttributeNumber is the attribute number in the originating table,
	// or 0.
	AttributeNumber int16

	// TypeOID is the OID of the column data type.
	TypeOID uint32

	// TypeSize is the pg_type.typlen of the data type.
	TypeSize int16

	// TypeModifier is the type-specific modifier.
	TypeModifier int32

	// Format is the wire format of the values in this column.
	Format pgdata.Format
}

// Row is one data row of a result set. Its values are borrowed views
// into the transport's receive storage; they are valid until the caller
// advances past the row's result set or closes the session. Use
// pgdata.Data.ToData to keep a value longer.
type Row struct {
	fields []Field
	values []pgdata.Data
}

func (*Row) isResponse() {}

// FieldCount returns the number of columns.
func (r *Row) FieldCount() int {
	return len(r.values)
}

// Field returns the description of column i.
func (r *Row) Field(i int) Field {
	return r.fields[i]
}

// FieldIndex returns the index of the column with the given name, or -1.
func (r *Row) FieldIndex(name string) int {
	for i := range r.fields {
		if r.fields[i].Name == name {
			return i
		}
	}
	return -1
}

// IsNull reports whether column i is SQL NULL.
func (r *Row) IsNull(i int) bool {
	return r.values[i] == nil
}

// Value returns the value of column i as a borrowed buffer, or nil for
// SQL NULL.
func (r *Row) Value(i int) pgdata.Data {
	return r.values[i]
}

// Materialize returns a copy of the row whose values are owning buffers
// independent of the transport storage.
func (r *Row) Materialize() *Row {
	values := make([]pgdata.Data, len(r.values))
	for i, v := range r.values {
		if v != nil {
			values[i] = v.ToData()
		}
	}
	return &Row{fields: r.fields, values: values}
}

// Completion reports the successful completion of a command.
type Completion struct {
	// Tag is the server command tag, e.g. "SELECT 5" or "INSERT 0 1".
	Tag string

	// RowsAffected is the row count parsed from the tag, or 0 when the
	// tag carries none.
	RowsAffected uint64
}

func (*Completion) isResponse() {}

// OperationName returns the tag without its trailing counters, e.g.
// "INSERT" for "INSERT 0 1".
func (c *Completion) OperationName() string {
	for i := 0; i < len(c.Tag); i++ {
		if c.Tag[i] == ' ' && i+1 < len(c.Tag) && c.Tag[i+1] >= '0' && c.Tag[i+1] <= '9' {
			return c.Tag[:i]
		}
	}
	return c.Tag
}

// ServerError is a valid error response from the server. The session
// remains usable after receiving one; this distinguishes it from
// transport failure.
type ServerError struct {
	signal.Diagnostics
}

func (*ServerError) isResponse() {}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (SQLSTATE %s)\nDETAIL: %s", e.Severity, e.Message, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s: %s (SQLSTATE %s)", e.Severity, e.Message, e.Code)
}

// IsSQLState checks if the error has the given SQLSTATE code.
func (e *ServerError) IsSQLState(code string) bool {
	return e.Code == code
}

// parseDiagnostics parses the field list shared by ErrorResponse and
// NoticeResponse messages.
func parseDiagnostics(body []byte) signal.Diagnostics {
	reader := wire.NewMessageReader(body)

	var d signal.Diagnostics
	for reader.Remaining() > 0 {
		fieldType, err := reader.ReadByte()
		if err != nil || fieldType == 0 {
			break
		}
		value, err := reader.ReadString()
		if err != nil {
			break
		}

		switch fieldType {
		case protocol.FieldSeverity:
			d.Severity = value
		case protocol.FieldSeverityV:
			d.SeverityNonLocalized = value
		case protocol.FieldCode:
			d.Code = value
		case protocol.FieldMessage:
			d.Message = value
		case protocol.FieldDetail:
			d.Detail = value
		case protocol.FieldHint:
			d.Hint = value
		case protocol.FieldPosition:
			d.Position, _ = strconv.Atoi(value)
		case protocol.FieldInternalPosition:
			d.InternalPosition, _ = strconv.Atoi(value)
		case protocol.FieldInternalQuery:
			d.InternalQuery = value
		case protocol.FieldWhere:
			d.Where = value
		case protocol.FieldSchema:
			d.SchemaName = value
		case protocol.FieldTable:
			d.TableName = value
		case protocol.FieldColumn:
			d.ColumnName = value
		case protocol.FieldDataType:
			d.DataTypeName = value
		case protocol.FieldConstraint:
			d.ConstraintName = value
		case protocol.FieldFile:
			d.SourceFile = value
		case protocol.FieldLine:
			d.SourceLine = value
		case protocol.FieldRoutine:
			d.SourceRoutine = value
		}
	}
	return d
}

// parseRowDescription parses a RowDescription message body.
func parseRowDescription(body []byte) ([]Field, error) {
	reader := wire.NewMessageReader(body)

	fieldCount, err := reader.ReadInt16()
	if err != nil {
		return nil, fmt.Errorf("failed to read field count: %w", err)
	}
	if fieldCount < 0 {
		return nil, fmt.Errorf("invalid field count: %d", fieldCount)
	}

	fields := make([]Field, fieldCount)
	for i := range fields {
		f := &fields[i]

		if f.Name, err = reader.ReadString(); err != nil {
			return nil, fmt.Errorf("failed to read field name: %w", err)
		}
		if f.TableOID, err = reader.ReadUint32(); err != nil {
			return nil, fmt.Errorf("failed to read table OID: %w", err)
		}
		if f.AttributeNumber, err = reader.ReadInt16(); err != nil {
			return nil, fmt.Errorf("failed to read attribute number: %w", err)
		}
		if f.TypeOID, err = reader.ReadUint32(); err != nil {
			return nil, fmt.Errorf("failed to read data type OID: %w", err)
		}
		if f.TypeSize, err = reader.ReadInt16(); err != nil {
			return nil, fmt.Errorf("failed to read data type size: %w", err)
		}
		if f.TypeModifier, err = reader.ReadInt32(); err != nil {
			return nil, fmt.Errorf("failed to read type modifier: %w", err)
		}
		formatCode, err := reader.ReadInt16()
		if err != nil {
			return nil, fmt.Errorf("failed to read format code: %w", err)
		}
		if formatCode == protocol.FormatBinary {
			f.Format = pgdata.Binary
		} else {
			f.Format = pgdata.Text
		}
	}
	return fields, nil
}

// parseDataRow parses a DataRow message body into a Row of borrowed
// views aliasing the message storage.
func parseDataRow(body []byte, fields []Field) (*Row, error) {
	reader := wire.NewMessageReader(body)

	columnCount, err := reader.ReadInt16()
	if err != nil {
		return nil, fmt.Errorf("failed to read column count: %w", err)
	}
	if columnCount < 0 {
		return nil, fmt.Errorf("invalid column count: %d", columnCount)
	}

	row := &Row{
		fields: fields,
		values: make([]pgdata.Data, columnCount),
	}
	for i := range row.values {
		value, err := reader.ReadByteString()
		if err != nil {
			return nil, fmt.Errorf("failed to read column value: %w", err)
		}
		if value == nil {
			continue // SQL NULL
		}
		format := pgdata.Text
		if i < len(fields) {
			format = fields[i].Format
		}
		row.values[i] = pgdata.View(value, format)
	}
	return row, nil
}

// parseCommandComplete parses a CommandComplete message body.
func parseCommandComplete(body []byte) (*Completion, error) {
	reader := wire.NewMessageReader(body)
	tag, err := reader.ReadString()
	if err != nil {
		return nil, fmt.Errorf("failed to read command tag: %w", err)
	}
	return &Completion{Tag: tag, RowsAffected: parseRowsAffected(tag)}, nil
}

// parseRowsAffected extracts the trailing row count from a command tag.
func parseRowsAffected(tag string) uint64 {
	// Command tags look like "SELECT 5", "INSERT 0 1", "UPDATE 10",
	// "CREATE TABLE". The count, when present, is the last
	// space-separated number.
	var count uint64
	var num uint64
	inNumber := false

	for i := len(tag) - 1; i >= 0; i-- {
		c := tag[i]
		if c >= '0' && c <= '9' {
			if !inNumber {
				inNumber = true
				count = 0
				num = 1
			}
			count += uint64(c-'0') * num
			num *= 10
		} else if c == ' ' {
			if inNumber {
				return count
			}
		} else {
			break
		}
	}

	if inNumber {
		return count
	}
	return 0
}

// parseNotification parses a NotificationResponse message body.
func parseNotification(body []byte) (*signal.Notification, error) {
	reader := wire.NewMessageReader(body)

	pid, err := reader.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("failed to read notifying PID: %w", err)
	}
	channel, err := reader.ReadString()
	if err != nil {
		return nil, fmt.Errorf("failed to read channel name: %w", err)
	}
	payload, err := reader.ReadString()
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	return &signal.Notification{
		Channel:   channel,
		Payload:   pgdata.NewString(payload, pgdata.Text),
		ServerPID: pid,
	}, nil
}
