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

package pgdata

import (
	"encoding/hex"
	"fmt"
)

// UnescapeBytea decodes the textual representation of a bytea value as
// produced by the server and returns an owning binary buffer.
//
// Both output formats of the server are supported: the hex format
// ("\x0a0b…") and the legacy escape format ("\\" for a backslash, "\nnn"
// octal escapes, other bytes verbatim).
func UnescapeBytea(text []byte) (Data, error) {
	if len(text) >= 2 && text[0] == '\\' && text[1] == 'x' {
		decoded := make([]byte, hex.DecodedLen(len(text)-2))
		n, err := hex.Decode(decoded, text[2:])
		if err != nil {
			return nil, fmt.Errorf("malformed hex bytea: %w", err)
		}
		return Adopt(decoded[:n], Binary), nil
	}
	return unescapeByteaLegacy(text)
}

// ToBytea decodes a text-format buffer holding an escaped bytea
// representation into a binary owning buffer.
func ToBytea(d Data) (Data, error) {
	if d.Format() != Text {
		return nil, fmt.Errorf("bytea decode requires text format, have %s", d.Format())
	}
	return UnescapeBytea(d.Bytes())
}

// unescapeByteaLegacy decodes the pre-9.0 escape format.
func unescapeByteaLegacy(text []byte) (Data, error) {
	decoded := make([]byte, 0, len(text))
	for i := 0; i < len(text); {
		if text[i] != '\\' {
			decoded = append(decoded, text[i])
			i++
			continue
		}
		if i+1 < len(text) && text[i+1] == '\\' {
			decoded = append(decoded, '\\')
			i += 2
			continue
		}
		if i+3 >= len(text) {
			return nil, fmt.Errorf("truncated bytea escape sequence at offset %d", i)
		}
		b, ok := octalByte(text[i+1], text[i+2], text[i+3])
		if !ok {
			return nil, fmt.Errorf("malformed bytea escape sequence at offset %d", i)
		}
		decoded = append(decoded, b)
		i += 4
	}
	return Adopt(decoded, Binary), nil
}

// octalByte decodes a three-digit octal escape.
func octalByte(d1, d2, d3 byte) (byte, bool) {
	if d1 < '0' || d1 > '3' || d2 < '0' || d2 > '7' || d3 < '0' || d3 > '7' {
		return 0, false
	}
	return (d1-'0')<<6 | (d2-'0')<<3 | (d3 - '0'), true
}
