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
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/pgfleet/pgfleet/go/pgwire/protocol"
	"github.com/pgfleet/pgfleet/go/pgwire/signal"
	"github.com/pgfleet/pgfleet/go/pgwire/wire"
)

// processStartupMessage advances the handshake by one backend message.
// It is shared by the blocking Connect and the polled PollConnect paths.
// done=true means the server reported ready and the session is idle.
func (s *Session) processStartupMessage(msgType byte, body []byte) (done bool, err error) {
	switch msgType {
	case protocol.MsgAuthenticationRequest:
		return false, s.processAuthRequest(body)

	case protocol.MsgBackendKeyData:
		reader := wire.NewMessageReader(body)
		if s.processID, err = reader.ReadUint32(); err != nil {
			return false, fmt.Errorf("failed to read process ID: %w", err)
		}
		if s.secretKey, err = reader.ReadUint32(); err != nil {
			return false, fmt.Errorf("failed to read secret key: %w", err)
		}
		return false, nil

	case protocol.MsgParameterStatus:
		return false, s.handleParameterStatus(body)

	case protocol.MsgNoticeResponse:
		s.dispatchNotice(&signal.Notice{Diagnostics: parseDiagnostics(body)})
		return false, nil

	case protocol.MsgErrorResponse:
		// The server closes the connection after a startup error, so
		// this is terminal.
		return false, &ServerError{Diagnostics: parseDiagnostics(body)}

	case protocol.MsgReadyForQuery:
		if len(body) < 1 {
			return false, fmt.Errorf("ready for query message too short")
		}
		s.txnStatus = protocol.TransactionStatus(body[0])
		s.status = StatusIdle
		s.scram = nil
		s.logger.Debug("session established",
			"user", s.config.User,
			"database", s.config.Database,
			"backend_pid", s.processID)
		return true, nil

	default:
		return false, fmt.Errorf("unexpected message during startup: %c (0x%02x)", msgType, msgType)
	}
}

// processAuthRequest handles one AuthenticationRequest message.
func (s *Session) processAuthRequest(body []byte) error {
	reader := wire.NewMessageReader(body)
	authType, err := reader.ReadInt32()
	if err != nil {
		return fmt.Errorf("failed to read auth type: %w", err)
	}

	switch authType {
	case protocol.AuthOk:
		return nil

	case protocol.AuthCleartextPassword:
		w := wire.NewMessageWriter()
		w.WriteString(s.config.Password)
		return s.sendAuthResponse(w.Bytes())

	case protocol.AuthMD5Password:
		salt, err := reader.ReadBytes(4)
		if err != nil {
			return fmt.Errorf("failed to read MD5 salt: %w", err)
		}
		w := wire.NewMessageWriter()
		w.WriteString(md5Password(s.config.User, s.config.Password, salt))
		return s.sendAuthResponse(w.Bytes())

	case protocol.AuthSASL:
		// The remaining body lists supported mechanisms; we only speak
		// SCRAM-SHA-256 without channel binding.
		if err := s.requireSASLMechanism(reader); err != nil {
			return err
		}
		s.scram = newScramClient(s.config.User, s.config.Password)
		first, err := s.scram.clientFirst()
		if err != nil {
			return err
		}
		return s.sendAuthResponse(first)

	case protocol.AuthSASLContinue:
		if s.scram == nil {
			return fmt.Errorf("unexpected SASL continuation")
		}
		serverFirst, err := reader.ReadBytes(reader.Remaining())
		if err != nil {
			return fmt.Errorf("failed to read server data: %w", err)
		}
		final, err := s.scram.clientFinal(serverFirst)
		if err != nil {
			return err
		}
		return s.sendAuthResponse(final)

	case protocol.AuthSASLFinal:
		if s.scram == nil {
			return fmt.Errorf("unexpected SASL final message")
		}
		serverFinal, err := reader.ReadBytes(reader.Remaining())
		if err != nil {
			return fmt.Errorf("failed to read server final data: %w", err)
		}
		return s.scram.verifyServerFinal(serverFinal)

	default:
		return fmt.Errorf("unsupported authentication method: %d", authType)
	}
}

// requireSASLMechanism checks that the server offers SCRAM-SHA-256.
func (s *Session) requireSASLMechanism(reader *wire.MessageReader) error {
	for reader.Remaining() > 1 {
		mechanism, err := reader.ReadString()
		if err != nil {
			return fmt.Errorf("failed to read SASL mechanism: %w", err)
		}
		if mechanism == scramSHA256Mechanism {
			return nil
		}
	}
	return fmt.Errorf("server offers no supported SASL mechanism")
}

// sendAuthResponse writes and flushes a password-class message.
func (s *Session) sendAuthResponse(body []byte) error {
	if err := s.transport.WriteMessage(protocol.MsgPasswordMsg, body); err != nil {
		return fmt.Errorf("failed to send auth response: %w", err)
	}
	if err := s.transport.Flush(); err != nil {
		return fmt.Errorf("failed to flush auth response: %w", err)
	}
	return nil
}

// md5Password computes the MD5 password response:
// "md5" + md5hex(md5hex(password + user) + salt).
func md5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}
