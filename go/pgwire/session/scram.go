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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgfleet/pgfleet/go/pgwire/wire"
)

const (
	// scramSHA256Mechanism is the SASL mechanism name for SCRAM-SHA-256.
	scramSHA256Mechanism = "SCRAM-SHA-256"

	// scramNonceLength is the length of the client nonce in bytes.
	scramNonceLength = 24
)

// scramClient computes the client side of a SCRAM-SHA-256 exchange. It
// only transforms message bodies; the session does the wire traffic, so
// the same exchange serves both the blocking and the polled connect
// paths.
type scramClient struct {
	username string
	password string

	// State maintained across the authentication exchange.
	clientNonce            string
	clientFirstMessageBare string
	serverFirstMessage     string
	saltedPassword         []byte
}

// newScramClient creates a new SCRAM client for authentication.
func newScramClient(username, password string) *scramClient {
	return &scramClient{
		username: username,
		password: password,
	}
}

// clientFirst builds the SASLInitialResponse message body.
func (s *scramClient) clientFirst() ([]byte, error) {
	// Generate client nonce.
	nonceBytes := make([]byte, scramNonceLength)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	s.clientNonce = base64.StdEncoding.EncodeToString(nonceBytes)

	// Build client-first-message-bare: n=<username>,r=<nonce>
	// Username needs to be escaped: '=' -> '=3D', ',' -> '=2C'
	escapedUsername := strings.ReplaceAll(s.username, "=", "=3D")
	escapedUsername = strings.ReplaceAll(escapedUsername, ",", "=2C")
	s.clientFirstMessageBare = fmt.Sprintf("n=%s,r=%s", escapedUsername, s.clientNonce)

	// client-first-message: n,,<client-first-message-bare>
	// "n,," means no channel binding.
	clientFirstMessage := "n,," + s.clientFirstMessageBare

	w := wire.NewMessageWriter()
	w.WriteString(scramSHA256Mechanism)
	w.WriteInt32(int32(len(clientFirstMessage)))
	w.WriteBytes([]byte(clientFirstMessage))
	return w.Bytes(), nil
}

// clientFinal computes the proof from the server-first message and
// builds the SASLResponse message body.
func (s *scramClient) clientFinal(serverFirst []byte) ([]byte, error) {
	s.serverFirstMessage = string(serverFirst)

	// Parse server-first-message: r=<nonce>,s=<salt>,i=<iterations>
	var serverNonce, saltB64 string
	var iterations int
	for part := range strings.SplitSeq(s.serverFirstMessage, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			serverNonce = part[2:]
		case strings.HasPrefix(part, "s="):
			saltB64 = part[2:]
		case strings.HasPrefix(part, "i="):
			var err error
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return nil, fmt.Errorf("invalid iteration count: %w", err)
			}
		}
	}

	// Validate server nonce starts with client nonce.
	if !strings.HasPrefix(serverNonce, s.clientNonce) {
		return nil, fmt.Errorf("server nonce doesn't start with client nonce")
	}

	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}

	// SaltedPassword = Hi(password, salt, iterations).
	s.saltedPassword = pbkdf2.Key([]byte(s.password), salt, iterations, sha256.Size, sha256.New)

	// ClientKey = HMAC(SaltedPassword, "Client Key"); StoredKey = H(ClientKey).
	clientKey := hmacSHA256(s.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	// client-final-message-without-proof: c=<base64("n,,")>,r=<nonce>.
	clientFinalWithoutProof := s.clientFinalWithoutProof(serverNonce)

	// AuthMessage = client-first-bare "," server-first "," client-final-without-proof.
	authMessage := s.clientFirstMessageBare + "," + s.serverFirstMessage + "," + clientFinalWithoutProof

	// ClientProof = ClientKey XOR HMAC(StoredKey, AuthMessage).
	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMessage := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	w := wire.NewMessageWriter()
	w.WriteBytes([]byte(clientFinalMessage))
	return w.Bytes(), nil
}

// verifyServerFinal checks the server signature from the SASLFinal
// message body, proving the server also knows the password.
func (s *scramClient) verifyServerFinal(serverFinal []byte) error {
	serverFinalMessage := string(serverFinal)

	// server-final-message: v=<base64(signature)>.
	if !strings.HasPrefix(serverFinalMessage, "v=") {
		return fmt.Errorf("invalid server-final-message format")
	}
	serverSignature, err := base64.StdEncoding.DecodeString(serverFinalMessage[2:])
	if err != nil {
		return fmt.Errorf("failed to decode server signature: %w", err)
	}

	// ServerKey = HMAC(SaltedPassword, "Server Key").
	serverKey := hmacSHA256(s.saltedPassword, []byte("Server Key"))

	// Rebuild AuthMessage with the server nonce from server-first.
	var serverNonce string
	for part := range strings.SplitSeq(s.serverFirstMessage, ",") {
		if strings.HasPrefix(part, "r=") {
			serverNonce = part[2:]
			break
		}
	}
	clientFinalWithoutProof := s.clientFinalWithoutProof(serverNonce)
	authMessage := s.clientFirstMessageBare + "," + s.serverFirstMessage + "," + clientFinalWithoutProof

	// ServerSignature = HMAC(ServerKey, AuthMessage).
	expected := hmacSHA256(serverKey, []byte(authMessage))
	if !hmac.Equal(serverSignature, expected) {
		return fmt.Errorf("server signature verification failed")
	}
	return nil
}

func (s *scramClient) clientFinalWithoutProof(serverNonce string) string {
	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	return fmt.Sprintf("c=%s,r=%s", channelBinding, serverNonce)
}

// hmacSHA256 computes HMAC-SHA-256.
func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// sha256Sum computes SHA-256 hash.
func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// xorBytes XORs two byte slices of equal length.
func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}
