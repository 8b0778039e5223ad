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

package session_test

import (
	"database/sql"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgfleet/pgfleet/go/pgwire/pgdata"
	"github.com/pgfleet/pgfleet/go/pgwire/session"
)

// These tests compare results against database/sql with lib/pq on a
// real server. They run only when PGFLEET_TEST_DSN is set, e.g.
//
//	PGFLEET_TEST_DSN="postgres://user:pw@localhost:5432/db?sslmode=disable"

func parityDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PGFLEET_TEST_DSN")
	if dsn == "" {
		t.Skip("PGFLEET_TEST_DSN not set")
	}
	return dsn
}

// sessionFromDSN builds a session config from the connection URL.
func sessionFromDSN(t *testing.T, dsn string) *session.Session {
	t.Helper()
	kv, err := pq.ParseURL(dsn)
	require.NoError(t, err)

	config := session.Config{DialTimeout: 10 * time.Second}
	for _, pair := range strings.Fields(kv) {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, "'")
		switch key {
		case "host":
			config.Host = value
		case "port":
			config.Port, err = strconv.Atoi(value)
			require.NoError(t, err)
		case "user":
			config.User = value
		case "password":
			config.Password = value
		case "dbname":
			config.Database = value
		}
	}
	if config.Port == 0 {
		config.Port = 5432
	}

	sess := session.New(config)
	require.NoError(t, sess.Connect(testCtx(t)))
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestParitySimpleQuery(t *testing.T) {
	dsn := parityDSN(t)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	sess := sessionFromDSN(t, dsn)
	ctx := testCtx(t)

	const query = "SELECT n, n * n FROM generate_series(1, 5) AS n"

	// Reference run through lib/pq.
	rows, err := db.QueryContext(ctx, query)
	require.NoError(t, err)
	defer rows.Close()

	var want [][2]string
	for rows.Next() {
		var a, b string
		require.NoError(t, rows.Scan(&a, &b))
		want = append(want, [2]string{a, b})
	}
	require.NoError(t, rows.Err())

	// Same query through the session engine.
	require.NoError(t, sess.Execute(query))
	var got [][2]string
	for {
		resp, err := sess.Next(ctx)
		require.NoError(t, err)
		if resp == nil {
			break
		}
		if row, ok := resp.(*session.Row); ok {
			got = append(got, [2]string{
				string(row.Value(0).Bytes()),
				string(row.Value(1).Bytes()),
			})
		}
	}

	assert.Equal(t, want, got)
}

func TestParityNullHandling(t *testing.T) {
	dsn := parityDSN(t)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	sess := sessionFromDSN(t, dsn)
	ctx := testCtx(t)

	const query = "SELECT NULL::text, ''::text, 'NULL'::text"

	var a, b, c sql.NullString
	require.NoError(t, db.QueryRowContext(ctx, query).Scan(&a, &b, &c))

	require.NoError(t, sess.Execute(query))
	resp, err := sess.Next(ctx)
	require.NoError(t, err)
	row, ok := resp.(*session.Row)
	require.True(t, ok)

	assert.Equal(t, !a.Valid, row.IsNull(0))
	assert.Equal(t, !b.Valid, row.IsNull(1))
	assert.Empty(t, row.Value(1).Bytes())
	assert.Equal(t, c.String, string(row.Value(2).Bytes()))

	require.NoError(t, drainAll(ctx, sess))
}

func TestParityBytea(t *testing.T) {
	dsn := parityDSN(t)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	sess := sessionFromDSN(t, dsn)
	ctx := testCtx(t)

	const query = `SELECT '\x00ff10'::bytea`

	var want []byte
	require.NoError(t, db.QueryRowContext(ctx, query).Scan(&want))

	require.NoError(t, sess.Execute(query))
	resp, err := sess.Next(ctx)
	require.NoError(t, err)
	row, ok := resp.(*session.Row)
	require.True(t, ok)

	decoded, err := pgdata.ToBytea(row.Value(0))
	require.NoError(t, err)
	assert.Equal(t, want, decoded.Bytes())

	require.NoError(t, drainAll(ctx, sess))
}

func TestParityServerErrorCode(t *testing.T) {
	dsn := parityDSN(t)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	sess := sessionFromDSN(t, dsn)
	ctx := testCtx(t)

	const query = "SELECT 1/0"

	_, refErr := db.ExecContext(ctx, query)
	var pqErr *pq.Error
	require.ErrorAs(t, refErr, &pqErr)

	_, err = sess.Exec(ctx, query)
	var serverErr *session.ServerError
	require.ErrorAs(t, err, &serverErr)

	// Both stacks must report the same SQLSTATE.
	assert.Equal(t, string(pqErr.Code), serverErr.Code)
	assert.Equal(t, session.StatusIdle, sess.Status())
}
