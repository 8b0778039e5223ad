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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pgfleet/pgfleet/go/pgwire/pgdata"
	"github.com/pgfleet/pgfleet/go/pgwire/session"
	"github.com/pgfleet/pgfleet/go/pgwire/signal"
	"github.com/pgfleet/pgfleet/go/tools/fakepg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func str(s string) *string { return &s }

// connect starts a fake server and returns an established session.
func connect(t *testing.T) (*fakepg.Server, *session.Session) {
	t.Helper()
	server := fakepg.New(t)
	sess := newSession(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	return server, sess
}

func newSession(t *testing.T, server *fakepg.Server) *session.Session {
	t.Helper()
	host, port := server.HostPort()
	sess := session.New(session.Config{
		Host:        host,
		Port:        port,
		User:        "tester",
		Database:    "testdb",
		DialTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectAndSimpleQuery(t *testing.T) {
	server, sess := connect(t)
	ctx := testCtx(t)

	assert.Equal(t, session.StatusIdle, sess.Status())
	assert.True(t, sess.IsConnected())
	assert.NotZero(t, sess.ProcessID())
	assert.Contains(t, sess.ServerParams(), "server_version")

	server.AddQuery("SELECT name FROM users", &fakepg.Result{
		Columns: []string{"name"},
		Rows:    [][]*string{{str("ada")}, {str("linus")}, {nil}},
		Tag:     "SELECT 3",
	})

	require.NoError(t, sess.Execute("SELECT name FROM users"))
	assert.Equal(t, session.StatusRequestSent, sess.Status())

	var names []*string
	var completion *session.Completion
	for {
		resp, err := sess.Next(ctx)
		require.NoError(t, err)
		if resp == nil {
			break
		}
		switch r := resp.(type) {
		case *session.Row:
			assert.Equal(t, session.StatusResultAvailable, sess.Status())
			assert.Equal(t, "name", r.Field(0).Name)
			if r.IsNull(0) {
				names = append(names, nil)
			} else {
				names = append(names, str(string(r.Value(0).Bytes())))
			}
		case *session.Completion:
			completion = r
		}
	}

	require.Len(t, names, 3)
	assert.Equal(t, "ada", *names[0])
	assert.Equal(t, "linus", *names[1])
	assert.Nil(t, names[2])

	require.NotNil(t, completion)
	assert.Equal(t, "SELECT 3", completion.Tag)
	assert.Equal(t, uint64(3), completion.RowsAffected)

	assert.Equal(t, session.StatusIdle, sess.Status())
}

func TestServerParamsIsACopy(t *testing.T) {
	_, sess := connect(t)

	params := sess.ServerParams()
	require.Contains(t, params, "server_version")

	// Mutating the returned map must not touch session state.
	params["server_version"] = "tampered"
	assert.NotEqual(t, "tampered", sess.ServerParams()["server_version"])
}

func TestServerErrorReturnsToIdle(t *testing.T) {
	server, sess := connect(t)
	ctx := testCtx(t)

	server.AddError("SELECT boom", &fakepg.ErrorSpec{
		Code:    "42703",
		Message: "column \"boom\" does not exist",
	})

	require.NoError(t, sess.Execute("SELECT boom"))

	_, err := sess.Next(ctx)
	var serverErr *session.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.True(t, serverErr.IsSQLState("42703"))

	// The error must surface only after the session is back to idle,
	// so the very next command is legal.
	assert.Equal(t, session.StatusIdle, sess.Status())

	server.AddQuery("SELECT 1", &fakepg.Result{
		Columns: []string{"?column?"},
		Rows:    [][]*string{{str("1")}},
		Tag:     "SELECT 1",
	})
	completion, err := sess.Exec(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", completion.Tag)
}

func TestNextResponseReturnsServerErrorAsValue(t *testing.T) {
	server, sess := connect(t)
	ctx := testCtx(t)

	server.AddError("DROP TABLE missing", &fakepg.ErrorSpec{
		Code:    "42P01",
		Message: "table \"missing\" does not exist",
		Detail:  "There is no table by that name.",
	})

	require.NoError(t, sess.Execute("DROP TABLE missing"))

	resp, err := sess.NextResponse(ctx)
	require.NoError(t, err)
	serverErr, ok := resp.(*session.ServerError)
	require.True(t, ok)
	assert.Equal(t, "42P01", serverErr.Code)
	assert.Equal(t, "There is no table by that name.", serverErr.Detail)

	// The error is delivered exactly once.
	resp, err = sess.NextResponse(ctx)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, session.StatusIdle, sess.Status())
}

func TestNoticesGoToQueueByDefault(t *testing.T) {
	server, sess := connect(t)
	ctx := testCtx(t)

	server.AddQuery("VACUUM", &fakepg.Result{
		Notices: []fakepg.NoticeSpec{
			{Severity: "WARNING", Code: "01000", Message: "skipping pinned page"},
		},
		Tag: "VACUUM",
	})

	_, err := sess.Exec(ctx, "VACUUM")
	require.NoError(t, err)

	require.Equal(t, 1, sess.Signals().Len())
	notice := sess.Signals().PopNotice()
	require.NotNil(t, notice)
	assert.Equal(t, "WARNING", notice.Severity)
	assert.Equal(t, "skipping pinned page", notice.Message)
	assert.Zero(t, sess.Signals().Len())
}

func TestNoticeHandlerBypassesQueue(t *testing.T) {
	server, sess := connect(t)
	ctx := testCtx(t)

	var seen []string
	sess.OnNotice(func(n *signal.Notice) {
		seen = append(seen, n.Message)
	})

	server.AddQuery("VACUUM", &fakepg.Result{
		Notices: []fakepg.NoticeSpec{
			{Message: "first"},
			{Message: "second"},
		},
		Tag: "VACUUM",
	})

	_, err := sess.Exec(ctx, "VACUUM")
	require.NoError(t, err)

	// Each notice is delivered exactly once and never queued.
	assert.Equal(t, []string{"first", "second"}, seen)
	assert.Zero(t, sess.Signals().Len())

	// Dropping the handler routes subsequent notices to the queue.
	sess.OnNotice(nil)
	_, err = sess.Exec(ctx, "VACUUM")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, seen)
	assert.Equal(t, 2, sess.Signals().Len())
}

func TestNotificationBeforeResponse(t *testing.T) {
	server, sess := connect(t)
	ctx := testCtx(t)

	server.AddQuery("SELECT 1", &fakepg.Result{
		Notifications: []fakepg.NotificationSpec{
			{Channel: "jobs", Payload: "job-17", PID: 99},
		},
		Columns: []string{"?column?"},
		Rows:    [][]*string{{str("1")}},
		Tag:     "SELECT 1",
	})

	var got *signal.Notification
	sess.OnNotification(func(n *signal.Notification) { got = n })

	// The signal is dispatched before the first response is returned.
	require.NoError(t, sess.Execute("SELECT 1"))
	resp, err := sess.Next(ctx)
	require.NoError(t, err)
	_, isRow := resp.(*session.Row)
	require.True(t, isRow)

	require.NotNil(t, got)
	assert.Equal(t, "jobs", got.Channel)
	assert.Equal(t, []byte("job-17"), got.Payload.Bytes())
	assert.Equal(t, uint32(99), got.ServerPID)

	require.NoError(t, sess.Close())
}

func TestSubmitWhileBusyIsRejected(t *testing.T) {
	server, sess := connect(t)
	ctx := testCtx(t)

	server.AddQuery("SELECT 1", &fakepg.Result{Tag: "SELECT 0"})
	require.NoError(t, sess.Execute("SELECT 1"))

	// A second submission before the first request drains is a usage
	// error and must not touch the wire.
	assert.ErrorIs(t, sess.Execute("SELECT 2"), session.ErrNotIdle)

	require.NoError(t, drainAll(ctx, sess))
	require.NoError(t, sess.Execute("SELECT 1"))
	require.NoError(t, drainAll(ctx, sess))
}

func TestSubmitWhileDisconnected(t *testing.T) {
	sess := session.New(session.Config{Host: "localhost", Port: 5432})
	assert.ErrorIs(t, sess.Execute("SELECT 1"), session.ErrNotConnected)

	_, err := sess.Next(context.Background())
	assert.ErrorIs(t, err, session.ErrNotConnected)
}

func TestMultiStatementQuery(t *testing.T) {
	server, sess := connect(t)
	ctx := testCtx(t)

	server.AddScript("SELECT 1; SELECT 2", []*fakepg.Result{
		{Columns: []string{"a"}, Rows: [][]*string{{str("1")}}, Tag: "SELECT 1"},
		{Columns: []string{"b"}, Rows: [][]*string{{str("2")}}, Tag: "SELECT 1"},
	})

	require.NoError(t, sess.Execute("SELECT 1; SELECT 2"))

	var rows, completions int
	for {
		resp, err := sess.Next(ctx)
		require.NoError(t, err)
		if resp == nil {
			break
		}
		switch resp.(type) {
		case *session.Row:
			rows++
		case *session.Completion:
			completions++
		}
	}
	assert.Equal(t, 2, rows)
	assert.Equal(t, 2, completions)
}

func TestPolledConnectAndQuery(t *testing.T) {
	server, sess := connect(t)
	_ = server

	// Reconnect through the non-blocking path.
	require.NoError(t, sess.Close())
	require.NoError(t, sess.StartConnect(testCtx(t)))
	assert.Equal(t, session.StatusConnecting, sess.Status())

	require.Eventually(t, func() bool {
		done, err := sess.PollConnect()
		require.NoError(t, err)
		return done
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, session.StatusIdle, sess.Status())

	server.AddQuery("SELECT 1", &fakepg.Result{
		Columns: []string{"?column?"},
		Rows:    [][]*string{{str("1")}},
		Tag:     "SELECT 1",
	})
	require.NoError(t, sess.Execute("SELECT 1"))

	var responses []session.Response
	require.Eventually(t, func() bool {
		resp, ok, err := sess.PollResponse()
		require.NoError(t, err)
		if !ok {
			return false
		}
		if resp == nil {
			return true // request complete
		}
		responses = append(responses, resp)
		return false
	}, 5*time.Second, time.Millisecond)

	require.Len(t, responses, 2)
	_, isRow := responses[0].(*session.Row)
	assert.True(t, isRow)
	_, isCompletion := responses[1].(*session.Completion)
	assert.True(t, isCompletion)
	assert.Equal(t, session.StatusIdle, sess.Status())
}

func TestExtendedProtocol(t *testing.T) {
	server, sess := connect(t)
	ctx := testCtx(t)

	server.AddQuery("SELECT name FROM users WHERE id = $1", &fakepg.Result{
		Columns: []string{"name"},
		Rows:    [][]*string{{str("ada")}},
		Tag:     "SELECT 1",
	})

	require.NoError(t, sess.Prepare(ctx, "get_user", "SELECT name FROM users WHERE id = $1", nil))
	assert.Equal(t, session.StatusIdle, sess.Status())

	desc, err := sess.DescribeStatement(ctx, "get_user")
	require.NoError(t, err)
	require.Len(t, desc.Fields, 1)
	assert.Equal(t, "name", desc.Fields[0].Name)

	params := []pgdata.Data{pgdata.NewString("1", pgdata.Text)}
	require.NoError(t, sess.ExecutePrepared("get_user", params, pgdata.Text))

	var values []string
	for {
		resp, err := sess.Next(ctx)
		require.NoError(t, err)
		if resp == nil {
			break
		}
		if row, ok := resp.(*session.Row); ok {
			values = append(values, string(row.Value(0).Bytes()))
		}
	}
	assert.Equal(t, []string{"ada"}, values)

	require.NoError(t, sess.CloseStatement(ctx, "get_user"))
}

func TestExecuteParamsWithNull(t *testing.T) {
	server, sess := connect(t)
	ctx := testCtx(t)

	server.AddQuery("INSERT INTO t VALUES ($1, $2)", &fakepg.Result{Tag: "INSERT 0 1"})

	params := []pgdata.Data{pgdata.NewString("x", pgdata.Text), nil}
	require.NoError(t, sess.ExecuteParams("INSERT INTO t VALUES ($1, $2)", params, pgdata.Text))

	require.NoError(t, drainAll(ctx, sess))
	assert.Equal(t, session.StatusIdle, sess.Status())
}

func TestWaitSignal(t *testing.T) {
	server, sess := connect(t)
	ctx := testCtx(t)

	server.AddQuery(`LISTEN "events"`, &fakepg.Result{Tag: "LISTEN"})
	_, err := sess.Exec(ctx, `LISTEN "events"`)
	require.NoError(t, err)

	server.NotifyAll("events", "hello")

	require.NoError(t, sess.WaitSignal(ctx))

	notification := sess.Signals().PopNotification()
	require.NotNil(t, notification)
	assert.Equal(t, "events", notification.Channel)
	assert.Equal(t, []byte("hello"), notification.Payload.Bytes())
}

func TestReset(t *testing.T) {
	server, sess := connect(t)
	ctx := testCtx(t)

	require.NoError(t, sess.Reset(ctx))
	assert.Equal(t, 1, server.QueryCalledNum("DISCARD ALL"))
}

func TestCloseAndReconnect(t *testing.T) {
	_, sess := connect(t)

	require.NoError(t, sess.Close())
	assert.Equal(t, session.StatusDisconnected, sess.Status())
	// Idempotent.
	require.NoError(t, sess.Close())

	require.NoError(t, sess.Connect(testCtx(t)))
	assert.Equal(t, session.StatusIdle, sess.Status())
}

func TestConnectRefused(t *testing.T) {
	server := fakepg.New(t)
	host, port := server.HostPort()
	server.Close()

	sess := session.New(session.Config{
		Host:        host,
		Port:        port,
		User:        "tester",
		DialTimeout: time.Second,
	})
	err := sess.Connect(testCtx(t))
	require.Error(t, err)
	assert.Equal(t, session.StatusFailed, sess.Status())

	// Failed is absorbing for submissions.
	assert.ErrorIs(t, sess.Execute("SELECT 1"), session.ErrNotConnected)
}

func drainAll(ctx context.Context, sess *session.Session) error {
	for {
		resp, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		if resp == nil {
			return nil
		}
	}
}
