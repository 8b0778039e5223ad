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

package command

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgfleet/pgfleet/go/pgwire/session"
	"github.com/pgfleet/pgfleet/go/pgwire/signal"
)

func listenCommand(rc *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "listen <channel>...",
		Short: "Listen on channels and print notifications as they arrive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.runListen(cmd, args)
		},
	}
}

func (rc *RootCommand) runListen(cmd *cobra.Command, channels []string) error {
	sess := session.New(rc.sessionConfig())

	connectCtx, cancel := context.WithTimeout(cmd.Context(), rc.timeout())
	defer cancel()
	if err := sess.Connect(connectCtx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer sess.Close()

	sess.OnNotification(func(n *signal.Notification) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n",
			n.Channel, n.ServerPID, n.Payload.Bytes())
	})
	sess.OnNotice(func(n *signal.Notice) {
		rc.logger.Info("server notice", "severity", n.Severity, "message", n.Message)
	})

	for _, channel := range channels {
		if _, err := sess.Exec(connectCtx, "LISTEN "+quoteIdent(channel)); err != nil {
			return fmt.Errorf("failed to listen on %q: %w", channel, err)
		}
	}

	// Block on the socket until the command is interrupted.
	for {
		if err := sess.WaitSignal(cmd.Context()); err != nil {
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		}
	}
}

// quoteIdent double-quotes a channel name, doubling embedded quotes.
func quoteIdent(name string) string {
	quoted := make([]byte, 0, len(name)+2)
	quoted = append(quoted, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			quoted = append(quoted, '"')
		}
		quoted = append(quoted, name[i])
	}
	return string(append(quoted, '"'))
}
