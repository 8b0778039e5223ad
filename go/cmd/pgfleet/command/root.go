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

// Package command implements the pgfleet CLI.
package command

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pgfleet/pgfleet/go/pgwire/session"
)

// RootCommand carries the shared connection configuration of all
// subcommands. Every flag can also be set through the environment with
// a PGFLEET_ prefix, e.g. PGFLEET_HOST.
type RootCommand struct {
	v      *viper.Viper
	logger *slog.Logger
}

// GetRootCommand builds the root command with all subcommands attached.
func GetRootCommand() (*cobra.Command, *RootCommand) {
	rc := &RootCommand{
		v: viper.New(),
	}

	root := &cobra.Command{
		Use:   "pgfleet",
		Short: "PostgreSQL client toolkit",
		Long: `pgfleet runs queries and listens for notifications against a
PostgreSQL server over a fixed-size session pool.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rc.setup()
		},
	}

	flags := root.PersistentFlags()
	registerFlags(flags)

	rc.v.SetEnvPrefix("PGFLEET")
	rc.v.AutomaticEnv()
	if err := rc.v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("failed to bind flags: %v", err))
	}

	root.AddCommand(queryCommand(rc))
	root.AddCommand(listenCommand(rc))

	return root, rc
}

// registerFlags declares the connection and output flags shared by all
// subcommands.
func registerFlags(fs *pflag.FlagSet) {
	fs.String("host", "localhost", "server host name or IP address")
	fs.Int("port", 5432, "server port")
	fs.String("socket", "", "server Unix socket path (overrides host/port)")
	fs.String("user", "postgres", "user name")
	fs.String("database", "", "database name (defaults to the user name)")
	fs.Int("pool-size", 1, "number of pooled sessions")
	fs.Duration("timeout", 10*time.Second, "dial and per-operation timeout")
	fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	fs.String("format", "table", "output format (table, yaml)")
}

// setup configures logging from the resolved flags.
func (rc *RootCommand) setup() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(rc.v.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	rc.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(rc.logger)
	return nil
}

// sessionConfig builds the session configuration from the resolved
// flags. The password is taken from the environment only, never from a
// flag, so it cannot leak through process listings.
func (rc *RootCommand) sessionConfig() session.Config {
	return session.Config{
		Host:        rc.v.GetString("host"),
		Port:        rc.v.GetInt("port"),
		SocketFile:  rc.v.GetString("socket"),
		User:        rc.v.GetString("user"),
		Password:    rc.v.GetString("password"),
		Database:    rc.v.GetString("database"),
		DialTimeout: rc.v.GetDuration("timeout"),
		Logger:      rc.logger,
	}
}

func (rc *RootCommand) timeout() time.Duration {
	return rc.v.GetDuration("timeout")
}

func (rc *RootCommand) poolSize() int {
	return rc.v.GetInt("pool-size")
}

func (rc *RootCommand) outputFormat() string {
	return rc.v.GetString("format")
}
