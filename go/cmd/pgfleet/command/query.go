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
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	pgquery "github.com/pganalyze/pg_query_go/v6"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pgfleet/pgfleet/go/pgwire/pool"
	"github.com/pgfleet/pgfleet/go/pgwire/session"
)

func queryCommand(rc *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a query and print its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rc.runQuery(cmd, args[0])
		},
	}
}

func (rc *RootCommand) runQuery(cmd *cobra.Command, sql string) error {
	// Catch syntax errors locally before burning a server round trip.
	if _, err := pgquery.Parse(sql); err != nil {
		return fmt.Errorf("syntax check failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), rc.timeout())
	defer cancel()

	p, err := pool.New(rc.poolSize(), rc.sessionConfig())
	if err != nil {
		return err
	}
	if err := p.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer p.Disconnect()

	handle := p.Acquire()
	if !handle.IsValid() {
		return errors.New("no session available")
	}
	defer handle.Release()

	return rc.printResults(ctx, cmd, handle.Session(), sql)
}

// queryOutput is the printable form of one result set.
type queryOutput struct {
	Columns []string    `yaml:"columns,omitempty"`
	Rows    [][]*string `yaml:"rows,omitempty"`
	Tag     string      `yaml:"tag"`
}

func (rc *RootCommand) printResults(ctx context.Context, cmd *cobra.Command, sess *session.Session, sql string) error {
	if err := sess.Execute(sql); err != nil {
		return err
	}

	var outputs []queryOutput
	current := queryOutput{}
	for {
		resp, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		if resp == nil {
			break
		}
		switch r := resp.(type) {
		case *session.Row:
			if current.Columns == nil {
				for i := range r.FieldCount() {
					current.Columns = append(current.Columns, r.Field(i).Name)
				}
			}
			row := make([]*string, r.FieldCount())
			for i := range row {
				if r.IsNull(i) {
					continue
				}
				s := string(r.Value(i).Bytes())
				row[i] = &s
			}
			current.Rows = append(current.Rows, row)
		case *session.Completion:
			current.Tag = r.Tag
			outputs = append(outputs, current)
			current = queryOutput{}
		}
	}

	switch rc.outputFormat() {
	case "yaml":
		return yaml.NewEncoder(cmd.OutOrStdout()).Encode(outputs)
	case "table":
		return printTables(cmd, outputs)
	default:
		return fmt.Errorf("unknown output format: %s", rc.outputFormat())
	}
}

func printTables(cmd *cobra.Command, outputs []queryOutput) error {
	for _, out := range outputs {
		if len(out.Columns) > 0 {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 2, 2, ' ', 0)
			fmt.Fprintln(w, strings.Join(out.Columns, "\t"))
			for _, row := range out.Rows {
				cells := make([]string, len(row))
				for i, cell := range row {
					if cell == nil {
						cells[i] = "NULL"
					} else {
						cells[i] = *cell
					}
				}
				fmt.Fprintln(w, strings.Join(cells, "\t"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.Tag)
	}
	return nil
}
