package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/threadline/internal/relay"
	"github.com/ehrlich-b/threadline/internal/store"
	"github.com/ehrlich-b/threadline/internal/ws"
)

func threadsCmd(load loadFunc) *cobra.Command {
	var remoteFlag bool

	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List threads, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var threads []ws.ThreadInfo
			if remoteFlag {
				loader := &relay.HTTPLoader{BaseURL: cfg.Session.URL, Token: cfg.Session.Token}
				threads, err = loader.ListThreads(ctx)
				if err != nil {
					return err
				}
			} else {
				st, err := store.Open(cfg.Database.Path)
				if err != nil {
					return fmt.Errorf("open db: %w", err)
				}
				defer st.Close()
				list, err := st.ListThreads(ctx)
				if err != nil {
					return err
				}
				for _, t := range list {
					threads = append(threads, ws.ThreadInfo{ID: t.ID, Title: t.Title, CreatedAt: t.CreatedAt})
				}
			}
			printThreads(cmd.OutOrStdout(), threads, "")
			return nil
		},
	}
	cmd.Flags().BoolVar(&remoteFlag, "remote", false, "ask the relay at session.url instead of the local database")
	return cmd
}

// printThreads writes a numbered table; the active thread is starred.
func printThreads(w io.Writer, threads []ws.ThreadInfo, active string) {
	if len(threads) == 0 {
		fmt.Fprintln(w, "no threads")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, t := range threads {
		mark := " "
		if t.ID == active {
			mark = "*"
		}
		title := t.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(tw, "%s%d\t%s\t%s\t%s\n", mark, i+1, title, t.ID, t.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}
