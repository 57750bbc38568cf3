package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/trybe-app/trybesync"
	"github.com/trybe-app/trybesync/pkg/models"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "watch <group-id>",
		Short: "Stream the reconciled chat messages of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				return watchChat(ctx, cmd.OutOrStdout(), a.engine, models.GroupID(args[0]), follow)
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", true, "keep streaming until interrupted")
	return cmd
}

// chatPrinter prints each message once per state it reaches.
type chatPrinter struct {
	out  io.Writer
	seen map[string]models.State
}

func messageKey(m models.Message) string {
	if m.Token != "" {
		return "t:" + string(m.Token)
	}
	return "i:" + string(m.ID)
}

func (p *chatPrinter) print(msgs []models.Message) {
	for _, m := range msgs {
		key := messageKey(m)
		if p.seen[key] == m.State {
			continue
		}
		p.seen[key] = m.State
		sender := m.SenderName
		if sender == "" {
			sender = string(m.SenderID)
		}
		line := m.Body
		if m.Attachment != "" {
			line += " [" + m.Attachment + "]"
		}
		if m.IsPending() {
			line += " (sending)"
		}
		fmt.Fprintf(p.out, "%s %s: %s\n", m.CreatedAt.Local().Format("Jan 2 15:04"), sender, line)
	}
}

func watchChat(ctx context.Context, out io.Writer, engine *trybesync.Engine, id models.GroupID, follow bool) error {
	changed := make(chan struct{}, 1)
	stop := engine.OnChange(func(c trybesync.Change) {
		if c.GroupID != id || c.Kind != trybesync.ChangeMessages {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer stop()

	if err := engine.SubscribeChat(id).Wait(ctx); err != nil {
		return err
	}
	defer engine.UnsubscribeChat(id)

	p := &chatPrinter{out: out, seen: make(map[string]models.State)}
	p.print(engine.Messages(id))
	if !follow {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			p.print(engine.Messages(id))
		}
	}
}
