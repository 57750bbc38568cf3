package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trybe-app/trybesync"
	"github.com/trybe-app/trybesync/pkg/models"
)

func newGroupsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "Hydrate and list the known groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.start(ctx); err != nil {
					return err
				}
				return listGroups(cmd.OutOrStdout(), a.engine)
			})
		},
	}
}

func listGroups(out io.Writer, engine *trybesync.Engine) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tWHEN\tMEMBERS\tLOCATION")
	for _, g := range engine.Groups() {
		capacity := "-"
		if g.Capacity > 0 {
			capacity = fmt.Sprint(g.Capacity)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%s\t%s\n", g.ID, g.Name, g.ScheduleLabel, g.MemberCount, capacity, g.Location)
	}
	return tw.Flush()
}

func newJoinCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "join <group-id>",
		Short: "Join a group as the configured user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				return membership(ctx, cmd.OutOrStdout(), a.engine, models.GroupID(args[0]), true)
			})
		},
	}
}

func newLeaveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "leave <group-id>",
		Short: "Leave a group as the configured user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				return membership(ctx, cmd.OutOrStdout(), a.engine, models.GroupID(args[0]), false)
			})
		},
	}
}

func membership(ctx context.Context, out io.Writer, engine *trybesync.Engine, id models.GroupID, join bool) error {
	verb, run := "left", engine.LeaveGroup
	if join {
		verb, run = "joined", engine.JoinGroup
	}
	if err := run(id).Wait(ctx); err != nil {
		return err
	}
	g, ok := engine.Group(id)
	if !ok {
		fmt.Fprintf(out, "%s %s\n", verb, id)
		return nil
	}
	fmt.Fprintf(out, "%s %s %q (%d members)\n", verb, id, g.Name, g.MemberCount)
	return nil
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var attachment string
	cmd := &cobra.Command{
		Use:   "send <group-id> <text>...",
		Short: "Send a chat message to a group",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				id := models.GroupID(args[0])
				if err := a.engine.SendMessage(id, strings.Join(args[1:], " "), attachment).Wait(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&attachment, "attachment", "", "media reference to attach")
	return cmd
}
