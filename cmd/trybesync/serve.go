package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/trybe-app/trybesync/pkg/uibridge"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and serve it over the UI bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.Bridge.Addr
				}
				// the bridge also serves a stale cache, so a failed first
				// refresh is not fatal here
				if err := a.start(ctx); err != nil {
					a.log.Warn("initial refresh failed", "error", err)
				}
				srv := uibridge.New(a.engine, a.hub, uibridge.WithLogger(a.log))
				err := srv.ListenAndServe(ctx, addr)
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default bridge.addr)")
	return cmd
}
