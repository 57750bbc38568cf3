package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/trybe-app/trybesync/pkg/config"
	"github.com/trybe-app/trybesync/pkg/identity"
	"github.com/trybe-app/trybesync/pkg/models"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with credentials masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return config.Encode(cmd.OutOrStdout(), cfg.Redacted())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List the settable keys and their environment variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, k := range config.Keys() {
				fmt.Fprintf(tw, "%s\t%s\n", k, config.EnvName(k))
			}
			return tw.Flush()
		},
	})
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		user string
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development session token signed with identity.secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Identity.Secret == "" {
				return errors.New("identity.secret is not set")
			}
			uid, err := models.ParseUserID(user)
			if err != nil {
				return err
			}
			token, err := identity.NewTokenVerifier(cfg.Identity.Secret, cfg.Identity.Issuer).Mint(uid, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id placed in the subject claim")
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
