package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trybe-app/trybesync/pkg/config"
)

type rootOptions struct {
	configPath string
	envFile    string
	sets       []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "trybesync",
		Short:         "Trybe client sync engine",
		Long:          "Run the trybe sync engine against a document store, serve it to UIs, or drive it from the command line.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "trybesync.toml", "TOML configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env", ".env", "dotenv file loaded before TRYBESYNC_* overrides")
	cmd.PersistentFlags().StringArrayVar(&opts.sets, "set", nil, "override a config key, e.g. --set store.driver=mongodb")

	cmd.AddCommand(
		newServeCmd(opts),
		newGroupsCmd(opts),
		newJoinCmd(opts),
		newLeaveCmd(opts),
		newSendCmd(opts),
		newWatchCmd(opts),
		newConfigCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	var files []string
	if o.envFile != "" {
		files = append(files, o.envFile)
	}
	cfg, err := config.Load(o.configPath, files...)
	if err != nil {
		return cfg, err
	}
	for _, kv := range o.sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return cfg, fmt.Errorf("--set %q: want key=value", kv)
		}
		if err := cfg.Set(key, value); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// withApp runs fn against an engine built from the command's configuration.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cfg, cmd.ErrOrStderr(), printer{cmd.ErrOrStderr()})
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	return fn(ctx, a)
}
