// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// mechanicd is the workflow substrate daemon: webhook ingress, durable task
// queue, workflow engine, validation inbox and the admin API, in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mechanic-dev/mechanic/internal/config"
	"github.com/mechanic-dev/mechanic/internal/daemon"
	"github.com/mechanic-dev/mechanic/internal/ingress"
	"github.com/mechanic-dev/mechanic/internal/log"
	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	exitError  = 1
	exitConfig = 2
)

func main() {
	daemon.Version = version

	root := &cobra.Command{
		Use:           "mechanicd",
		Short:         "Autonomous development workflow daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Accept snake_case flag spellings for parity with the env variables.
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.AddCommand(serveCommand(), tokenCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.IsConfig(err) {
			os.Exit(exitConfig)
		}
		os.Exit(exitError)
	}
}

func serveCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Debug("configuration loaded", "config", cfg.Redacted())

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer d.Close()

			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	return cmd
}

// tokenCommand mints an admin API token from the configured signing key,
// for use with the /workflow endpoints.
func tokenCommand() *cobra.Command {
	var (
		configPath string
		subject    string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			auth := ingress.NewTokenAuthority(cfg.Auth.SecretKey, ttl)
			tok, err := auth.Issue(subject)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&subject, "subject", "admin", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default from config)")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mechanicd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
