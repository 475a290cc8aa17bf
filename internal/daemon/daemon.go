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

// Package daemon wires the substrate together and runs it: ledger, message
// transport, tracker client, code generation, the workflow engine, the HTTP
// ingress, the worker pool, the validation inbox and the maintenance loop.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/mechanic-dev/mechanic/internal/codegen"
	"github.com/mechanic-dev/mechanic/internal/config"
	"github.com/mechanic-dev/mechanic/internal/engine"
	"github.com/mechanic-dev/mechanic/internal/inbox"
	"github.com/mechanic-dev/mechanic/internal/ingress"
	"github.com/mechanic-dev/mechanic/internal/log"
	"github.com/mechanic-dev/mechanic/internal/maintenance"
	"github.com/mechanic-dev/mechanic/internal/notify"
	"github.com/mechanic-dev/mechanic/internal/queue"
	"github.com/mechanic-dev/mechanic/internal/store"
	"github.com/mechanic-dev/mechanic/internal/store/sqlite"
	"github.com/mechanic-dev/mechanic/internal/tracing"
	"github.com/mechanic-dev/mechanic/internal/tracker"
	"github.com/mechanic-dev/mechanic/internal/transport"
	"github.com/mechanic-dev/mechanic/internal/vcs"
	"github.com/mechanic-dev/mechanic/internal/worker"
	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// Daemon is the assembled substrate.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store     store.Store
	transport transport.Transport
	tracing   *tracing.Provider
	engine    *engine.Engine

	server      *http.Server
	pool        *worker.Pool
	inbox       *inbox.Inbox
	classifier  *ingress.Classifier
	maintenance *maintenance.Runner
}

// New wires a Daemon from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	tp, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		Stdout:         cfg.Tracing.Stdout,
		ServiceName:    "mechanicd",
		ServiceVersion: Version,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}

	backend, err := sqlite.New(sqlite.Config{Path: cfg.Database.URL, WAL: cfg.Database.WAL})
	if err != nil {
		return nil, err
	}

	var tr transport.Transport
	if cfg.Broker.URL != "" {
		host, _ := os.Hostname()
		tr, err = transport.NewRedis(ctx, transport.RedisConfig{
			URL:      cfg.Broker.URL,
			Stream:   cfg.Broker.Stream,
			Group:    cfg.Broker.Group,
			Consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
		})
		if err != nil {
			backend.Close()
			return nil, err
		}
		logger.Info("using redis transport", "stream", cfg.Broker.Stream)
	} else {
		tr = transport.NewMemory(0)
		logger.Info("using in-process transport")
	}

	tc, err := tracker.New(tracker.Options{
		BaseURL: cfg.Tracker.BaseURL,
		Token:   cfg.Tracker.APIToken,
	})
	if err != nil {
		backend.Close()
		tr.Close()
		return nil, err
	}

	gen, err := buildProvider(cfg)
	if err != nil {
		backend.Close()
		tr.Close()
		return nil, err
	}

	notifier := notify.New(tc, log.WithComponent(logger, "notify"))
	git := &vcs.Git{ForgeCmd: cfg.Repo.ForgeCmd}

	q := queue.New(backend, tr, log.WithComponent(logger, "queue"), cfg.Workers.LeaseStaleAfter)
	guard := queue.NewGuard(backend, log.WithComponent(logger, "guard"),
		cfg.Workers.LeaseStaleAfter, cfg.Workflow.MaxReactivations)

	eng := engine.New(backend, gen, tc, git, notifier, log.WithComponent(logger, "engine"), engine.Config{
		TaskTimeout:        cfg.Workflow.TaskTimeout,
		TestTimeout:        cfg.Workflow.TestTimeout,
		ValidationTimeout:  cfg.Workflow.ValidationTimeout,
		LLMTimeout:         cfg.Providers.CallTimeout,
		DebugMaxIterations: cfg.Workflow.DebugMaxIterations,
		ScratchDir:         cfg.Workflow.ScratchDir,
		AgentHandle:        cfg.Tracker.AgentHandle,
		DefaultRepoURL:     cfg.Repo.DefaultURL,
		DefaultBranch:      cfg.Repo.DefaultBranch,
	})

	ib := inbox.New(backend, tc, q, gen, notifier, log.WithComponent(logger, "inbox"), inbox.Config{
		PollInterval:    cfg.Tracker.PollInterval,
		PollMaxInterval: cfg.Tracker.PollMaxInterval,
		AgentHandle:     cfg.Tracker.AgentHandle,
	})

	classifier := ingress.NewClassifier(backend, tc, q, guard, log.WithComponent(logger, "classifier"),
		ingress.ClassifierConfig{
			AgentHandle: cfg.Tracker.AgentHandle,
			Interval:    cfg.Webhook.ClassifyInterval,
			MaxAttempts: cfg.Webhook.MaxClassifyAttempts,
		})

	httpServer := ingress.NewServer(backend, q, tc, log.WithComponent(logger, "http"), ingress.Config{
		Secret:        cfg.Webhook.Secret,
		MaxBodyBytes:  cfg.Webhook.MaxBodyBytes,
		AuthSecretKey: cfg.Auth.SecretKey,
		TokenTTL:      cfg.Auth.TokenTTL,
	})

	pool := worker.New(backend, q, eng, tr, log.WithComponent(logger, "worker"), worker.Config{
		Workers:           cfg.Workers.MaxConcurrent,
		PollInterval:      cfg.Workers.PollInterval,
		HeartbeatInterval: cfg.Workers.HeartbeatInterval,
	})

	mnt := maintenance.New(backend, q, log.WithComponent(logger, "maintenance"), maintenance.Config{
		EventMonths: cfg.Retention.EventMonths,
		AuditDays:   cfg.Retention.AuditDays,
		Interval:    cfg.Retention.SweepInterval,
	})

	return &Daemon{
		cfg:       cfg,
		logger:    logger,
		store:     backend,
		transport: tr,
		tracing:   tp,
		engine:    eng,
		server: &http.Server{
			Addr:        cfg.Server.Addr,
			Handler:     httpServer.Handler(),
			ReadTimeout: cfg.Server.ReadTimeout,
		},
		pool:        pool,
		inbox:       ib,
		classifier:  classifier,
		maintenance: mnt,
	}, nil
}

// buildProvider selects and wraps the configured code-generation provider.
func buildProvider(cfg *config.Config) (codegen.Client, error) {
	var inner codegen.Client
	var err error
	switch cfg.Providers.Default {
	case "anthropic":
		inner, err = codegen.NewAnthropic(codegen.AnthropicOptions{APIKey: cfg.Providers.AnthropicAPIKey})
	case "openai":
		inner, err = codegen.NewOpenAI(codegen.OpenAIOptions{APIKey: cfg.Providers.OpenAIAPIKey})
	default:
		return nil, &errors.ConfigError{
			Key:    "providers.default",
			Reason: fmt.Sprintf("unknown provider %q", cfg.Providers.Default),
		}
	}
	if err != nil {
		return nil, err
	}
	return codegen.NewRateLimited(inner, cfg.Providers.RequestsPerMinute), nil
}

// Run recovers orphaned runs, then serves until ctx is cancelled and every
// component has drained.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("starting", "addr", d.cfg.Server.Addr, "version", Version)

	// Orphans from the previous process are requeued before workers begin
	// leasing, so recovery entries compete fairly with new work.
	if err := d.engine.Recover(ctx); err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return ignoreCancel(d.pool.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(d.inbox.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(d.classifier.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(d.maintenance.Run(ctx)) })

	err := g.Wait()
	d.logger.Info("stopped")
	return err
}

// Close releases held resources.
func (d *Daemon) Close() error {
	var firstErr error
	if err := d.transport.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := d.tracing.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
