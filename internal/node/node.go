// Package node assembles a roster client from configuration: database, stores,
// provider connection, revision cache, sync processor, update coordinator and
// the pulse job handlers that carry out deferred work.
package node

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/roster/am"
	"github.com/teranos/roster/db"
	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/cache"
	"github.com/teranos/roster/group/coordinator"
	"github.com/teranos/roster/group/jobs"
	"github.com/teranos/roster/group/locks"
	"github.com/teranos/roster/group/state"
	"github.com/teranos/roster/group/store"
	"github.com/teranos/roster/logger"
	"github.com/teranos/roster/provider/wsprovider"
	"github.com/teranos/roster/pulse/async"
)

// Provider is the server connection a node talks to.
type Provider interface {
	group.StateProvider
	group.ProfileDirectory
}

// Node is a wired roster client.
type Node struct {
	DB          *sql.DB
	Self        group.Self
	Provider    Provider
	Groups      *store.GroupStore
	Profiles    *store.ProfileStore
	Timeline    *store.Timeline
	Cache       *cache.Cache
	Queue       *async.Queue
	Scheduler   *jobs.Scheduler
	Processor   *state.Processor
	Coordinator *coordinator.Coordinator

	client *wsprovider.Client
	logger *zap.SugaredLogger
}

// Open opens the configured database and wires a node that reaches the group
// server over a websocket. The connection is made on first use, so commands
// that only read local state work offline.
func Open(cfg *am.Config, log *zap.SugaredLogger) (*Node, error) {
	if log == nil {
		log = logger.Logger
	}
	self, err := cfg.LocalSelf()
	if err != nil {
		return nil, err
	}

	database, err := db.OpenWithMigrations(cfg.GetDatabasePath(), log)
	if err != nil {
		return nil, err
	}

	client := wsprovider.NewClient(wsprovider.WebsocketDialer(cfg.Provider.URL), self, wsprovider.Options{
		RequestsPerMinute: cfg.Provider.RequestsPerMinute,
		Timeout:           cfg.ProviderTimeout(),
		Logger:            log.Named("provider"),
	})

	n, err := New(database, self, client, cfg, log)
	if err != nil {
		database.Close()
		return nil, err
	}
	n.client = client
	return n, nil
}

// New wires a node around an open, migrated database and a provider.
func New(database *sql.DB, self group.Self, provider Provider, cfg *am.Config, log *zap.SugaredLogger) (*Node, error) {
	if log == nil {
		log = logger.Logger
	}

	revisions, err := cache.New(provider, cache.Config{
		RevisionWindow: cfg.Cache.RevisionWindow,
		MaxGroups:      cfg.Cache.MaxGroups,
	}, log.Named("cache"))
	if err != nil {
		return nil, err
	}

	n := &Node{
		DB:       database,
		Self:     self,
		Provider: provider,
		Groups:   store.NewGroupStore(database),
		Profiles: store.NewProfileStore(database),
		Timeline: store.NewTimeline(database),
		Cache:    revisions,
		Queue:    async.NewQueue(database),
		logger:   log,
	}
	n.Scheduler = jobs.NewScheduler(n.Queue, log.Named("scheduler"))

	groupLocks := locks.New(cfg.LockTimeout())
	n.Processor = state.NewProcessor(state.Deps{
		Cache:     n.Cache,
		Store:     n.Groups,
		Keys:      n.Profiles,
		Timeline:  n.Timeline,
		Scheduler: n.Scheduler,
		Self:      self,
		Locks:     groupLocks,
		Logger:    log.Named("state"),
	})
	if cfg.Sync.Concurrency > 0 {
		n.Processor.Concurrency = cfg.Sync.Concurrency
	}

	n.Coordinator = coordinator.New(coordinator.Deps{
		Provider:     provider,
		Cache:        n.Cache,
		Store:        n.Groups,
		Keys:         n.Profiles,
		Timeline:     n.Timeline,
		Scheduler:    n.Scheduler,
		Synchronizer: n.Processor,
		Capabilities: n.Profiles,
		Locks:        groupLocks,
		Self:         self,
		Logger:       log.Named("coordinator"),
	})

	return n, nil
}

// Registry returns a handler registry holding the roster job handlers.
func (n *Node) Registry() *async.HandlerRegistry {
	registry := async.NewHandlerRegistry()
	jobs.Register(registry, jobs.Deps{
		Store:        n.Groups,
		Provider:     n.Provider,
		Directory:    n.Provider,
		Profiles:     n.Profiles,
		Synchronizer: n.Processor,
		Logger:       n.logger.Named("jobs"),
	})
	return registry
}

// WorkerPool creates a pool that runs the roster jobs with the configured worker settings.
func (n *Node) WorkerPool(ctx context.Context, cfg *am.Config) *async.WorkerPool {
	poolCfg := async.DefaultWorkerPoolConfig()
	if cfg.Pulse.Workers > 0 {
		poolCfg.Workers = cfg.Pulse.Workers
	}
	poolCfg.PollInterval = cfg.TickerInterval()
	return async.NewWorkerPool(ctx, n.DB, poolCfg, n.logger, n.Registry())
}

// RunQueued executes ready jobs in the calling goroutine until none are left or
// limit jobs have run. Retryable failures are rescheduled with backoff the way
// the worker pool does; other failures mark the job failed. It returns the
// number of jobs that ran.
func (n *Node) RunQueued(ctx context.Context, limit int) (int, error) {
	exec := async.NewRegistryExecutor(n.Registry())
	poolCfg := async.DefaultWorkerPoolConfig()

	ran := 0
	for ran < limit {
		if err := ctx.Err(); err != nil {
			return ran, err
		}
		job, err := n.Queue.Dequeue()
		if err != nil {
			return ran, errors.Wrap(err, "failed to dequeue job")
		}
		if job == nil {
			return ran, nil
		}
		ran++

		log := logger.ChildLogger(n.logger, logger.FieldJobID, job.ID, logger.FieldHandler, job.HandlerName)
		execErr := exec.Execute(logger.WithJobID(ctx, job.ID), job)
		if execErr == nil {
			if err := n.Queue.CompleteJob(job.ID); err != nil {
				return ran, err
			}
			continue
		}

		if async.ClassifyError(job.HandlerName, execErr).Retryable {
			retried, err := async.RetryableError(n.Queue, job, job.HandlerName, execErr,
				poolCfg.RetryBackoff, poolCfg.MaxBackoff, log)
			if err != nil {
				return ran, err
			}
			if retried {
				continue
			}
		}
		log.Warnw("Job failed", logger.FieldError, execErr)
		if err := n.Queue.FailJob(job.ID, execErr); err != nil {
			return ran, err
		}
	}
	return ran, nil
}

// SyncAll brings every active local group up to the latest server revision.
func (n *Node) SyncAll(ctx context.Context) ([]state.GroupSync, error) {
	records, err := n.Groups.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list groups")
	}
	var params []group.Params
	for _, r := range records {
		if r.Active {
			params = append(params, r.Params)
		}
	}
	return n.Processor.UpdateAll(ctx, params, group.Latest)
}

// Retune applies reloadable settings. Registered as a config watcher callback.
func (n *Node) Retune(cfg *am.Config) error {
	if n.client != nil {
		n.client.SetRate(cfg.Provider.RequestsPerMinute)
	}
	if cfg.Sync.Concurrency > 0 {
		n.Processor.Concurrency = cfg.Sync.Concurrency
	}
	n.logger.Infow("Applied reloaded settings",
		"requests_per_minute", cfg.Provider.RequestsPerMinute,
		"sync_concurrency", n.Processor.Concurrency)
	return nil
}

// Close releases the connection and database.
func (n *Node) Close() error {
	if n.client != nil {
		if err := n.client.Close(); err != nil {
			n.logger.Warnw("Failed to close provider connection", logger.FieldError, err)
		}
	}
	return n.DB.Close()
}
