// Package queue builds the provisioning job queue selected by QUEUE_DRIVER.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	natsrepo "github.com/V4T54L/tenant-plane/internal/adapter/repository/nats"
	redisrepo "github.com/V4T54L/tenant-plane/internal/adapter/repository/redis"
	"github.com/V4T54L/tenant-plane/internal/adapter/repository/wal"
	"github.com/V4T54L/tenant-plane/internal/domain"
	"github.com/V4T54L/tenant-plane/internal/pkg/config"
)

const (
	natsStream     = "PROVISIONING"
	natsSubject    = "provisioning.jobs"
	natsDLQSubject = "provisioning.dlq"

	healthInterval = 5 * time.Second
)

// Queue is an opened job queue together with what the process needs to run
// and close it.
type Queue struct {
	domain.JobQueue

	// Redis and Admin are set only for the redis driver.
	Redis *redis.Client
	Admin domain.QueueAdminRepository

	redisQueue *redisrepo.JobQueue
	closers    []func() error
}

// Open connects the configured driver. With redis, enqueues fall back to a
// WAL under cfg.WALPath while Redis is unreachable.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.ProvisionMetrics) (*Queue, error) {
	switch cfg.QueueDriver {
	case config.QueueDriverNATS:
		return openNATS(cfg, logger)
	default:
		return openRedis(ctx, cfg, logger, m)
	}
}

func openRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.ProvisionMetrics) (*Queue, error) {
	client := redis.NewClient(redisOptions(cfg.RedisAddr))
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("could not connect to redis, will proceed in WAL-only mode", "error", err)
	}

	walRepo, err := wal.NewWALRepository(cfg.WALPath, cfg.WALSegmentSize, cfg.WALMaxDiskSize, logger)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("initialize wal: %w", err)
	}

	opts := redisrepo.QueueOptions{
		Stream:       cfg.ProvisionStream,
		Group:        cfg.ProvisionGroup,
		DLQ:          cfg.ProvisionDLQ,
		ClaimIdle:    cfg.ProvisionClaimIdle,
		RetryBackoff: cfg.ProvisionRetryBackoff,
	}
	q := redisrepo.NewJobQueue(client, logger, opts, walRepo, m)
	if q.Available() {
		if err := q.ReplayWAL(ctx); err != nil {
			logger.Error("failed to replay wal on startup", "error", err)
		}
	}

	return &Queue{
		JobQueue:   q,
		Redis:      client,
		Admin:      redisrepo.NewAdminRepository(client, logger, opts),
		redisQueue: q,
		closers:    []func() error{walRepo.Close, client.Close},
	}, nil
}

func openNATS(cfg *config.Config, logger *slog.Logger) (*Queue, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("tenant-plane"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	q, err := natsrepo.NewJobQueue(nc, logger, natsrepo.QueueOptions{
		Stream:       natsStream,
		Subject:      natsSubject,
		DLQSubject:   natsDLQSubject,
		Durable:      cfg.ProvisionGroup,
		AckWait:      cfg.ProvisionJobTimeout + time.Minute,
		RetryBackoff: cfg.ProvisionRetryBackoff,
	})
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Queue{
		JobQueue: q,
		closers: []func() error{q.Close, func() error {
			return nc.Drain()
		}},
	}, nil
}

// StartHealthCheck watches Redis availability and replays the WAL on
// recovery. It returns immediately for the nats driver.
func (q *Queue) StartHealthCheck(ctx context.Context) {
	if q.redisQueue == nil {
		return
	}
	q.redisQueue.StartHealthCheck(ctx, healthInterval)
}

// Close releases the queue's connections.
func (q *Queue) Close() error {
	var firstErr error
	for _, c := range q.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func redisOptions(addr string) *redis.Options {
	if strings.Contains(addr, "://") {
		if opts, err := redis.ParseURL(addr); err == nil {
			return opts
		}
	}
	return &redis.Options{Addr: addr}
}
