package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/tenant-plane/internal/domain"
	"github.com/V4T54L/tenant-plane/internal/pkg/config"
)

func testConfig(t *testing.T, redisAddr string) *config.Config {
	return &config.Config{
		QueueDriver:           config.QueueDriverRedis,
		RedisAddr:             redisAddr,
		ProvisionStream:       "provisioning",
		ProvisionGroup:        "provisioners",
		ProvisionDLQ:          "provisioning-dlq",
		ProvisionRetryBackoff: time.Second,
		ProvisionClaimIdle:    time.Minute,
		WALPath:               t.TempDir(),
		WALSegmentSize:        1 << 20,
		WALMaxDiskSize:        10 << 20,
	}
}

func TestOpen_Redis(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)

	q, err := Open(context.Background(), testConfig(t, mr.Addr()), logger, nil)
	require.NoError(t, err)
	defer q.Close()

	require.NotNil(t, q.Redis)
	require.NotNil(t, q.Admin)

	id := uuid.New()
	require.NoError(t, q.Enqueue(context.Background(), domain.ProvisioningJob{TenantID: id}))

	jobs, err := q.Dequeue(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].TenantID)
	assert.Equal(t, 1, jobs[0].Attempt)
}

func TestOpen_RedisDownFallsBackToWAL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	q, err := Open(context.Background(), testConfig(t, addr), logger, nil)
	require.NoError(t, err)
	defer q.Close()

	assert.NoError(t, q.Enqueue(context.Background(), domain.ProvisioningJob{TenantID: uuid.New()}),
		"enqueue must be absorbed by the wal while redis is down")
}

func TestRedisOptions(t *testing.T) {
	assert.Equal(t, "localhost:6379", redisOptions("localhost:6379").Addr)

	opts := redisOptions("redis://:secret@cache:6380/2")
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
}
