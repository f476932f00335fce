package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testRedisClient *redis.Client
	testDatabaseURL string
	testDB          *sql.DB
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containers []testcontainers.Container
	if c, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}); err != nil {
		fmt.Printf("Docker not available, redis tests will be skipped: %v\n", err)
	} else {
		containers = append(containers, c)
		testRedisClient = connectRedis(ctx, c)
	}

	if c, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "bridge",
			"POSTGRES_PASSWORD": "bridge",
			"POSTGRES_DB":       "bridge",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}); err != nil {
		fmt.Printf("Docker not available, postgres tests will be skipped: %v\n", err)
	} else {
		containers = append(containers, c)
		connectPostgres(ctx, c)
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testDB != nil {
		_ = testDB.Close()
	}
	for _, c := range containers {
		_ = c.Terminate(ctx)
	}
	os.Exit(code)
}

func startContainer(ctx context.Context, req testcontainers.ContainerRequest) (c testcontainers.Container, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker not available: %v", r)
		}
	}()
	return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
}

func connectRedis(ctx context.Context, c testcontainers.Container) *redis.Client {
	host, err := c.Host(ctx)
	if err != nil {
		return nil
	}
	port, err := c.MappedPort(ctx, "6379")
	if err != nil {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Printf("Failed to ping redis: %v\n", err)
		_ = client.Close()
		return nil
	}
	return client
}

func connectPostgres(ctx context.Context, c testcontainers.Container) {
	host, err := c.Host(ctx)
	if err != nil {
		return
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		return
	}
	url := fmt.Sprintf("postgres://bridge:bridge@%s:%s/bridge?sslmode=disable", host, port.Port())
	if err := Migrate(url); err != nil {
		fmt.Printf("Failed to migrate postgres: %v\n", err)
		return
	}
	db, err := OpenPostgres(ctx, url)
	if err != nil {
		fmt.Printf("Failed to open postgres: %v\n", err)
		return
	}
	testDatabaseURL = url
	testDB = db
}

func requireRedis(t *testing.T) {
	t.Helper()
	if testRedisClient == nil {
		t.Skip("redis container not available")
	}
}

func requirePostgres(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("postgres container not available")
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	requireRedis(t)
	ctx := context.Background()
	store := NewRedisStore(testRedisClient, time.Hour)
	key := Key("redis", "app", t.Name())

	entry := testEntry(time.Now().UTC().Truncate(time.Millisecond))
	require.NoError(t, store.Put(ctx, key, entry))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.ConversationID, got.ConversationID)
	assert.True(t, entry.LastActivity.Equal(got.LastActivity))

	ttl, err := testRedisClient.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	require.NoError(t, store.Delete(ctx, key))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStoreExpiredEntryIsRemovedOnRead(t *testing.T) {
	requireRedis(t)
	ctx := context.Background()
	store := NewRedisStore(testRedisClient, time.Hour)
	key := Key("redis", "app", t.Name())

	raw, err := json.Marshal(testEntry(time.Now().Add(-2 * time.Hour)))
	require.NoError(t, err)
	require.NoError(t, testRedisClient.Set(ctx, key, raw, 0).Err())

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	exists, err := testRedisClient.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRedisStorePutOfStaleEntryDeletes(t *testing.T) {
	requireRedis(t)
	ctx := context.Background()
	store := NewRedisStore(testRedisClient, time.Hour)
	key := Key("redis", "app", t.Name())

	require.NoError(t, store.Put(ctx, key, testEntry(time.Now())))
	require.NoError(t, store.Put(ctx, key, testEntry(time.Now().Add(-2*time.Hour))))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(testDB, time.Hour)
	key := Key("pg", "app", t.Name())

	entry := testEntry(time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, store.Put(ctx, key, entry))

	entry.ConversationID = "conv-2"
	require.NoError(t, store.Put(ctx, key, entry))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "conv-2", got.ConversationID)
	assert.Equal(t, entry.BotAccount, got.BotAccount)
	assert.True(t, entry.LastActivity.Equal(got.LastActivity))

	require.NoError(t, store.Delete(ctx, key))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgresStoreExpiryAndSweep(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	store := NewPostgresStore(testDB, time.Hour)
	stale := Key("pg", "app", t.Name()+"-stale")
	unread := Key("pg", "app", t.Name()+"-unread")

	require.NoError(t, store.Put(ctx, stale, testEntry(time.Now().Add(-2*time.Hour))))
	require.NoError(t, store.Put(ctx, unread, testEntry(time.Now().Add(-3*time.Hour))))

	got, err := store.Get(ctx, stale)
	require.NoError(t, err)
	assert.Nil(t, got)

	var count int
	require.NoError(t, testDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_memory WHERE memory_key = $1`, stale).Scan(&count))
	assert.Zero(t, count)

	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 1)
}

func TestMigrateIsIdempotent(t *testing.T) {
	requirePostgres(t)
	require.NoError(t, Migrate(testDatabaseURL))
}
