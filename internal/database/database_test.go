package database

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wagate/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
	require.NoError(t, db.Migrate(context.Background()))
}

func TestSecrets(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.GetSecret(ctx, "signing")
	assert.ErrorIs(t, err, ErrNotFound)

	wrote, err := db.PutSecretIfAbsent(ctx, "signing", "first")
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = db.PutSecretIfAbsent(ctx, "signing", "second")
	require.NoError(t, err)
	assert.False(t, wrote)

	v, err := db.GetSecret(ctx, "signing")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	require.NoError(t, db.PutSecret(ctx, "signing", "rotated"))
	v, err = db.GetSecret(ctx, "signing")
	require.NoError(t, err)
	assert.Equal(t, "rotated", v)

	require.NoError(t, db.DeleteSecret(ctx, "signing"))
	_, err = db.GetSecret(ctx, "signing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessions_SaveGetList(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := &models.VendorSession{
		VendorID:         7,
		State:            models.SessionPairing,
		PairingHandle:    "h-1",
		PairingCode:      "qr",
		PairingExpiresAt: models.TimePtr(now.Add(5 * time.Minute)),
	}
	require.NoError(t, db.SaveSession(ctx, s))

	got, err := db.GetSession(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPairing, got.State)
	assert.Equal(t, "h-1", got.PairingHandle)
	assert.Nil(t, got.RemoteSessionID)
	require.NotNil(t, got.PairingExpiresAt)
	assert.True(t, now.Add(5*time.Minute).Equal(*got.PairingExpiresAt))

	got.State = models.SessionConnected
	got.RemoteSessionID = models.StringPtr("remote-7")
	got.LastCheckedAt = models.TimePtr(now)
	got.LastError = models.StringPtr("previous")
	got.ConsecutiveFailures = 2
	require.NoError(t, db.SaveSession(ctx, got))

	again, err := db.GetSession(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "remote-7", again.RemoteID())
	assert.Equal(t, 2, again.ConsecutiveFailures)
	assert.Equal(t, "previous", *again.LastError)
	assert.True(t, again.Consistent())

	all, err := db.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, db.DeleteSession(ctx, 7))
	_, err = db.GetSession(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteSession(ctx, 7), ErrNotFound)
}

func TestSessions_InvalidState(t *testing.T) {
	db := setupTestDB(t)
	err := db.SaveSession(context.Background(), &models.VendorSession{VendorID: 1, State: "bogus"})
	assert.Error(t, err)
}

func TestSessions_ListForCheck(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sessions := []*models.VendorSession{
		{VendorID: 1, State: models.SessionConnected, RemoteSessionID: models.StringPtr("r1"), LastCheckedAt: models.TimePtr(base.Add(-10 * time.Minute))},
		{VendorID: 2, State: models.SessionDegraded, RemoteSessionID: models.StringPtr("r2"), LastCheckedAt: models.TimePtr(base.Add(-30 * time.Minute))},
		{VendorID: 3, State: models.SessionPairing},
		{VendorID: 4, State: models.SessionExpired},
		{VendorID: 5, State: models.SessionUnpaired},
		{VendorID: 6, State: models.SessionConnected, RemoteSessionID: models.StringPtr("r6"), LastCheckedAt: models.TimePtr(base.Add(-time.Minute))},
	}
	for _, s := range sessions {
		require.NoError(t, db.SaveSession(ctx, s))
	}

	due, err := db.ListSessionsForCheck(ctx, base.Add(-5*time.Minute), 0)
	require.NoError(t, err)

	var ids []int64
	for _, s := range due {
		ids = append(ids, s.VendorID)
	}
	assert.Equal(t, []int64{3, 2, 1}, ids)

	limited, err := db.ListSessionsForCheck(ctx, base, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMessageJobs_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &models.MessageJob{
		ID:           "job-1",
		VendorID:     3,
		TemplateName: "order_update",
		Variables:    map[string]string{"order_id": "42"},
		Status:       models.JobPending,
	}
	require.NoError(t, db.CreateMessageJob(ctx, job))

	due, err := db.DueMessageJobs(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "42", due[0].Variables["order_id"])

	job.Attempts = 1
	job.NextRetryAt = models.TimePtr(now.Add(time.Hour))
	job.LastError = models.StringPtr("gateway busy")
	job.ErrorKind = "gateway_rate_limited"
	job.Payload = &models.MessagePayload{Template: "order_update", Language: "en", Body: "Order 42"}
	require.NoError(t, db.UpdateMessageJob(ctx, job))

	due, err = db.DueMessageJobs(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = db.DueMessageJobs(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	job.Status = models.JobSent
	job.NextRetryAt = nil
	job.GatewayMessageID = "wamid.1"
	require.NoError(t, db.UpdateMessageJob(ctx, job))

	got, err := db.GetMessageJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobSent, got.Status)
	assert.Equal(t, "wamid.1", got.GatewayMessageID)
	require.NotNil(t, got.Payload)
	assert.Equal(t, "Order 42", got.Payload.Body)

	// A terminal row cannot be rewritten.
	got.Status = models.JobPending
	err = db.UpdateMessageJob(ctx, got)
	assert.ErrorIs(t, err, models.ErrTerminalJob)

	_, err = db.GetMessageJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	err = db.UpdateMessageJob(ctx, &models.MessageJob{ID: "missing", Status: models.JobPending})
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := db.ListMessageJobs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSyncJobs_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.FindOpenSyncJob(ctx, 1, 100)
	assert.ErrorIs(t, err, ErrNotFound)

	job := &models.SyncJob{ID: "sync-1", VendorID: 1, ProductID: 100, Status: models.SyncPending}
	require.NoError(t, db.CreateSyncJob(ctx, job))

	open, err := db.FindOpenSyncJob(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "sync-1", open.ID)

	due, err := db.DueSyncJobs(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	job.Status = models.SyncSynced
	job.Attempts = 1
	job.GatewaySyncID = "gs-1"
	require.NoError(t, db.UpdateSyncJob(ctx, job))

	_, err = db.FindOpenSyncJob(ctx, 1, 100)
	assert.ErrorIs(t, err, ErrNotFound)

	job.Status = models.SyncFailed
	assert.ErrorIs(t, db.UpdateSyncJob(ctx, job), models.ErrTerminalJob)

	got, err := db.GetSyncJob(ctx, "sync-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, got.Status)
	assert.Equal(t, "gs-1", got.GatewaySyncID)

	list, err := db.ListSyncJobs(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConcurrentJobUpdates(t *testing.T) {
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "concurrency.db"), &logger)
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.CreateMessageJob(ctx, &models.MessageJob{ID: "c-1", VendorID: 1, TemplateName: "t", Status: models.JobPending}))

	// Only the first writer of a terminal status wins.
	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- db.UpdateMessageJob(ctx, &models.MessageJob{ID: "c-1", Status: models.JobSent, Attempts: 1})
		}()
	}
	wg.Wait()
	close(results)

	var ok, terminal int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrTerminalJob):
			terminal++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, terminal)
}

func TestDB_ErrorPaths(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	db.Close()

	ctx := context.Background()
	_, err = db.GetSession(ctx, 1)
	assert.Error(t, err)
	assert.Error(t, db.SaveSession(ctx, &models.VendorSession{VendorID: 1, State: models.SessionUnpaired}))
	_, err = db.ListSessions(ctx)
	assert.Error(t, err)
	_, err = db.GetSecret(ctx, "x")
	assert.Error(t, err)
	assert.Error(t, db.CreateMessageJob(ctx, &models.MessageJob{ID: "x"}))
	_, err = db.DueSyncJobs(ctx, time.Now(), 1)
	assert.Error(t, err)
}

func TestNewDB_BadPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	logger := zerolog.Nop()
	_, err := NewDB(filepath.Join(blocker, "sub", "db.sqlite"), &logger)
	assert.Error(t, err)
}

func TestActivationState(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	active, err := db.IsActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, db.SetActive(ctx, true))
	active, err = db.IsActive(ctx)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, db.SetActive(ctx, false))
	active, err = db.IsActive(ctx)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = db.GetSetting(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
