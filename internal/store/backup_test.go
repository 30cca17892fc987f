package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fieldbook/internal/config"
	"fieldbook/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupService_PerformBackup(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewSQLiteStore(filepath.Join(dir, "docs.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put(ctx, models.CollectionFields, "f1", []byte(`{"fieldId":"f1"}`), models.IfVersion(0))
	require.NoError(t, err)

	svc := NewBackupService(s, config.BackupConfig{Enabled: true, StoragePath: filepath.Join(dir, "backups")}, nil)
	svc.now = func() time.Time { return time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC) }

	path, err := svc.PerformBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fieldbook_20240630_120000.db", filepath.Base(path))

	snapshot, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer snapshot.Close()

	doc, err := snapshot.Get(ctx, models.CollectionFields, "f1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"fieldId":"f1"}`, string(doc.Data))
	assert.Equal(t, int64(1), doc.Version)
}

func TestBackupService_CleanupOldBackups(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

	old := filepath.Join(dir, "fieldbook_20240601_000000.db")
	fresh := filepath.Join(dir, "fieldbook_20240629_000000.db")
	foreign := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, foreign} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	require.NoError(t, os.Chtimes(old, now.AddDate(0, 0, -30), now.AddDate(0, 0, -30)))
	require.NoError(t, os.Chtimes(fresh, now.AddDate(0, 0, -1), now.AddDate(0, 0, -1)))
	require.NoError(t, os.Chtimes(foreign, now.AddDate(0, 0, -30), now.AddDate(0, 0, -30)))

	svc := NewBackupService(nil, config.BackupConfig{StoragePath: dir, RetentionDays: 7}, nil)
	svc.now = func() time.Time { return now }

	assert.Equal(t, 1, svc.CleanupOldBackups())
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, foreign)
}

func TestBackupService_DisabledReturns(t *testing.T) {
	svc := NewBackupService(nil, config.BackupConfig{}, nil)
	done := make(chan struct{})
	go func() {
		svc.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled backup service did not return")
	}
}
