package storage_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/openclaw/vcevidence/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*storage.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return storage.New(db), mock
}

func TestSaveCollectionCycle_CommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO collections")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO artifacts")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scope_audits")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO normalized_records")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.SaveCollectionCycle(ctx, storage.CollectionCycle{
		Collection: storage.Collection{CollectionID: "c1", StartupID: "acme", WindowFrom: now, WindowTo: now, Status: storage.CollectionStatusCollected, CreatedAt: now},
		Artifacts:  []storage.Artifact{{ArtifactID: "sha256:a", CollectionID: "c1", MTime: now}},
		Audits:     []storage.ScopeAudit{{CollectionID: "c1", StartupID: "acme", Decision: storage.ScopeDecisionAllow, CreatedAt: now}},
		Records:    []storage.NormalizedRecord{{RecordID: "r1", CollectionID: "c1", StartupID: "acme", PayloadJSON: []byte(`{}`), CreatedAt: now}},
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCollectionCycle_RollsBackOnArtifactFailure(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO collections")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO artifacts")).WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := store.SaveCollectionCycle(ctx, storage.CollectionCycle{
		Collection: storage.Collection{CollectionID: "c1", StartupID: "acme", WindowFrom: now, WindowTo: now, Status: storage.CollectionStatusCollected, CreatedAt: now},
		Artifacts:  []storage.Artifact{{ArtifactID: "sha256:a", CollectionID: "c1", MTime: now}},
	})

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireApproval_NoRowsWhenNotPending(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE approvals SET status = 'expired'")).
		WithArgs("a1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.ExpireApproval(ctx, "a1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestInsertSignoff_SecondDistinctApproverInserted(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_signoffs")).
		WithArgs("a1", "alice", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	inserted, err := store.InsertSignoff(ctx, "a1", "alice", now)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestInsertSignoff_DuplicateApproverNotInserted(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_signoffs")).
		WithArgs("a1", "alice", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.InsertSignoff(ctx, "a1", "alice", now)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestUpsertConnection_ExecutesUpsert(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO integration_connections")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertConnection(ctx, storage.IntegrationConnection{
		ConnectionID: "conn1", StartupID: "acme", Provider: "google", Mode: "byo_oauth",
		Status: storage.ConnectionStatusAwaitingCredentials, MetadataJSON: []byte(`{}`),
		CreatedAt: now, UpdatedAt: now,
	})
	assert.NoError(t, err)
}
