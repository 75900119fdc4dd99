package ledger

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLEventLog_LastChainHashEmptySubject(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT chain_hash FROM subject_events").
		WithArgs("t1", "run:r1").
		WillReturnError(sql.ErrNoRows)

	log := NewSQLEventLog(db)
	tail, err := log.LastChainHash(context.Background(), "t1", SubjectKey{Kind: "run", ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, tail)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLEventLog_AppendCASMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT seq, chain_hash FROM subject_events").
		WithArgs("t1", "run:r1").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "chain_hash"}).AddRow(int64(0), "aa11"))
	mock.ExpectRollback()

	log := NewSQLEventLog(db)
	_, err = log.Append(context.Background(), "t1", SubjectKey{Kind: "run", ID: "r1"},
		GenesisHash, "run_completed", nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLIdempotencyStore_ProbeMiss(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT request_hash, response, status_code, created_at").
		WithArgs("t1", "k1").
		WillReturnError(sql.ErrNoRows)

	store := NewSQLIdempotencyStore(db)
	_, hit, err := store.Probe(context.Background(), "t1", "k1", RequestHash([]byte("{}")))
	require.NoError(t, err)
	assert.False(t, hit)
	require.NoError(t, mock.ExpectationsWereMet())
}
