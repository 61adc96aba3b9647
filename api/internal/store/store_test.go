package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clip-bot/api/internal/clip"
)

func TestSafeDSNSummaryHidesPassword(t *testing.T) {
	got := SafeDSNSummary("postgres://clip:secret@db:5432/clipbot?sslmode=disable")
	assert.Equal(t, "host=db port=5432 db=clipbot user=clip", got)
	assert.NotContains(t, got, "secret")

	assert.Equal(t, "host=db db=clipbot user=clip", SafeDSNSummary("postgres://clip@db/clipbot"))
}

func newMockRepo(t *testing.T, maxAge time.Duration) (*AnalyzeRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewAnalyzeRepo(db, maxAge), mock
}

func TestFind(t *testing.T) {
	const catJSON = `[{"text":"cat","probability":0.9}]`
	tests := []struct {
		name    string
		rows    func() *sqlmock.Rows
		want    []clip.LabelScore
		wantErr error
	}{
		{
			name: "fresh hit",
			rows: func() *sqlmock.Rows {
				return sqlmock.NewRows([]string{"result_json", "created_at"}).
					AddRow([]byte(catJSON), time.Now().Add(-time.Minute))
			},
			want: []clip.LabelScore{{Text: "cat", Probability: 0.9}},
		},
		{
			name: "stale row is a miss",
			rows: func() *sqlmock.Rows {
				return sqlmock.NewRows([]string{"result_json", "created_at"}).
					AddRow([]byte(catJSON), time.Now().Add(-2*time.Hour))
			},
			wantErr: ErrNotFound,
		},
		{
			name: "corrupt json is a miss",
			rows: func() *sqlmock.Rows {
				return sqlmock.NewRows([]string{"result_json", "created_at"}).
					AddRow([]byte(`{oops`), time.Now())
			},
			wantErr: ErrNotFound,
		},
		{
			name: "no row",
			rows: func() *sqlmock.Rows {
				return sqlmock.NewRows([]string{"result_json", "created_at"})
			},
			wantErr: ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMockRepo(t, time.Hour)
			mock.ExpectQuery(`select result_json, created_at from analyze_cache where image_hash=\$1 and texts_key=\$2`).
				WithArgs("img", "key").
				WillReturnRows(tt.rows())

			got, err := repo.Find(context.Background(), "img", "key")
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFindWithoutMaxAgeKeepsOldRows(t *testing.T) {
	repo, mock := newMockRepo(t, 0)
	mock.ExpectQuery(`from analyze_cache`).
		WithArgs("img", "key").
		WillReturnRows(sqlmock.NewRows([]string{"result_json", "created_at"}).
			AddRow([]byte(`[]`), time.Now().Add(-365*24*time.Hour)))

	got, err := repo.Find(context.Background(), "img", "key")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRefreshesOnConflict(t *testing.T) {
	repo, mock := newMockRepo(t, time.Hour)
	mock.ExpectExec(`insert into analyze_cache\(image_hash, texts_key, result_json\) values \(\$1,\$2,\$3\) on conflict \(image_hash, texts_key\) do update set result_json=excluded.result_json, created_at=now\(\)`).
		WithArgs("img", "key", []byte(`[{"text":"cat","probability":0.9}]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Upsert(context.Background(), "img", "key", []clip.LabelScore{{Text: "cat", Probability: 0.9}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertNilStoresEmptyArray(t *testing.T) {
	repo, mock := newMockRepo(t, time.Hour)
	mock.ExpectExec(`insert into analyze_cache`).
		WithArgs("img", "key", []byte(`[]`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), "img", "key", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	repo, mock := newMockRepo(t, time.Hour)
	mock.ExpectExec(`create table if not exists analyze_cache .*primary key \(image_hash, texts_key\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeOlderThan(t *testing.T) {
	repo, mock := newMockRepo(t, time.Hour)
	mock.ExpectExec(`delete from analyze_cache where created_at < \$1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.PurgeOlderThan(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeOlderThanRejectsNonPositive(t *testing.T) {
	r := NewAnalyzeRepo(nil, time.Hour)
	_, err := r.PurgeOlderThan(context.Background(), 0)
	assert.Error(t, err)
}

func TestAnalyzeRepoSatisfiesCache(t *testing.T) {
	var c clip.AnalyzeCache = NewAnalyzeRepo(nil, 0)
	require.NotNil(t, c)
}
