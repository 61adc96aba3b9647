package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"clip-bot/api/internal/clip"
)

var ErrNotFound = sql.ErrNoRows

type AnalyzeRepo struct {
	DB     *sql.DB
	MaxAge time.Duration
}

func NewAnalyzeRepo(db *sql.DB, maxAge time.Duration) *AnalyzeRepo {
	return &AnalyzeRepo{DB: db, MaxAge: maxAge}
}

const schema = `
create table if not exists analyze_cache (
  image_hash  text        not null,
  texts_key   text        not null,
  result_json jsonb       not null,
  created_at  timestamptz not null default now(),
  primary key (image_hash, texts_key)
)`

// EnsureSchema создаёт таблицу кэша, если её ещё нет.
func (r *AnalyzeRepo) EnsureSchema(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, schema)
	return err
}

// Find возвращает кэш оценок для (imageHash, textsKey).
// Если MaxAge > 0 и запись старше, вернёт ErrNotFound (чтобы сходить в бэкенд заново).
func (r *AnalyzeRepo) Find(ctx context.Context, imageHash, textsKey string) ([]clip.LabelScore, error) {
	const q = `select result_json, created_at
	           from analyze_cache
	           where image_hash=$1 and texts_key=$2`
	var (
		js []byte
		ts time.Time
	)
	if err := r.DB.QueryRowContext(ctx, q, imageHash, textsKey).Scan(&js, &ts); err != nil {
		return nil, err
	}
	if r.MaxAge > 0 && time.Since(ts) > r.MaxAge {
		return nil, ErrNotFound
	}
	var res []clip.LabelScore
	if err := json.Unmarshal(js, &res); err != nil {
		// битый кэш — считаем, что записи нет
		return nil, ErrNotFound
	}
	return res, nil
}

// Upsert сохраняет/обновляет оценки. PK: (image_hash, texts_key).
func (r *AnalyzeRepo) Upsert(ctx context.Context, imageHash, textsKey string, results []clip.LabelScore) error {
	if results == nil {
		results = []clip.LabelScore{}
	}
	js, err := json.Marshal(results)
	if err != nil {
		return err
	}
	const q = `
insert into analyze_cache(image_hash, texts_key, result_json)
values ($1,$2,$3)
on conflict (image_hash, texts_key)
do update set result_json=excluded.result_json, created_at=now()`
	_, err = r.DB.ExecContext(ctx, q, imageHash, textsKey, js)
	return err
}

// PurgeOlderThan удаляет старые записи, чтобы не раздувать БД.
func (r *AnalyzeRepo) PurgeOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("olderThan must be > 0")
	}
	cutoff := time.Now().Add(-olderThan)
	res, err := r.DB.ExecContext(ctx, `delete from analyze_cache where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	aff, _ := res.RowsAffected()
	return aff, nil
}
