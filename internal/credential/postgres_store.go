package credential

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore はPostgreSQLのcredentialsテーブルを使用したStore。
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get はキーに対応する値を取得する。見つからない場合は空文字列を返す。
func (s *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE key = $1`,
		key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get credential %q: %w", key, err)
	}
	return value, nil
}

// Set はキーに値をUPSERTする。
func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (key, value, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set credential %q: %w", key, err)
	}
	return nil
}

// Delete はキーを削除する。存在しない場合も成功として扱う。
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE key = $1`,
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete credential %q: %w", key, err)
	}
	return nil
}
