package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"veritrust/internal/domain"
)

// HashAPIKey returns the stored hash for a raw API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey mints a key bound to a validator wallet and returns the raw
// secret exactly once.
func (r Repo) CreateAPIKey(ctx context.Context, wallet, name string) (domain.APIKey, string, error) {
	raw := uuid.New().String() + uuid.New().String()
	k := domain.APIKey{
		ID:        uuid.New().String(),
		Wallet:    wallet,
		Name:      name,
		KeyHash:   HashAPIKey(raw),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,wallet,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		k.ID, k.Wallet, nullable(k.Name), k.KeyHash, k.CreatedAt)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return k, raw, nil
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,wallet,COALESCE(name,''),key_hash,created_at FROM api_keys WHERE key_hash=?`, hash)
	var k domain.APIKey
	err := row.Scan(&k.ID, &k.Wallet, &k.Name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	return k, err
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
