package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"raffle-market-platform/api/internal/models"
)

type UsersRepo struct {
	pool *pgxpool.Pool
}

func NewUsersRepo(pool *pgxpool.Pool) *UsersRepo {
	return &UsersRepo{pool: pool}
}

// UpsertByWallet registers the wallet on first sight and refreshes last_seen_at
// on every subsequent call.
func (r *UsersRepo) UpsertByWallet(ctx context.Context, walletAddress string, displayName string, role string) (models.User, error) {
	var user models.User
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (wallet_address, display_name, role, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (wallet_address) DO UPDATE
		SET display_name = EXCLUDED.display_name, last_seen_at = EXCLUDED.last_seen_at
		RETURNING user_id, wallet_address, display_name, role, created_at, last_seen_at
	`, walletAddress, displayName, role, now).
		Scan(&user.UserID, &user.WalletAddress, &user.DisplayName, &user.Role, &user.CreatedAt, &user.LastSeenAt)
	return user, err
}

func (r *UsersRepo) GetByID(ctx context.Context, userID uuid.UUID) (models.User, error) {
	var user models.User
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, wallet_address, display_name, role, created_at, last_seen_at
		FROM users
		WHERE user_id = $1
	`, userID).
		Scan(&user.UserID, &user.WalletAddress, &user.DisplayName, &user.Role, &user.CreatedAt, &user.LastSeenAt)
	return user, err
}

