package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"raffle-market-platform/api/internal/models"
	"raffle-market-platform/shared/events"
)

const (
	DonationStatusOpen   = "open"
	DonationStatusClosed = "closed"
)

var ErrDonationClosed = errors.New("donation closed")

type DonationsRepo struct {
	pool *pgxpool.Pool
}

func NewDonationsRepo(pool *pgxpool.Pool) *DonationsRepo {
	return &DonationsRepo{pool: pool}
}

const donationColumns = `donation_id, title, description, goal_amount, raised_amount, status, created_by_user_id, created_at, updated_at`

func scanDonation(row pgx.Row) (models.Donation, error) {
	var donation models.Donation
	err := row.Scan(&donation.DonationID, &donation.Title, &donation.Description, &donation.GoalAmount,
		&donation.RaisedAmount, &donation.Status, &donation.CreatedByUserID, &donation.CreatedAt, &donation.UpdatedAt)
	return donation, err
}

func (r *DonationsRepo) CreateDonation(ctx context.Context, title string, description string, goalAmount int64, createdBy uuid.UUID) (models.Donation, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Donation{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	var donation models.Donation
	donation, err = scanDonation(tx.QueryRow(ctx, `
		INSERT INTO donations (title, description, goal_amount, raised_amount, status, created_by_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6, $6)
		RETURNING `+donationColumns+`
	`, title, description, goalAmount, DonationStatusOpen, createdBy, now))
	if err != nil {
		return models.Donation{}, err
	}

	if err = insertDonationOutbox(ctx, tx, events.TypeDonationCreated, donation); err != nil {
		return models.Donation{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Donation{}, err
	}
	return donation, nil
}

func (r *DonationsRepo) GetDonationByID(ctx context.Context, donationID uuid.UUID) (models.Donation, error) {
	return scanDonation(r.pool.QueryRow(ctx, `
		SELECT `+donationColumns+`
		FROM donations
		WHERE donation_id = $1
	`, donationID))
}

func (r *DonationsRepo) ListDonations(ctx context.Context, status string, limit int, offset int) ([]models.Donation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+donationColumns+`
		FROM donations
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var donations []models.Donation
	for rows.Next() {
		donation, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		donations = append(donations, donation)
	}
	return donations, rows.Err()
}

// Contribute records a contribution, bumps raised_amount atomically, and
// writes the outbox row, all in one transaction. Unlike raffle tickets a
// donation has no hard cap, so overshooting the goal is allowed.
func (r *DonationsRepo) Contribute(ctx context.Context, donationID uuid.UUID, contributorUserID uuid.UUID, amount int64, txHash string) (models.Donation, models.Contribution, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Donation{}, models.Contribution{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	var donation models.Donation
	donation, err = scanDonation(tx.QueryRow(ctx, `
		UPDATE donations
		SET raised_amount = raised_amount + $2, updated_at = $3
		WHERE donation_id = $1 AND status = $4
		RETURNING `+donationColumns+`
	`, donationID, amount, now, DonationStatusOpen))
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		err = nil
		return models.Donation{}, models.Contribution{}, r.classifyContributionFailure(ctx, donationID)
	}
	if err != nil {
		return models.Donation{}, models.Contribution{}, err
	}

	var contribution models.Contribution
	err = tx.QueryRow(ctx, `
		INSERT INTO contributions (donation_id, contributor_user_id, amount, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING contribution_id, donation_id, contributor_user_id, amount, tx_hash, created_at
	`, donationID, contributorUserID, amount, txHash, now).
		Scan(&contribution.ContributionID, &contribution.DonationID, &contribution.ContributorUserID, &contribution.Amount, &contribution.TxHash, &contribution.CreatedAt)
	if err != nil {
		return models.Donation{}, models.Contribution{}, err
	}

	payload, err := json.Marshal(events.ContributionPayload{
		DonationID:    donationID,
		ContributorID: contributorUserID,
		Amount:        amount,
		RaisedAmount:  donation.RaisedAmount,
		TxHash:        txHash,
		ContributedAt: now,
	})
	if err != nil {
		return models.Donation{}, models.Contribution{}, err
	}
	_, err = insertOutboxEvent(ctx, tx, models.OutboxEvent{
		EventType: string(events.TypeDonationContributed),
		Topic:     events.TopicActivityLog,
		Payload:   payload,
	})
	if err != nil {
		return models.Donation{}, models.Contribution{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Donation{}, models.Contribution{}, err
	}
	return donation, contribution, nil
}

func (r *DonationsRepo) classifyContributionFailure(ctx context.Context, donationID uuid.UUID) error {
	_, err := r.GetDonationByID(ctx, donationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return pgx.ErrNoRows
	}
	if err != nil {
		return err
	}
	return ErrDonationClosed
}

func (r *DonationsRepo) ListContributions(ctx context.Context, donationID uuid.UUID, limit int, offset int) ([]models.Contribution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT contribution_id, donation_id, contributor_user_id, amount, tx_hash, created_at
		FROM contributions
		WHERE donation_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, donationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contributions []models.Contribution
	for rows.Next() {
		var contribution models.Contribution
		if err := rows.Scan(&contribution.ContributionID, &contribution.DonationID, &contribution.ContributorUserID, &contribution.Amount, &contribution.TxHash, &contribution.CreatedAt); err != nil {
			return nil, err
		}
		contributions = append(contributions, contribution)
	}
	return contributions, rows.Err()
}

func (r *DonationsRepo) ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]models.Donation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+donationColumns+`
		FROM donations
		WHERE updated_at >= $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var donations []models.Donation
	for rows.Next() {
		donation, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		donations = append(donations, donation)
	}
	return donations, rows.Err()
}

func insertDonationOutbox(ctx context.Context, db DBTX, eventType events.Type, donation models.Donation) error {
	payload, err := json.Marshal(events.DonationPayload{
		DonationID:   donation.DonationID,
		Title:        donation.Title,
		Status:       donation.Status,
		GoalAmount:   donation.GoalAmount,
		RaisedAmount: donation.RaisedAmount,
		CreatedBy:    donation.CreatedByUserID,
		UpdatedAt:    donation.UpdatedAt,
	})
	if err != nil {
		return err
	}
	_, err = insertOutboxEvent(ctx, db, models.OutboxEvent{
		EventType: string(eventType),
		Topic:     events.TopicActivityLog,
		Payload:   payload,
	})
	return err
}
