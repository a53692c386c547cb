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
	"raffle-market-platform/shared/workflow"
)

var (
	ErrInvalidRaffleTransition = errors.New("invalid raffle transition")
	// ErrCapacityExceeded is the definitive sold-out outcome: retrying the
	// same purchase cannot succeed.
	ErrCapacityExceeded = errors.New("raffle capacity exceeded")
	ErrRaffleNotOpen    = errors.New("raffle not open for purchase")
)

type RafflesRepo struct {
	pool *pgxpool.Pool
}

func NewRafflesRepo(pool *pgxpool.Pool) *RafflesRepo {
	return &RafflesRepo{pool: pool}
}

const raffleColumns = `raffle_id, title, description, status, ticket_price, total_tickets, tickets_sold, created_by_user_id, approved_by_user_id, created_at, updated_at`

func scanRaffle(row pgx.Row) (models.Raffle, error) {
	var raffle models.Raffle
	err := row.Scan(&raffle.RaffleID, &raffle.Title, &raffle.Description, &raffle.Status, &raffle.TicketPrice,
		&raffle.TotalTickets, &raffle.TicketsSold, &raffle.CreatedByUserID, &raffle.ApprovedByUserID, &raffle.CreatedAt, &raffle.UpdatedAt)
	return raffle, err
}

// CreateRaffle inserts the raffle and its outbox row in one transaction.
func (r *RafflesRepo) CreateRaffle(ctx context.Context, title string, description string, ticketPrice int64, totalTickets int, createdBy uuid.UUID) (models.Raffle, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Raffle{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	var raffle models.Raffle
	raffle, err = scanRaffle(tx.QueryRow(ctx, `
		INSERT INTO raffles (title, description, status, ticket_price, total_tickets, tickets_sold, created_by_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
		RETURNING `+raffleColumns+`
	`, title, description, workflow.RaffleStatusPending, ticketPrice, totalTickets, createdBy, now))
	if err != nil {
		return models.Raffle{}, err
	}

	if err = insertRaffleOutbox(ctx, tx, events.TypeRaffleCreated, raffle); err != nil {
		return models.Raffle{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Raffle{}, err
	}
	return raffle, nil
}

func (r *RafflesRepo) GetRaffleByID(ctx context.Context, raffleID uuid.UUID) (models.Raffle, error) {
	return scanRaffle(r.pool.QueryRow(ctx, `
		SELECT `+raffleColumns+`
		FROM raffles
		WHERE raffle_id = $1
	`, raffleID))
}

func (r *RafflesRepo) ListRaffles(ctx context.Context, status string, limit int, offset int) ([]models.Raffle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+raffleColumns+`
		FROM raffles
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var raffles []models.Raffle
	for rows.Next() {
		raffle, err := scanRaffle(rows)
		if err != nil {
			return nil, err
		}
		raffles = append(raffles, raffle)
	}
	return raffles, rows.Err()
}

// TransitionRaffleStatus moves a raffle through its lifecycle under a row
// lock. A no-op transition (already at toStatus) commits and reports
// changed=false.
func (r *RafflesRepo) TransitionRaffleStatus(ctx context.Context, raffleID uuid.UUID, toStatus string, actorUserID *uuid.UUID) (models.Raffle, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Raffle{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var raffle models.Raffle
	raffle, err = scanRaffle(tx.QueryRow(ctx, `
		SELECT `+raffleColumns+`
		FROM raffles
		WHERE raffle_id = $1
		FOR UPDATE
	`, raffleID))
	if err != nil {
		return models.Raffle{}, false, err
	}

	toStatus = workflow.NormalizeStatus(toStatus)
	if raffle.Status == toStatus {
		if err = tx.Commit(ctx); err != nil {
			return models.Raffle{}, false, err
		}
		return raffle, false, nil
	}
	if !workflow.CanTransition(raffle.Status, toStatus) {
		err = ErrInvalidRaffleTransition
		return models.Raffle{}, false, err
	}

	now := time.Now().UTC()
	if toStatus == workflow.RaffleStatusApproved {
		raffle.ApprovedByUserID = actorUserID
	}
	_, err = tx.Exec(ctx, `
		UPDATE raffles
		SET status = $2, approved_by_user_id = $3, updated_at = $4
		WHERE raffle_id = $1
	`, raffleID, toStatus, raffle.ApprovedByUserID, now)
	if err != nil {
		return models.Raffle{}, false, err
	}
	raffle.Status = toStatus
	raffle.UpdatedAt = now

	switch toStatus {
	case workflow.RaffleStatusApproved:
		if err = insertRaffleOutbox(ctx, tx, events.TypeRaffleApproved, raffle); err != nil {
			return models.Raffle{}, false, err
		}
	case workflow.RaffleStatusCancelled:
		if err = insertRaffleOutbox(ctx, tx, events.TypeRaffleCancelled, raffle); err != nil {
			return models.Raffle{}, false, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Raffle{}, false, err
	}
	return raffle, true, nil
}

// PurchaseTickets settles a purchase atomically: a single guarded UPDATE
// claims the quantity, numbered tickets are inserted, and the outbox row is
// written, all in one transaction. The guard is the sole capacity check, so
// concurrent purchases can never oversell.
func (r *RafflesRepo) PurchaseTickets(ctx context.Context, raffleID uuid.UUID, buyerUserID uuid.UUID, quantity int) (models.Raffle, []models.Ticket, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Raffle{}, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	var raffle models.Raffle
	raffle, err = scanRaffle(tx.QueryRow(ctx, `
		UPDATE raffles
		SET tickets_sold = tickets_sold + $2, updated_at = $3
		WHERE raffle_id = $1
		  AND status = $4
		  AND tickets_sold + $2 <= total_tickets
		RETURNING `+raffleColumns+`
	`, raffleID, quantity, now, workflow.RaffleStatusApproved))
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		err = nil
		return models.Raffle{}, nil, r.classifyPurchaseFailure(ctx, raffleID, quantity)
	}
	if err != nil {
		return models.Raffle{}, nil, err
	}

	tickets := make([]models.Ticket, 0, quantity)
	firstNumber := raffle.TicketsSold - quantity + 1
	for i := 0; i < quantity; i++ {
		var ticket models.Ticket
		err = tx.QueryRow(ctx, `
			INSERT INTO tickets (raffle_id, buyer_user_id, number, purchased_at)
			VALUES ($1, $2, $3, $4)
			RETURNING ticket_id, raffle_id, buyer_user_id, number, purchased_at
		`, raffleID, buyerUserID, firstNumber+i, now).
			Scan(&ticket.TicketID, &ticket.RaffleID, &ticket.BuyerUserID, &ticket.Number, &ticket.PurchasedAt)
		if err != nil {
			return models.Raffle{}, nil, err
		}
		tickets = append(tickets, ticket)
	}

	payload, err := json.Marshal(events.TicketPurchasePayload{
		RaffleID:    raffleID,
		BuyerID:     buyerUserID,
		Quantity:    quantity,
		TicketsSold: raffle.TicketsSold,
		SoldOut:     raffle.TicketsSold == raffle.TotalTickets,
		PurchasedAt: now,
	})
	if err != nil {
		return models.Raffle{}, nil, err
	}
	_, err = insertOutboxEvent(ctx, tx, models.OutboxEvent{
		EventType: string(events.TypeTicketPurchased),
		Topic:     events.TopicActivityLog,
		Payload:   payload,
	})
	if err != nil {
		return models.Raffle{}, nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Raffle{}, nil, err
	}
	return raffle, tickets, nil
}

// classifyPurchaseFailure re-reads the raffle outside the failed guard to
// report why it matched no row.
func (r *RafflesRepo) classifyPurchaseFailure(ctx context.Context, raffleID uuid.UUID, quantity int) error {
	raffle, err := r.GetRaffleByID(ctx, raffleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return pgx.ErrNoRows
	}
	if err != nil {
		return err
	}
	if raffle.Status != workflow.RaffleStatusApproved {
		return ErrRaffleNotOpen
	}
	// tickets_sold never decreases, so a guard miss on an approved raffle
	// means capacity.
	return ErrCapacityExceeded
}

// ListUpdatedSince feeds the cache reconciliation sweep.
func (r *RafflesRepo) ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]models.Raffle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+raffleColumns+`
		FROM raffles
		WHERE updated_at >= $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var raffles []models.Raffle
	for rows.Next() {
		raffle, err := scanRaffle(rows)
		if err != nil {
			return nil, err
		}
		raffles = append(raffles, raffle)
	}
	return raffles, rows.Err()
}

func (r *RafflesRepo) ListTicketsByRaffle(ctx context.Context, raffleID uuid.UUID, limit int, offset int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT ticket_id, raffle_id, buyer_user_id, number, purchased_at
		FROM tickets
		WHERE raffle_id = $1
		ORDER BY number ASC
		LIMIT $2 OFFSET $3
	`, raffleID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		var ticket models.Ticket
		if err := rows.Scan(&ticket.TicketID, &ticket.RaffleID, &ticket.BuyerUserID, &ticket.Number, &ticket.PurchasedAt); err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func insertRaffleOutbox(ctx context.Context, db DBTX, eventType events.Type, raffle models.Raffle) error {
	payload, err := json.Marshal(events.RafflePayload{
		RaffleID:     raffle.RaffleID,
		Title:        raffle.Title,
		Status:       raffle.Status,
		TicketPrice:  raffle.TicketPrice,
		TotalTickets: raffle.TotalTickets,
		TicketsSold:  raffle.TicketsSold,
		CreatedBy:    raffle.CreatedByUserID,
		UpdatedAt:    raffle.UpdatedAt,
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
