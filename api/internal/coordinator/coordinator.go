package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"raffle-market-platform/api/internal/models"
	"raffle-market-platform/api/internal/repos"
	"raffle-market-platform/shared/cachex"
	"raffle-market-platform/shared/events"
	"raffle-market-platform/shared/logx"
	"raffle-market-platform/shared/metricsx"
	"raffle-market-platform/shared/workflow"
)

// RaffleStore is the durable side of raffle writes.
type RaffleStore interface {
	CreateRaffle(ctx context.Context, title string, description string, ticketPrice int64, totalTickets int, createdBy uuid.UUID) (models.Raffle, error)
	TransitionRaffleStatus(ctx context.Context, raffleID uuid.UUID, toStatus string, actorUserID *uuid.UUID) (models.Raffle, bool, error)
	PurchaseTickets(ctx context.Context, raffleID uuid.UUID, buyerUserID uuid.UUID, quantity int) (models.Raffle, []models.Ticket, error)
}

type DonationStore interface {
	CreateDonation(ctx context.Context, title string, description string, goalAmount int64, createdBy uuid.UUID) (models.Donation, error)
	Contribute(ctx context.Context, donationID uuid.UUID, contributorUserID uuid.UUID, amount int64, txHash string) (models.Donation, models.Contribution, error)
}

type Cache interface {
	SetFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) (int, error)
}

type Broadcaster interface {
	Publish(ctx context.Context, event events.Event) error
}

// TimeSeries receives analytics points. Writes are best-effort.
type TimeSeries interface {
	WriteTicketSale(ctx context.Context, raffleID string, quantity int, totalSold int) error
	WriteContribution(ctx context.Context, donationID string, amount int64, raisedTotal int64) error
}

// Coordinator sequences every mutation: durable write first, then cache
// refresh, then broadcast. A cache failure is absorbed (the TTL bounds the
// staleness), and a broadcast never gates the caller's success. All publishes
// for a stream run on the caller's goroutine in completion order, which is
// what gives subscribers a consistent event order.
type Coordinator struct {
	raffles   RaffleStore
	donations DonationStore
	cache     Cache
	hub       Broadcaster
	ts        TimeSeries
	logger    logx.Logger
	cacheTTL  time.Duration
	now       func() time.Time
}

type Options struct {
	Raffles    RaffleStore
	Donations  DonationStore
	Cache      Cache
	Hub        Broadcaster
	TimeSeries TimeSeries
	Logger     logx.Logger
	CacheTTL   time.Duration
}

func New(opts Options) *Coordinator {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Second
	}
	return &Coordinator{
		raffles:   opts.Raffles,
		donations: opts.Donations,
		cache:     opts.Cache,
		hub:       opts.Hub,
		ts:        opts.TimeSeries,
		logger:    opts.Logger,
		cacheTTL:  opts.CacheTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateRaffleInput struct {
	Title        string
	Description  string
	TicketPrice  int64
	TotalTickets int
	CreatedBy    uuid.UUID
}

func (c *Coordinator) CreateRaffle(ctx context.Context, in CreateRaffleInput) (models.Raffle, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return models.Raffle{}, invalid("title", "must not be empty")
	}
	if in.TicketPrice <= 0 {
		return models.Raffle{}, invalid("ticketPrice", "must be positive")
	}
	if in.TotalTickets <= 0 {
		return models.Raffle{}, invalid("totalTickets", "must be positive")
	}
	if in.CreatedBy == uuid.Nil {
		return models.Raffle{}, invalid("createdBy", "must be set")
	}

	raffle, err := c.raffles.CreateRaffle(ctx, in.Title, in.Description, in.TicketPrice, in.TotalTickets, in.CreatedBy)
	if err != nil {
		return models.Raffle{}, err
	}

	c.refreshRaffleCache(ctx, raffle)
	c.publish(ctx, events.TypeRaffleCreated, rafflePayload(raffle))
	return raffle, nil
}

func (c *Coordinator) ApproveRaffle(ctx context.Context, raffleID uuid.UUID, approvedBy uuid.UUID) (models.Raffle, error) {
	if raffleID == uuid.Nil {
		return models.Raffle{}, invalid("raffleId", "must be set")
	}
	actor := approvedBy
	raffle, changed, err := c.raffles.TransitionRaffleStatus(ctx, raffleID, workflow.RaffleStatusApproved, &actor)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Raffle{}, ErrNotFound
	}
	if errors.Is(err, repos.ErrInvalidRaffleTransition) {
		return models.Raffle{}, conflict("raffle cannot be approved from its current status")
	}
	if err != nil {
		return models.Raffle{}, err
	}

	c.refreshRaffleCache(ctx, raffle)
	if changed {
		c.publish(ctx, events.TypeRaffleApproved, rafflePayload(raffle))
	}
	return raffle, nil
}

// CancelRaffle ends a raffle before its draw. The cached summary is removed
// rather than rewritten; a cancelled raffle has no live counters to serve.
func (c *Coordinator) CancelRaffle(ctx context.Context, raffleID uuid.UUID, cancelledBy uuid.UUID) (models.Raffle, error) {
	if raffleID == uuid.Nil {
		return models.Raffle{}, invalid("raffleId", "must be set")
	}
	actor := cancelledBy
	raffle, changed, err := c.raffles.TransitionRaffleStatus(ctx, raffleID, workflow.RaffleStatusCancelled, &actor)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Raffle{}, ErrNotFound
	}
	if errors.Is(err, repos.ErrInvalidRaffleTransition) {
		return models.Raffle{}, conflict("raffle cannot be cancelled from its current status")
	}
	if err != nil {
		return models.Raffle{}, err
	}

	c.invalidateRaffleCache(ctx, raffle.RaffleID)
	if changed {
		c.publish(ctx, events.TypeRaffleCancelled, rafflePayload(raffle))
	}
	return raffle, nil
}

type PurchaseTicketsInput struct {
	RaffleID uuid.UUID
	BuyerID  uuid.UUID
	Quantity int
}

// PurchaseTickets settles a purchase. A sold-out raffle is a definitive
// conflict, not a retryable dependency failure.
func (c *Coordinator) PurchaseTickets(ctx context.Context, in PurchaseTicketsInput) (models.Raffle, []models.Ticket, error) {
	if in.RaffleID == uuid.Nil {
		return models.Raffle{}, nil, invalid("raffleId", "must be set")
	}
	if in.BuyerID == uuid.Nil {
		return models.Raffle{}, nil, invalid("buyerId", "must be set")
	}
	if in.Quantity <= 0 {
		return models.Raffle{}, nil, invalid("quantity", "must be positive")
	}

	raffle, tickets, err := c.raffles.PurchaseTickets(ctx, in.RaffleID, in.BuyerID, in.Quantity)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return models.Raffle{}, nil, ErrNotFound
	case errors.Is(err, repos.ErrCapacityExceeded):
		return models.Raffle{}, nil, conflict("raffle is sold out")
	case errors.Is(err, repos.ErrRaffleNotOpen):
		return models.Raffle{}, nil, conflict("raffle is not open for purchase")
	case err != nil:
		return models.Raffle{}, nil, err
	}

	c.refreshRaffleCache(ctx, raffle)
	c.publish(ctx, events.TypeTicketPurchased, events.TicketPurchasePayload{
		RaffleID:    raffle.RaffleID,
		BuyerID:     in.BuyerID,
		Quantity:    in.Quantity,
		TicketsSold: raffle.TicketsSold,
		SoldOut:     raffle.TicketsSold == raffle.TotalTickets,
		PurchasedAt: c.now(),
	})

	if c.ts != nil {
		if err := c.ts.WriteTicketSale(ctx, raffle.RaffleID.String(), in.Quantity, raffle.TicketsSold); err != nil {
			metricsx.IncInfluxWriteFailure()
			c.logger.Warn(ctx, "influx.write_failed", "ticket sale point dropped",
				slog.String("raffle_id", raffle.RaffleID.String()), slog.String("error", err.Error()))
		}
	}
	return raffle, tickets, nil
}

type CreateDonationInput struct {
	Title       string
	Description string
	GoalAmount  int64
	CreatedBy   uuid.UUID
}

func (c *Coordinator) CreateDonation(ctx context.Context, in CreateDonationInput) (models.Donation, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return models.Donation{}, invalid("title", "must not be empty")
	}
	if in.GoalAmount <= 0 {
		return models.Donation{}, invalid("goalAmount", "must be positive")
	}
	if in.CreatedBy == uuid.Nil {
		return models.Donation{}, invalid("createdBy", "must be set")
	}

	donation, err := c.donations.CreateDonation(ctx, in.Title, in.Description, in.GoalAmount, in.CreatedBy)
	if err != nil {
		return models.Donation{}, err
	}

	c.refreshDonationCache(ctx, donation)
	c.publish(ctx, events.TypeDonationCreated, donationPayload(donation))
	return donation, nil
}

type ContributeInput struct {
	DonationID    uuid.UUID
	ContributorID uuid.UUID
	Amount        int64
	TxHash        string
}

func (c *Coordinator) Contribute(ctx context.Context, in ContributeInput) (models.Donation, models.Contribution, error) {
	if in.DonationID == uuid.Nil {
		return models.Donation{}, models.Contribution{}, invalid("donationId", "must be set")
	}
	if in.ContributorID == uuid.Nil {
		return models.Donation{}, models.Contribution{}, invalid("contributorId", "must be set")
	}
	if in.Amount <= 0 {
		return models.Donation{}, models.Contribution{}, invalid("amount", "must be positive")
	}

	donation, contribution, err := c.donations.Contribute(ctx, in.DonationID, in.ContributorID, in.Amount, in.TxHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return models.Donation{}, models.Contribution{}, ErrNotFound
	case errors.Is(err, repos.ErrDonationClosed):
		return models.Donation{}, models.Contribution{}, conflict("donation is closed")
	case err != nil:
		return models.Donation{}, models.Contribution{}, err
	}

	c.refreshDonationCache(ctx, donation)
	c.publish(ctx, events.TypeDonationContributed, events.ContributionPayload{
		DonationID:    donation.DonationID,
		ContributorID: in.ContributorID,
		Amount:        in.Amount,
		RaisedAmount:  donation.RaisedAmount,
		TxHash:        in.TxHash,
		ContributedAt: contribution.CreatedAt,
	})

	if c.ts != nil {
		if err := c.ts.WriteContribution(ctx, donation.DonationID.String(), in.Amount, donation.RaisedAmount); err != nil {
			metricsx.IncInfluxWriteFailure()
			c.logger.Warn(ctx, "influx.write_failed", "contribution point dropped",
				slog.String("donation_id", donation.DonationID.String()), slog.String("error", err.Error()))
		}
	}
	return donation, contribution, nil
}

type PostChatMessageInput struct {
	RoomID   string
	SenderID uuid.UUID
	Sender   string
	Body     string
}

// PostChatMessage is broadcast-only: chat has no durable store and no cache
// entry, so a failed publish is the only failure mode.
func (c *Coordinator) PostChatMessage(ctx context.Context, in PostChatMessageInput) (events.ChatMessagePayload, error) {
	in.Body = strings.TrimSpace(in.Body)
	if in.Body == "" {
		return events.ChatMessagePayload{}, invalid("body", "must not be empty")
	}
	if len(in.Body) > 2000 {
		return events.ChatMessagePayload{}, invalid("body", "too long")
	}
	if in.SenderID == uuid.Nil {
		return events.ChatMessagePayload{}, invalid("senderId", "must be set")
	}

	msg := events.ChatMessagePayload{
		MessageID: uuid.New(),
		RoomID:    strings.TrimSpace(in.RoomID),
		SenderID:  in.SenderID,
		Sender:    in.Sender,
		Body:      in.Body,
		SentAt:    c.now(),
	}
	event, err := events.New(events.TypeChatMessage, msg)
	if err != nil {
		return events.ChatMessagePayload{}, err
	}
	if err := c.hub.Publish(ctx, event); err != nil {
		return events.ChatMessagePayload{}, err
	}
	return msg, nil
}

// HandleInboundChat accepts a chat frame a websocket client pushed upstream.
// The frame goes through the same validation and server-side stamping as a
// REST submission; anything that fails is dropped, not republished.
func (c *Coordinator) HandleInboundChat(ctx context.Context, event events.Event) {
	if event.Type != events.TypeChatMessage {
		return
	}
	var payload events.ChatMessagePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return
	}
	if _, err := c.PostChatMessage(ctx, PostChatMessageInput{
		RoomID:   payload.RoomID,
		SenderID: payload.SenderID,
		Sender:   payload.Sender,
		Body:     payload.Body,
	}); err != nil {
		c.logger.Debug(ctx, "chat.inbound_rejected", "inbound chat frame dropped",
			slog.String("error", err.Error()))
	}
}

// refreshRaffleCache rewrites the raffle's cache hash after a durable write.
// Failure is absorbed: readers fall back to the durable store and the TTL
// caps how long a stale entry can survive.
func (c *Coordinator) refreshRaffleCache(ctx context.Context, raffle models.Raffle) {
	if c.cache == nil {
		return
	}
	key := cachex.EntityKey("raffle", raffle.RaffleID.String(), "summary")
	err := c.cache.SetFields(ctx, key, map[string]string{
		"title":         raffle.Title,
		"status":        raffle.Status,
		"ticket_price":  strconv.FormatInt(raffle.TicketPrice, 10),
		"total_tickets": strconv.Itoa(raffle.TotalTickets),
		"tickets_sold":  strconv.Itoa(raffle.TicketsSold),
	}, c.cacheTTL)
	if err != nil {
		metricsx.IncCacheDegraded()
		c.logger.Warn(ctx, "cache.refresh_failed", "raffle cache refresh skipped",
			slog.String("raffle_id", raffle.RaffleID.String()), slog.String("error", err.Error()))
	}
}

// invalidateRaffleCache drops every cached group for the raffle. Like a
// refresh, a failure is absorbed; the TTL finishes the job.
func (c *Coordinator) invalidateRaffleCache(ctx context.Context, raffleID uuid.UUID) {
	if c.cache == nil {
		return
	}
	if _, err := c.cache.Invalidate(ctx, cachex.EntityPattern("raffle", raffleID.String())); err != nil {
		metricsx.IncCacheDegraded()
		c.logger.Warn(ctx, "cache.invalidate_failed", "raffle cache entries left to expire",
			slog.String("raffle_id", raffleID.String()), slog.String("error", err.Error()))
	}
}

func (c *Coordinator) refreshDonationCache(ctx context.Context, donation models.Donation) {
	if c.cache == nil {
		return
	}
	key := cachex.EntityKey("donation", donation.DonationID.String(), "summary")
	err := c.cache.SetFields(ctx, key, map[string]string{
		"title":         donation.Title,
		"status":        donation.Status,
		"goal_amount":   strconv.FormatInt(donation.GoalAmount, 10),
		"raised_amount": strconv.FormatInt(donation.RaisedAmount, 10),
	}, c.cacheTTL)
	if err != nil {
		metricsx.IncCacheDegraded()
		c.logger.Warn(ctx, "cache.refresh_failed", "donation cache refresh skipped",
			slog.String("donation_id", donation.DonationID.String()), slog.String("error", err.Error()))
	}
}

// publish fans the event out to live subscribers. The durable write already
// committed, so a publish failure is logged and absorbed.
func (c *Coordinator) publish(ctx context.Context, t events.Type, payload any) {
	event, err := events.New(t, payload)
	if err != nil {
		c.logger.Error(ctx, "event.encode_failed", "event dropped",
			slog.String("event_type", string(t)), slog.String("error", err.Error()))
		return
	}
	if err := c.hub.Publish(ctx, event); err != nil {
		c.logger.Warn(ctx, "event.publish_failed", "event dropped",
			slog.String("event_type", string(t)), slog.String("error", err.Error()))
	}
}

func rafflePayload(raffle models.Raffle) events.RafflePayload {
	return events.RafflePayload{
		RaffleID:     raffle.RaffleID,
		Title:        raffle.Title,
		Status:       raffle.Status,
		TicketPrice:  raffle.TicketPrice,
		TotalTickets: raffle.TotalTickets,
		TicketsSold:  raffle.TicketsSold,
		CreatedBy:    raffle.CreatedByUserID,
		UpdatedAt:    raffle.UpdatedAt,
	}
}

func donationPayload(donation models.Donation) events.DonationPayload {
	return events.DonationPayload{
		DonationID:   donation.DonationID,
		Title:        donation.Title,
		Status:       donation.Status,
		GoalAmount:   donation.GoalAmount,
		RaisedAmount: donation.RaisedAmount,
		CreatedBy:    donation.CreatedByUserID,
		UpdatedAt:    donation.UpdatedAt,
	}
}
