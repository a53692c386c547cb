package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"raffle-market-platform/api/internal/models"
	"raffle-market-platform/api/internal/repos"
	"raffle-market-platform/shared/cachex"
	"raffle-market-platform/shared/events"
	"raffle-market-platform/shared/logx"
	"raffle-market-platform/shared/workflow"
)

type fakeRaffleStore struct {
	mu      sync.Mutex
	raffles map[uuid.UUID]*models.Raffle
	failAll error
}

func newFakeRaffleStore() *fakeRaffleStore {
	return &fakeRaffleStore{raffles: make(map[uuid.UUID]*models.Raffle)}
}

func (s *fakeRaffleStore) seed(total int, status string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.raffles[id] = &models.Raffle{
		RaffleID:     id,
		Title:        "seeded",
		Status:       status,
		TicketPrice:  1_000_000,
		TotalTickets: total,
	}
	return id
}

func (s *fakeRaffleStore) CreateRaffle(_ context.Context, title string, description string, ticketPrice int64, totalTickets int, createdBy uuid.UUID) (models.Raffle, error) {
	if s.failAll != nil {
		return models.Raffle{}, s.failAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raffle := models.Raffle{
		RaffleID:        uuid.New(),
		Title:           title,
		Description:     description,
		Status:          "pending",
		TicketPrice:     ticketPrice,
		TotalTickets:    totalTickets,
		CreatedByUserID: createdBy,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	s.raffles[raffle.RaffleID] = &raffle
	return raffle, nil
}

func (s *fakeRaffleStore) TransitionRaffleStatus(_ context.Context, raffleID uuid.UUID, toStatus string, actorUserID *uuid.UUID) (models.Raffle, bool, error) {
	if s.failAll != nil {
		return models.Raffle{}, false, s.failAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raffle, ok := s.raffles[raffleID]
	if !ok {
		return models.Raffle{}, false, pgx.ErrNoRows
	}
	if raffle.Status == toStatus {
		return *raffle, false, nil
	}
	if !workflow.CanTransition(raffle.Status, toStatus) {
		return models.Raffle{}, false, repos.ErrInvalidRaffleTransition
	}
	raffle.Status = toStatus
	if toStatus == workflow.RaffleStatusApproved {
		raffle.ApprovedByUserID = actorUserID
	}
	return *raffle, true, nil
}

// PurchaseTickets mirrors the SQL guard: check and increment under one lock.
func (s *fakeRaffleStore) PurchaseTickets(_ context.Context, raffleID uuid.UUID, buyerUserID uuid.UUID, quantity int) (models.Raffle, []models.Ticket, error) {
	if s.failAll != nil {
		return models.Raffle{}, nil, s.failAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raffle, ok := s.raffles[raffleID]
	if !ok {
		return models.Raffle{}, nil, pgx.ErrNoRows
	}
	if raffle.Status != "approved" {
		return models.Raffle{}, nil, repos.ErrRaffleNotOpen
	}
	if raffle.TicketsSold+quantity > raffle.TotalTickets {
		return models.Raffle{}, nil, repos.ErrCapacityExceeded
	}
	raffle.TicketsSold += quantity
	tickets := make([]models.Ticket, quantity)
	for i := range tickets {
		tickets[i] = models.Ticket{
			TicketID:    uuid.New(),
			RaffleID:    raffleID,
			BuyerUserID: buyerUserID,
			Number:      raffle.TicketsSold - quantity + 1 + i,
		}
	}
	return *raffle, tickets, nil
}

type fakeCache struct {
	mu      sync.Mutex
	fail    error
	writes  int
	entries map[string]map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]map[string]string)}
}

func (c *fakeCache) SetFields(_ context.Context, key string, fields map[string]string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.writes++
	c.entries[key] = fields
	return nil
}

// Invalidate mirrors the glob semantics of the redis store: a trailing star
// drops every key under the prefix.
func (c *fakeCache) Invalidate(_ context.Context, pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return 0, c.fail
	}
	prefix := strings.TrimSuffix(pattern, "*")
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *fakeBroadcaster) Publish(_ context.Context, event events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *fakeBroadcaster) byType(t events.Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestCoordinator(store *fakeRaffleStore, cache *fakeCache, hub *fakeBroadcaster) *Coordinator {
	return New(Options{
		Raffles:  store,
		Cache:    cache,
		Hub:      hub,
		Logger:   logx.New("coordinator-test", "test", "", "error"),
		CacheTTL: 5 * time.Second,
	})
}

func TestPurchaseNeverOversells(t *testing.T) {
	store := newFakeRaffleStore()
	cache := newFakeCache()
	hub := &fakeBroadcaster{}
	c := newTestCoordinator(store, cache, hub)

	const capacity = 50
	raffleID := store.seed(capacity, "approved")

	// 100 buyers race for 50 tickets; exactly 50 single-ticket purchases
	// succeed and the rest get the definitive sold-out conflict.
	const buyers = 100
	var wg sync.WaitGroup
	successes := make(chan int, buyers)
	conflicts := make(chan int, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, tickets, err := c.PurchaseTickets(context.Background(), PurchaseTicketsInput{
				RaffleID: raffleID,
				BuyerID:  uuid.New(),
				Quantity: 1,
			})
			var conflictErr *ConflictError
			switch {
			case err == nil:
				successes <- len(tickets)
			case errors.As(err, &conflictErr):
				conflicts <- 1
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(successes)
	close(conflicts)

	sold := 0
	for n := range successes {
		sold += n
	}
	rejected := 0
	for range conflicts {
		rejected++
	}
	if sold != capacity {
		t.Fatalf("sold %d tickets, want %d", sold, capacity)
	}
	if rejected != buyers-capacity {
		t.Fatalf("rejected %d purchases, want %d", rejected, buyers-capacity)
	}
	if got := store.raffles[raffleID].TicketsSold; got != capacity {
		t.Fatalf("tickets_sold = %d, want %d", got, capacity)
	}
	if got := hub.byType(events.TypeTicketPurchased); got != capacity {
		t.Fatalf("published %d purchase events, want %d", got, capacity)
	}
}

func TestPurchaseMultiTicketCapacity(t *testing.T) {
	store := newFakeRaffleStore()
	c := newTestCoordinator(store, newFakeCache(), &fakeBroadcaster{})

	raffleID := store.seed(100, "approved")
	if _, _, err := c.PurchaseTickets(context.Background(), PurchaseTicketsInput{
		RaffleID: raffleID, BuyerID: uuid.New(), Quantity: 60,
	}); err != nil {
		t.Fatalf("first purchase: %v", err)
	}

	// 60 sold of 100: a further 50 must fail outright, never partially fill.
	_, _, err := c.PurchaseTickets(context.Background(), PurchaseTicketsInput{
		RaffleID: raffleID, BuyerID: uuid.New(), Quantity: 50,
	})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("over-capacity purchase = %v, want ConflictError", err)
	}
	if got := store.raffles[raffleID].TicketsSold; got != 60 {
		t.Fatalf("tickets_sold = %d after rejected purchase, want 60", got)
	}

	// The remaining 40 are still purchasable.
	if _, _, err := c.PurchaseTickets(context.Background(), PurchaseTicketsInput{
		RaffleID: raffleID, BuyerID: uuid.New(), Quantity: 40,
	}); err != nil {
		t.Fatalf("exact-fit purchase: %v", err)
	}
}

func TestPurchaseOnPendingRaffleConflicts(t *testing.T) {
	store := newFakeRaffleStore()
	c := newTestCoordinator(store, newFakeCache(), &fakeBroadcaster{})

	raffleID := store.seed(10, "pending")
	_, _, err := c.PurchaseTickets(context.Background(), PurchaseTicketsInput{
		RaffleID: raffleID, BuyerID: uuid.New(), Quantity: 1,
	})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("purchase on pending raffle = %v, want ConflictError", err)
	}
}

func TestCacheFailureDoesNotFailMutation(t *testing.T) {
	store := newFakeRaffleStore()
	cache := newFakeCache()
	cache.fail = errors.New("redis down")
	hub := &fakeBroadcaster{}
	c := newTestCoordinator(store, cache, hub)

	raffle, err := c.CreateRaffle(context.Background(), CreateRaffleInput{
		Title: "cache-degraded", TicketPrice: 5, TotalTickets: 10, CreatedBy: uuid.New(),
	})
	if err != nil {
		t.Fatalf("CreateRaffle with failing cache: %v", err)
	}
	if raffle.RaffleID == uuid.Nil {
		t.Fatal("raffle not persisted")
	}
	// The broadcast still goes out: cache is an optimization, not a gate.
	if got := hub.byType(events.TypeRaffleCreated); got != 1 {
		t.Fatalf("published %d created events, want 1", got)
	}

	donations := newFakeDonationStore()
	dc := New(Options{
		Donations: donations,
		Cache:     cache,
		Hub:       hub,
		Logger:    logx.New("coordinator-test", "test", "", "error"),
	})
	donation, err := dc.CreateDonation(context.Background(), CreateDonationInput{
		Title: "degraded fund", GoalAmount: 1_000_000, CreatedBy: uuid.New(),
	})
	if err != nil {
		t.Fatalf("CreateDonation with failing cache: %v", err)
	}
	updated, _, err := dc.Contribute(context.Background(), ContributeInput{
		DonationID: donation.DonationID, ContributorID: uuid.New(), Amount: 250_000,
	})
	if err != nil {
		t.Fatalf("Contribute with failing cache: %v", err)
	}
	if updated.RaisedAmount != 250_000 {
		t.Fatalf("raised = %d, want 250000", updated.RaisedAmount)
	}
}

func TestDurableFailurePublishesNothing(t *testing.T) {
	store := newFakeRaffleStore()
	store.failAll = errors.New("postgres down")
	cache := newFakeCache()
	hub := &fakeBroadcaster{}
	c := newTestCoordinator(store, cache, hub)

	_, err := c.CreateRaffle(context.Background(), CreateRaffleInput{
		Title: "doomed", TicketPrice: 5, TotalTickets: 10, CreatedBy: uuid.New(),
	})
	if err == nil {
		t.Fatal("expected durable failure")
	}
	if cache.writes != 0 {
		t.Fatalf("cache writes = %d after durable failure, want 0", cache.writes)
	}
	if len(hub.events) != 0 {
		t.Fatalf("published %d events after durable failure, want 0", len(hub.events))
	}
}

func TestApproveRaffle(t *testing.T) {
	store := newFakeRaffleStore()
	cache := newFakeCache()
	hub := &fakeBroadcaster{}
	c := newTestCoordinator(store, cache, hub)

	raffleID := store.seed(10, "pending")
	approver := uuid.New()
	raffle, err := c.ApproveRaffle(context.Background(), raffleID, approver)
	if err != nil {
		t.Fatalf("ApproveRaffle: %v", err)
	}
	if raffle.Status != "approved" {
		t.Fatalf("status = %q, want approved", raffle.Status)
	}
	if got := hub.byType(events.TypeRaffleApproved); got != 1 {
		t.Fatalf("published %d approved events, want 1", got)
	}

	// Approving again is a no-op transition and publishes nothing new.
	if _, err := c.ApproveRaffle(context.Background(), raffleID, approver); err != nil {
		t.Fatalf("repeat ApproveRaffle: %v", err)
	}
	if got := hub.byType(events.TypeRaffleApproved); got != 1 {
		t.Fatalf("published %d approved events after repeat, want 1", got)
	}

	if _, err := c.ApproveRaffle(context.Background(), uuid.New(), approver); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ApproveRaffle(unknown) = %v, want ErrNotFound", err)
	}
}

func TestCreateRaffleValidation(t *testing.T) {
	c := newTestCoordinator(newFakeRaffleStore(), newFakeCache(), &fakeBroadcaster{})

	cases := []struct {
		name string
		in   CreateRaffleInput
	}{
		{"empty title", CreateRaffleInput{TicketPrice: 1, TotalTickets: 1, CreatedBy: uuid.New()}},
		{"zero price", CreateRaffleInput{Title: "x", TotalTickets: 1, CreatedBy: uuid.New()}},
		{"zero tickets", CreateRaffleInput{Title: "x", TicketPrice: 1, CreatedBy: uuid.New()}},
		{"missing creator", CreateRaffleInput{Title: "x", TicketPrice: 1, TotalTickets: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.CreateRaffle(context.Background(), tc.in)
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

type fakeDonationStore struct {
	mu        sync.Mutex
	donations map[uuid.UUID]*models.Donation
}

func newFakeDonationStore() *fakeDonationStore {
	return &fakeDonationStore{donations: make(map[uuid.UUID]*models.Donation)}
}

func (s *fakeDonationStore) CreateDonation(_ context.Context, title string, description string, goalAmount int64, createdBy uuid.UUID) (models.Donation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	donation := models.Donation{
		DonationID:      uuid.New(),
		Title:           title,
		Description:     description,
		GoalAmount:      goalAmount,
		Status:          "open",
		CreatedByUserID: createdBy,
	}
	s.donations[donation.DonationID] = &donation
	return donation, nil
}

func (s *fakeDonationStore) Contribute(_ context.Context, donationID uuid.UUID, contributorUserID uuid.UUID, amount int64, txHash string) (models.Donation, models.Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	donation, ok := s.donations[donationID]
	if !ok {
		return models.Donation{}, models.Contribution{}, pgx.ErrNoRows
	}
	if donation.Status != "open" {
		return models.Donation{}, models.Contribution{}, repos.ErrDonationClosed
	}
	donation.RaisedAmount += amount
	return *donation, models.Contribution{
		ContributionID:    uuid.New(),
		DonationID:        donationID,
		ContributorUserID: contributorUserID,
		Amount:            amount,
		TxHash:            txHash,
		CreatedAt:         time.Now().UTC(),
	}, nil
}

func TestContribute(t *testing.T) {
	donations := newFakeDonationStore()
	hub := &fakeBroadcaster{}
	c := New(Options{
		Donations: donations,
		Cache:     newFakeCache(),
		Hub:       hub,
		Logger:    logx.New("coordinator-test", "test", "", "error"),
	})

	donation, err := c.CreateDonation(context.Background(), CreateDonationInput{
		Title: "relief fund", GoalAmount: 10_000_000, CreatedBy: uuid.New(),
	})
	if err != nil {
		t.Fatalf("CreateDonation: %v", err)
	}

	updated, contribution, err := c.Contribute(context.Background(), ContributeInput{
		DonationID: donation.DonationID, ContributorID: uuid.New(), Amount: 2_500_000, TxHash: "0xabc",
	})
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if updated.RaisedAmount != 2_500_000 {
		t.Fatalf("raised = %d, want 2500000", updated.RaisedAmount)
	}
	if contribution.Amount != 2_500_000 {
		t.Fatalf("contribution amount = %d", contribution.Amount)
	}
	if got := hub.byType(events.TypeDonationContributed); got != 1 {
		t.Fatalf("published %d contribution events, want 1", got)
	}

	donations.donations[donation.DonationID].Status = "closed"
	_, _, err = c.Contribute(context.Background(), ContributeInput{
		DonationID: donation.DonationID, ContributorID: uuid.New(), Amount: 1,
	})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("contribute to closed donation = %v, want ConflictError", err)
	}

	_, _, err = c.Contribute(context.Background(), ContributeInput{
		DonationID: uuid.New(), ContributorID: uuid.New(), Amount: 1,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("contribute to unknown donation = %v, want ErrNotFound", err)
	}
}

func TestPostChatMessage(t *testing.T) {
	hub := &fakeBroadcaster{}
	c := newTestCoordinator(newFakeRaffleStore(), newFakeCache(), hub)

	msg, err := c.PostChatMessage(context.Background(), PostChatMessageInput{
		RoomID: "lobby", SenderID: uuid.New(), Sender: "alice", Body: "  hi there  ",
	})
	if err != nil {
		t.Fatalf("PostChatMessage: %v", err)
	}
	if msg.Body != "hi there" {
		t.Fatalf("body = %q, want trimmed", msg.Body)
	}
	if got := hub.byType(events.TypeChatMessage); got != 1 {
		t.Fatalf("published %d chat events, want 1", got)
	}

	_, err = c.PostChatMessage(context.Background(), PostChatMessageInput{
		RoomID: "lobby", SenderID: uuid.New(), Body: "   ",
	})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("empty body = %v, want ValidationError", err)
	}
}

func TestCancelRaffle(t *testing.T) {
	store := newFakeRaffleStore()
	cache := newFakeCache()
	hub := &fakeBroadcaster{}
	c := newTestCoordinator(store, cache, hub)

	raffleID := store.seed(100, "approved")
	key := cachex.EntityKey("raffle", raffleID.String(), "summary")
	if err := cache.SetFields(context.Background(), key, map[string]string{"status": "approved"}, time.Second); err != nil {
		t.Fatalf("SetFields: %v", err)
	}

	admin := uuid.New()
	raffle, err := c.CancelRaffle(context.Background(), raffleID, admin)
	if err != nil {
		t.Fatalf("CancelRaffle: %v", err)
	}
	if raffle.Status != workflow.RaffleStatusCancelled {
		t.Fatalf("status = %q, want cancelled", raffle.Status)
	}
	if cache.has(key) {
		t.Fatal("cancelled raffle still cached")
	}
	if got := hub.byType(events.TypeRaffleCancelled); got != 1 {
		t.Fatalf("published %d cancelled events, want 1", got)
	}

	// Repeat cancel is a no-op and publishes nothing new.
	if _, err := c.CancelRaffle(context.Background(), raffleID, admin); err != nil {
		t.Fatalf("repeat CancelRaffle: %v", err)
	}
	if got := hub.byType(events.TypeRaffleCancelled); got != 1 {
		t.Fatalf("published %d cancelled events after repeat, want 1", got)
	}

	rejected := store.seed(10, "rejected")
	var conflictErr *ConflictError
	if _, err := c.CancelRaffle(context.Background(), rejected, admin); !errors.As(err, &conflictErr) {
		t.Fatalf("cancel rejected raffle = %v, want ConflictError", err)
	}
	if _, err := c.CancelRaffle(context.Background(), uuid.New(), admin); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel unknown raffle = %v, want ErrNotFound", err)
	}
}

func TestInboundChatFrameValidated(t *testing.T) {
	hub := &fakeBroadcaster{}
	c := newTestCoordinator(newFakeRaffleStore(), newFakeCache(), hub)

	oversized, err := events.New(events.TypeChatMessage, events.ChatMessagePayload{
		RoomID: "lobby", SenderID: uuid.New(), Body: strings.Repeat("x", 2001),
	})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	c.HandleInboundChat(context.Background(), oversized)

	blank, err := events.New(events.TypeChatMessage, events.ChatMessagePayload{
		RoomID: "lobby", SenderID: uuid.New(), Body: "   ",
	})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	c.HandleInboundChat(context.Background(), blank)

	// Non-chat frames never rejoin the stream through this path.
	c.HandleInboundChat(context.Background(), events.Event{
		Type: events.TypeRaffleCreated, Payload: json.RawMessage(`{}`),
	})
	if len(hub.events) != 0 {
		t.Fatalf("republished %d invalid frames, want 0", len(hub.events))
	}

	staleID := uuid.New()
	valid, err := events.New(events.TypeChatMessage, events.ChatMessagePayload{
		MessageID: staleID, RoomID: "lobby", SenderID: uuid.New(), Sender: "bob",
		Body: "  hello  ", SentAt: time.Unix(0, 0).UTC(),
	})
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	c.HandleInboundChat(context.Background(), valid)
	if got := hub.byType(events.TypeChatMessage); got != 1 {
		t.Fatalf("republished %d chat frames, want 1", got)
	}
	var republished events.ChatMessagePayload
	if err := json.Unmarshal(hub.events[0].Payload, &republished); err != nil {
		t.Fatalf("decode republished payload: %v", err)
	}
	if republished.Body != "hello" {
		t.Fatalf("body = %q, want trimmed", republished.Body)
	}
	if republished.MessageID == staleID {
		t.Fatal("client-supplied message id trusted")
	}
}
