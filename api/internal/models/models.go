package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	UserID        uuid.UUID
	WalletAddress string
	DisplayName   string
	Role          string
	CreatedAt     time.Time
	LastSeenAt    *time.Time
}

// Raffle amounts are denominated in stablecoin base units (integer, no
// floating point anywhere in the money path).
type Raffle struct {
	RaffleID         uuid.UUID
	Title            string
	Description      string
	Status           string
	TicketPrice      int64
	TotalTickets     int
	TicketsSold      int
	CreatedByUserID  uuid.UUID
	ApprovedByUserID *uuid.UUID
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Ticket struct {
	TicketID    uuid.UUID
	RaffleID    uuid.UUID
	BuyerUserID uuid.UUID
	Number      int
	PurchasedAt time.Time
}

type Donation struct {
	DonationID      uuid.UUID
	Title           string
	Description     string
	GoalAmount      int64
	RaisedAmount    int64
	Status          string
	CreatedByUserID uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Contribution struct {
	ContributionID    uuid.UUID
	DonationID        uuid.UUID
	ContributorUserID uuid.UUID
	Amount            int64
	TxHash            string
	CreatedAt         time.Time
}

type ActivityLog struct {
	ActivityID   uuid.UUID
	OccurredAt   time.Time
	ActorUserID  *uuid.UUID
	Subject      string
	Action       string
	ResourceType *string
	ResourceID   *string
	RequestID    string
	Method       string
	Path         string
	StatusCode   int
	DurationMS   int64
	ClientIP     string
	UserAgent    string
	Details      []byte
}

type OutboxEvent struct {
	OutboxID    uuid.UUID
	EventType   string
	Topic       string
	Payload     []byte
	Status      string
	Attempts    int
	NextRetryAt *time.Time
	LockedAt    *time.Time
	LockedBy    *string
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PublishedAt *time.Time
}
