package events

import (
	"time"

	"github.com/google/uuid"
)

// Payload bodies for the broadcast and outbox streams. Amounts are stablecoin
// base units.

type RafflePayload struct {
	RaffleID     uuid.UUID `json:"raffleId"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	TicketPrice  int64     `json:"ticketPrice"`
	TotalTickets int       `json:"totalTickets"`
	TicketsSold  int       `json:"ticketsSold"`
	CreatedBy    uuid.UUID `json:"createdBy"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type TicketPurchasePayload struct {
	RaffleID    uuid.UUID `json:"raffleId"`
	BuyerID     uuid.UUID `json:"buyerId"`
	Quantity    int       `json:"quantity"`
	TicketsSold int       `json:"ticketsSold"`
	SoldOut     bool      `json:"soldOut"`
	PurchasedAt time.Time `json:"purchasedAt"`
}

type DonationPayload struct {
	DonationID   uuid.UUID `json:"donationId"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	GoalAmount   int64     `json:"goalAmount"`
	RaisedAmount int64     `json:"raisedAmount"`
	CreatedBy    uuid.UUID `json:"createdBy"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type ContributionPayload struct {
	DonationID    uuid.UUID `json:"donationId"`
	ContributorID uuid.UUID `json:"contributorId"`
	Amount        int64     `json:"amount"`
	RaisedAmount  int64     `json:"raisedAmount"`
	TxHash        string    `json:"txHash,omitempty"`
	ContributedAt time.Time `json:"contributedAt"`
}

type ChatMessagePayload struct {
	MessageID uuid.UUID `json:"messageId"`
	RoomID    string    `json:"roomId"`
	SenderID  uuid.UUID `json:"senderId"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sentAt"`
}
