package events

import (
	"encoding/json"
	"time"
)

// Type tags a domain event. The set is closed on the producing side; consumers
// must ignore types they do not recognize.
type Type string

const (
	TypeRaffleCreated       Type = "raffle-created"
	TypeRaffleApproved      Type = "raffle-approved"
	TypeRaffleCancelled     Type = "raffle-cancelled"
	TypeTicketPurchased     Type = "ticket-purchased"
	TypeDonationCreated     Type = "donation-created"
	TypeDonationContributed Type = "donation-contributed"
	TypeChatMessage         Type = "chat-message"
)

// TopicActivityLog carries outbox rows dispatched to the analytics stream.
const TopicActivityLog = "activity.log"

// Event is the wire envelope for realtime fan-out: one JSON text frame per
// event. Events are immutable once created and are not persisted after fan-out.
type Event struct {
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func New(t Type, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Payload: raw, OccurredAt: time.Now().UTC()}, nil
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func Decode(raw []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(raw, &e)
	return e, err
}

func Known(t Type) bool {
	switch t {
	case TypeRaffleCreated, TypeRaffleApproved, TypeRaffleCancelled,
		TypeTicketPurchased, TypeDonationCreated, TypeDonationContributed,
		TypeChatMessage:
		return true
	}
	return false
}
