package domain

import "time"

// Signal bus channels.
const (
	ChannelFills   = "ch:fill"
	ChannelEscrows = "ch:escrow"
)

// FillEvent is the JSON payload published on ChannelFills after a successful
// fill.
type FillEvent struct {
	OrderHash      string    `json:"order_hash"`
	Maker          string    `json:"maker"`
	Taker          string    `json:"taker"`
	MakingAmount   string    `json:"making_amount"`
	TakingAmount   string    `json:"taking_amount"`
	RemainingAfter string    `json:"remaining_after"`
	At             time.Time `json:"at"`
}

// StreamFills is the durable journal stream mirroring ChannelFills.
const StreamFills = "stream:fill"

// StreamMessage is one entry read back from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EscrowEvent is the JSON payload published on ChannelEscrows for escrow
// lifecycle transitions.
type EscrowEvent struct {
	EscrowID  string    `json:"escrow_id"`
	OrderHash string    `json:"order_hash"`
	Leg       string    `json:"leg"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}
