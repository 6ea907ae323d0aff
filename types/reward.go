package types

import "time"

// RewardStatus is the dispatch state of a participation reward.
type RewardStatus string

const (
	RewardPending    RewardStatus = "pending"
	RewardDispatched RewardStatus = "dispatched"
	RewardFailed     RewardStatus = "failed"
)

// RewardReceipt records that a credential participated in a rewarded poll.
// It is written when the ballot is requested, before the anonymous cast, so
// it never references a vote.
type RewardReceipt struct {
	PollID       string       `json:"pollId"`
	PersonalHash HexBytes     `json:"personalHash"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
	Status       RewardStatus `json:"status"`
	TxRef        string       `json:"txRef,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	DispatchedAt *time.Time   `json:"dispatchedAt,omitempty"`
}
