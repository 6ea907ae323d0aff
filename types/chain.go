package types

// ChainEntry is one link of the append-only audit chain. Hash commits to
// the previous entry's hash and the accepted vote's public coordinates.
// Entries are never mutated after commit, except for the anchor receipt
// which is attached asynchronously.
type ChainEntry struct {
	Seq             uint64   `json:"seq"`
	VoteID          string   `json:"voteId"`
	PollID          string   `json:"pollId"`
	OptionID        string   `json:"optionId,omitempty"`
	TimestampBucket int64    `json:"timestampBucket"`
	PrevHash        HexBytes `json:"prevHash"`
	Hash            HexBytes `json:"hash"`
	AnchorTx        HexBytes `json:"anchorTx,omitempty"`
}

// ChainHead is the current tail of the audit chain. Appends serialize
// through this record.
type ChainHead struct {
	Seq        uint64   `json:"seq"`
	Hash       HexBytes `json:"hash"`
	LastAnchor uint64   `json:"lastAnchor"`
	AnchorTx   HexBytes `json:"anchorTx,omitempty"`
}
