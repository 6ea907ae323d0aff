package types

// Vote is an accepted anonymous ballot. By schema it carries no reference to
// users, sessions, devices, IPs or nullifiers: the demographic cell is the
// only voter-derived content and it is pre-bucketed. Joining a vote back to
// a voter is structurally impossible.
type Vote struct {
	ID              string            `json:"id"`
	PollID          string            `json:"pollId"`
	OptionID        string            `json:"optionId,omitempty"`
	SurveyResponses map[string]string `json:"surveyResponses,omitempty"`
	Cell            DemographicCell   `json:"cell"`
	TimestampBucket int64             `json:"timestampBucket"`
}

// VoteAttestation is the device-signed statement stored 1-to-1 with a vote
// in its own namespace. It is kept for post-hoc forensics only and is never
// joined back to users.
type VoteAttestation struct {
	VoteID     string   `json:"voteId"`
	Payload    HexBytes `json:"payload"`
	DeviceHash HexBytes `json:"deviceHash"`
	Nonce      HexBytes `json:"nonce"`
}
