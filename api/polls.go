package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/khma-io/khma-node/crypto"
	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/poll"
	"github.com/khma-io/khma-node/session"
	"github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/types"
)

// listPolls lists the active polls the caller is eligible for.
// GET /polls
func (a *API) listPolls(w http.ResponseWriter, r *http.Request) {
	user, apierr := a.sessionUser(r)
	if apierr != nil {
		apierr.Write(w)
		return
	}
	polls, err := a.storage.ListPolls(types.PollStatusActive)
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	now := time.Now()
	resp := &PollListResponse{Polls: []PollSummary{}}
	for _, p := range polls {
		if !poll.Match(user, p.Audience, now) {
			continue
		}
		resp.Polls = append(resp.Polls, PollSummary{
			ID:        p.ID,
			Title:     p.Title,
			Type:      p.Type,
			Status:    p.Status,
			StartTime: p.StartTime,
			EndTime:   p.EndTime,
			Reward:    p.Reward,
		})
	}
	httpWriteJSON(w, resp)
}

// pollDetail returns a poll with its options or questions. Drafts are not
// visible outside the admin API.
// GET /polls/{pollId}
func (a *API) pollDetail(w http.ResponseWriter, r *http.Request) {
	p, apierr := a.visiblePoll(chi.URLParam(r, PollURLParam))
	if apierr != nil {
		apierr.Write(w)
		return
	}
	resp := &PollDetailResponse{Poll: p}
	var err error
	switch p.Type {
	case types.PollTypeSurvey:
		resp.Questions, err = a.storage.SurveyQuestions(p.ID)
	default:
		resp.Options, err = a.storage.PollOptions(p.ID)
	}
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	httpWriteJSON(w, resp)
}

// requestBallot issues an anonymous ballot to an eligible caller: the
// per-poll nullifier, a cast nonce and the pre-bucketed demographic cell.
// This is the last authenticated step of the voting flow.
// POST /polls/{pollId}/ballot
func (a *API) requestBallot(w http.ResponseWriter, r *http.Request) {
	user, apierr := a.sessionUser(r)
	if apierr != nil {
		apierr.Write(w)
		return
	}
	p, apierr := a.visiblePoll(chi.URLParam(r, PollURLParam))
	if apierr != nil {
		apierr.Write(w)
		return
	}
	now := time.Now()
	if p.Status != types.PollStatusActive || !p.Window(now) {
		ErrPollNotActive.Write(w)
		return
	}
	if !poll.Match(user, p.Audience, now) {
		ErrNotEligible.Write(w)
		return
	}

	voterSecret := a.deriver.VoterSecret(user.PersonalHash, user.DeviceThumbprint)
	nullifier := a.deriver.Nullifier(voterSecret, p.ID)
	if a.storage.HasNullifier(nullifier) {
		ErrAlreadyVoted.Write(w)
		return
	}
	nonce, err := a.sessions.NewChallenge(nullifier.Hex())
	if err != nil {
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}

	regionCode := ""
	if len(p.Audience.Regions) > 0 {
		for _, code := range user.RegionCodes {
			for _, allowed := range p.Audience.Regions {
				if code == allowed {
					regionCode = code
				}
			}
		}
	}
	cell := user.Cell(regionCode)
	a.ballots.Add(nullifier.Hex(), &issuedBallot{
		PollID:           p.ID,
		Cell:             cell,
		Nonce:            nonce,
		DeviceThumbprint: user.DeviceThumbprint,
	})

	// The reward receipt is written now, while the credential is still
	// known; the cast request that follows is anonymous.
	if p.Reward != nil {
		if _, err := a.storage.RewardReceipt(p.ID, user.PersonalHash); errors.Is(err, storage.ErrNotFound) {
			if err := a.storage.SetRewardReceipt(&types.RewardReceipt{
				PollID:       p.ID,
				PersonalHash: user.PersonalHash,
				Amount:       p.Reward.Amount,
				Currency:     p.Reward.Currency,
				Status:       types.RewardPending,
				CreatedAt:    now.UTC(),
			}); err != nil {
				log.Warnw("failed to write reward receipt", "poll", p.ID, "error", err)
			}
		}
	}

	httpWriteJSON(w, &BallotResponse{
		Nullifier:       nullifier,
		Nonce:           nonce,
		Cell:            cell,
		TimestampBucket: types.TimestampBucket(now),
		ExpiresIn:       int(BallotTTL.Seconds()),
	})
}

// castVote accepts an anonymous ballot. The request is authenticated only
// by the issued nullifier and the device signature over the cast payload;
// no session token is read here.
// POST /polls/{pollId}/vote
func (a *API) castVote(w http.ResponseWriter, r *http.Request) {
	req := &CastRequest{}
	if !decodeJSON(w, r, req) {
		return
	}
	pollID := chi.URLParam(r, PollURLParam)

	ballot, ok := a.ballots.Get(req.Nullifier.Hex())
	if !ok {
		ErrNonceExpired.With("no ballot issued for nullifier").Write(w)
		return
	}
	if ballot.PollID != pollID {
		ErrInvalidAttestation.With("ballot issued for a different poll").Write(w)
		return
	}
	now := time.Now()
	bucket := types.TimestampBucket(now)
	if req.TimestampBucket != bucket && req.TimestampBucket != types.TimestampBucket(now.Add(-time.Hour)) {
		ErrInvalidAttestation.With("stale timestamp bucket").Write(w)
		return
	}

	p, apierr := a.visiblePoll(pollID)
	if apierr != nil {
		apierr.Write(w)
		return
	}
	if p.Status != types.PollStatusActive || !p.Window(now) {
		ErrPollNotActive.Write(w)
		return
	}
	if apierr := a.validateChoice(p, req); apierr != nil {
		apierr.Write(w)
		return
	}

	payload := session.VotePayload(ballot.Nonce, pollID, req.OptionID, req.TimestampBucket)
	deviceKey, err := session.RecoverDeviceKey(payload, req.Signature)
	if err != nil {
		ErrInvalidSignature.WithErr(err).Write(w)
		return
	}
	if !a.deriver.DeviceThumbprint(deviceKey).Equal(ballot.DeviceThumbprint) {
		ErrInvalidAttestation.With("signature does not match issuing device").Write(w)
		return
	}
	if len(req.Proof) > 0 && a.zk != nil {
		if err := a.zk.VerifyNullifier(req.Proof, req.Nullifier, pollID); err != nil {
			if errors.Is(err, crypto.ErrProofInvalid) {
				ErrInvalidAttestation.WithErr(err).Write(w)
				return
			}
			ErrGenericInternalServerError.WithErr(err).Write(w)
			return
		}
	}

	vote := &types.Vote{
		ID:              uuid.NewString(),
		PollID:          pollID,
		OptionID:        req.OptionID,
		SurveyResponses: req.SurveyResponses,
		Cell:            ballot.Cell,
		TimestampBucket: req.TimestampBucket,
	}
	attestation := &types.VoteAttestation{
		VoteID:     vote.ID,
		Payload:    payload,
		DeviceHash: ballot.DeviceThumbprint,
		Nonce:      ballot.Nonce,
	}
	entry, err := a.storage.CastVote(vote, req.Nullifier, attestation)
	switch {
	case errors.Is(err, storage.ErrAlreadyVoted):
		ErrAlreadyVoted.Write(w)
		return
	case errors.Is(err, storage.ErrReadOnly):
		ErrReadOnlyMode.Write(w)
		return
	case err != nil:
		ErrGenericInternalServerError.WithErr(err).Write(w)
		return
	}
	a.ballots.Remove(req.Nullifier.Hex())

	httpWriteJSON(w, &CastResponse{
		VoteID:    vote.ID,
		ChainSeq:  entry.Seq,
		ChainHash: entry.Hash,
	})
}

// validateChoice checks the selected option or survey answers against the
// poll structure.
func (a *API) validateChoice(p *types.Poll, req *CastRequest) *Error {
	switch p.Type {
	case types.PollTypeSurvey:
		if len(req.SurveyResponses) == 0 {
			e := ErrMalformedBody.With("missing survey responses")
			return &e
		}
		questions, err := a.storage.SurveyQuestions(p.ID)
		if err != nil {
			e := ErrGenericInternalServerError.WithErr(err)
			return &e
		}
		valid := make(map[string]map[string]bool, len(questions))
		for _, q := range questions {
			opts := make(map[string]bool, len(q.Options))
			for _, o := range q.Options {
				opts[o.ID] = true
			}
			valid[q.ID] = opts
		}
		for qID, oID := range req.SurveyResponses {
			opts, ok := valid[qID]
			if !ok {
				e := ErrMalformedBody.Withf("unknown question %s", qID)
				return &e
			}
			if !opts[oID] {
				e := ErrMalformedBody.Withf("unknown option %s for question %s", oID, qID)
				return &e
			}
		}
	default:
		if req.OptionID == "" {
			e := ErrMalformedBody.With("missing option")
			return &e
		}
		if _, err := a.storage.PollOption(p.ID, req.OptionID); err != nil {
			e := ErrMalformedBody.Withf("unknown option %s", req.OptionID)
			return &e
		}
	}
	return nil
}

// sessionUser loads the caller's credential from the session claims.
func (a *API) sessionUser(r *http.Request) (*types.User, *Error) {
	claims := claimsFromContext(r.Context())
	thumbprint, err := types.HexStringToHexBytes(claims.DeviceThumbprint)
	if err != nil {
		e := ErrInvalidSession.WithErr(err)
		return nil, &e
	}
	user, err := a.storage.UserByDevice(thumbprint)
	if err != nil {
		e := ErrUnauthorized.With("credential revoked")
		return nil, &e
	}
	return user, nil
}

// visiblePoll loads a poll, hiding drafts and unknown ids alike.
func (a *API) visiblePoll(pollID string) (*types.Poll, *Error) {
	p, err := a.storage.Poll(pollID)
	if err != nil || p.Status == types.PollStatusDraft {
		e := ErrPollNotFound
		return nil, &e
	}
	return p, nil
}
