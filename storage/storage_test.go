package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/khma-io/khma-node/db"
	"github.com/khma-io/khma-node/db/inmemory"
	"github.com/khma-io/khma-node/db/prefixeddb"
	"github.com/khma-io/khma-node/types"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	c := qt.New(t)
	database, err := inmemory.New(db.Options{})
	c.Assert(err, qt.IsNil)
	s := New(database)
	c.Assert(s.Migrate(), qt.IsNil)
	t.Cleanup(s.Close)
	return s
}

func testVote(pollID, voteID string) *types.Vote {
	return &types.Vote{
		ID:       voteID,
		PollID:   pollID,
		OptionID: "opt-1",
		Cell: types.DemographicCell{
			Gender:      types.GenderFemale,
			BirthBucket: 1980,
			RegionCode:  "reg_tbilisi",
		},
		TimestampBucket: types.TimestampBucket(time.Now()),
	}
}

func TestCastVoteSpendsNullifier(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	nullifier := types.HexBytes("nullifier-aaaaaaaaaaaaaaaaaaaaaaaa")
	entry, err := s.CastVote(testVote("poll-1", "vote-1"), nullifier, &types.VoteAttestation{
		VoteID: "vote-1",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(entry.Seq, qt.Equals, uint64(1))
	c.Assert(entry.PrevHash, qt.HasLen, 0)
	c.Assert(s.HasNullifier(nullifier), qt.IsTrue)

	// the same nullifier must be rejected, with nothing written
	_, err = s.CastVote(testVote("poll-1", "vote-2"), nullifier, nil)
	c.Assert(err, qt.ErrorIs, ErrAlreadyVoted)

	count, err := s.CountVotes("poll-1")
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 1)
	head, err := s.ChainHead()
	c.Assert(err, qt.IsNil)
	c.Assert(head.Seq, qt.Equals, uint64(1))

	_, err = s.Vote("poll-1", "vote-2")
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}

func TestCastVoteConcurrentSameNullifier(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	const voters = 100
	nullifier := types.HexBytes("shared-nullifier-aaaaaaaaaaaaaaa")

	var wg sync.WaitGroup
	errs := make(chan error, voters)
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.CastVote(testVote("poll-1", fmt.Sprintf("vote-%d", i)), nullifier, nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	accepted, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrAlreadyVoted):
			rejected++
		default:
			c.Fatalf("unexpected error: %v", err)
		}
	}
	c.Assert(accepted, qt.Equals, 1, qt.Commentf("exactly one cast must win"))
	c.Assert(rejected, qt.Equals, voters-1)

	count, err := s.CountVotes("poll-1")
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 1)
}

func TestChainVerify(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	for i := 0; i < 10; i++ {
		_, err := s.CastVote(
			testVote("poll-1", fmt.Sprintf("vote-%d", i)),
			types.HexBytes(fmt.Sprintf("nullifier-%d-aaaaaaaaaaaaaaaaaaaa", i)),
			nil,
		)
		c.Assert(err, qt.IsNil)
	}
	c.Assert(s.VerifyChain(), qt.IsNil)

	head, err := s.ChainHead()
	c.Assert(err, qt.IsNil)
	c.Assert(head.Seq, qt.Equals, uint64(10))

	entries, err := s.ChainEntries(1, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(entries, qt.HasLen, 10)
	for i := 1; i < len(entries); i++ {
		c.Assert(entries[i].PrevHash, qt.DeepEquals, entries[i-1].Hash)
	}

	// tamper with an entry in the middle
	entry, err := s.ChainEntry(5)
	c.Assert(err, qt.IsNil)
	entry.OptionID = "opt-tampered"
	data, err := EncodeArtifact(entry)
	c.Assert(err, qt.IsNil)
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), chainEntryPrefix)
	c.Assert(wTx.Set(seqKey(5), data), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)

	c.Assert(s.VerifyChain(), qt.ErrorIs, ErrChainCorrupted)
}

func TestSetAnchor(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	for i := 0; i < 5; i++ {
		_, err := s.CastVote(
			testVote("poll-1", fmt.Sprintf("vote-%d", i)),
			types.HexBytes(fmt.Sprintf("anchor-nullifier-%d-aaaaaaaaaaaa", i)),
			nil,
		)
		c.Assert(err, qt.IsNil)
	}

	txid := types.HexBytes{0xde, 0xad, 0xbe, 0xef}
	c.Assert(s.SetAnchor(3, txid), qt.IsNil)

	head, err := s.ChainHead()
	c.Assert(err, qt.IsNil)
	c.Assert(head.LastAnchor, qt.Equals, uint64(3))

	entry, err := s.ChainEntry(2)
	c.Assert(err, qt.IsNil)
	c.Assert(entry.AnchorTx, qt.DeepEquals, txid)
	entry, err = s.ChainEntry(4)
	c.Assert(err, qt.IsNil)
	c.Assert(entry.AnchorTx, qt.HasLen, 0)

	// anchoring changes receipts only, never the hash chain
	c.Assert(s.VerifyChain(), qt.IsNil)

	c.Assert(s.SetAnchor(99, txid), qt.IsNotNil)
}

func TestReadOnlyMode(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	s.SetReadOnly(true)
	_, err := s.CastVote(testVote("poll-1", "vote-1"),
		types.HexBytes("ro-nullifier-aaaaaaaaaaaaaaaaaaa"), nil)
	c.Assert(err, qt.ErrorIs, ErrReadOnly)
	c.Assert(s.SetPoll(&types.Poll{ID: "poll-1"}), qt.ErrorIs, ErrReadOnly)

	// reads still work
	_, err = s.ChainHead()
	c.Assert(err, qt.IsNil)

	s.SetReadOnly(false)
	_, err = s.CastVote(testVote("poll-1", "vote-1"),
		types.HexBytes("ro-nullifier-aaaaaaaaaaaaaaaaaaa"), nil)
	c.Assert(err, qt.IsNil)
}

func TestUserUpsert(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	pnHash := types.HexBytes("personal-hash-aaaaaaaaaaaaaaaaaa")
	user := &types.User{
		ID:               "user-1",
		PersonalHash:     pnHash,
		Gender:           types.GenderMale,
		BirthYear:        1987,
		RegionCodes:      []string{"reg_imereti"},
		DeviceThumbprint: types.HexBytes("device-a"),
		EnrolledAt:       time.Now().UTC(),
	}
	c.Assert(s.SetUser(user), qt.IsNil)
	c.Assert(s.HasUser(pnHash), qt.IsTrue)

	got, err := s.UserByDevice(types.HexBytes("device-a"))
	c.Assert(err, qt.IsNil)
	c.Assert(got.PersonalHash, qt.DeepEquals, pnHash)

	// re-enrollment on a new device moves the index
	user.DeviceThumbprint = types.HexBytes("device-b")
	c.Assert(s.SetUser(user), qt.IsNil)

	_, err = s.UserByDevice(types.HexBytes("device-a"))
	c.Assert(err, qt.ErrorIs, ErrNotFound)
	got, err = s.UserByDevice(types.HexBytes("device-b"))
	c.Assert(err, qt.IsNil)
	c.Assert(got.PersonalHash, qt.DeepEquals, pnHash)

	count, err := s.CountUsers()
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 1)
}

func TestEnrollmentSessions(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	now := time.Now().UTC()
	first := &types.EnrollmentSession{
		ID:        "session-1",
		DeviceID:  "device-1",
		State:     types.EnrollmentStarted,
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
	c.Assert(s.SetEnrollmentSession(first), qt.IsNil)

	// starting a new session displaces the previous one of the same device
	second := &types.EnrollmentSession{
		ID:        "session-2",
		DeviceID:  "device-1",
		State:     types.EnrollmentStarted,
		CreatedAt: now,
		ExpiresAt: now.Add(-time.Minute), // already expired
	}
	c.Assert(s.SetEnrollmentSession(second), qt.IsNil)

	_, err := s.EnrollmentSession("session-1")
	c.Assert(err, qt.ErrorIs, ErrNotFound)
	got, err := s.EnrollmentSessionByDevice("device-1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.ID, qt.Equals, "session-2")

	purged, err := s.PurgeExpiredEnrollmentSessions(time.Now().UTC())
	c.Assert(err, qt.IsNil)
	c.Assert(purged, qt.Equals, 1)
	_, err = s.EnrollmentSessionByDevice("device-1")
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}

func TestPollLifecycle(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	poll := &types.Poll{
		ID:        "poll-1",
		Title:     "Referendum on transit funding",
		Type:      types.PollTypeReferendum,
		Status:    types.PollStatusDraft,
		StartTime: time.Now().UTC(),
		EndTime:   time.Now().UTC().Add(24 * time.Hour),
		MinK:      30,
	}
	c.Assert(s.SetPoll(poll), qt.IsNil)
	c.Assert(s.SetPollOption(&types.PollOption{ID: "opt-1", PollID: "poll-1", Index: 0, Label: "Yes"}), qt.IsNil)
	c.Assert(s.SetPollOption(&types.PollOption{ID: "opt-2", PollID: "poll-1", Index: 1, Label: "No"}), qt.IsNil)

	options, err := s.PollOptions("poll-1")
	c.Assert(err, qt.IsNil)
	c.Assert(options, qt.HasLen, 2)
	c.Assert(options[0].Label, qt.Equals, "Yes")

	c.Assert(s.UpdatePoll("poll-1", func(p *types.Poll) error {
		p.Status = types.PollStatusActive
		return nil
	}), qt.IsNil)
	got, err := s.Poll("poll-1")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.PollStatusActive)

	active, err := s.ListPolls(types.PollStatusActive)
	c.Assert(err, qt.IsNil)
	c.Assert(active, qt.HasLen, 1)

	c.Assert(s.DeletePoll("poll-1"), qt.IsNil)
	_, err = s.Poll("poll-1")
	c.Assert(err, qt.ErrorIs, ErrNotFound)
	options, err = s.PollOptions("poll-1")
	c.Assert(err, qt.IsNil)
	c.Assert(options, qt.HasLen, 0)
}

func TestEncodeArtifactDeterministic(t *testing.T) {
	c := qt.New(t)

	// chain hashes are computed over encoded artifacts, so map key order
	// must not leak into the bytes
	vote := testVote("poll-1", "vote-1")
	vote.SurveyResponses = map[string]string{"q1": "a", "q2": "b", "q3": "c"}
	first, err := EncodeArtifact(vote)
	c.Assert(err, qt.IsNil)
	for range 10 {
		again, err := EncodeArtifact(vote)
		c.Assert(err, qt.IsNil)
		c.Assert(again, qt.DeepEquals, first)
	}

	decoded := &types.Vote{}
	c.Assert(DecodeArtifact(first, decoded), qt.IsNil)
	c.Assert(decoded.SurveyResponses, qt.DeepEquals, vote.SurveyResponses)
}

func TestMigrateIdempotent(t *testing.T) {
	c := qt.New(t)
	database, err := inmemory.New(db.Options{})
	c.Assert(err, qt.IsNil)
	s := New(database)
	defer s.Close()

	// enroll a pilot-era user carrying a legacy region id
	legacy := &types.User{
		ID:               "user-legacy",
		PersonalHash:     types.HexBytes("legacy-hash-aaaaaaaaaaaaaaaaaaaa"),
		RegionCodes:      []string{"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a01"},
		DeviceThumbprint: types.HexBytes("legacy-device"),
	}
	c.Assert(s.SetUser(legacy), qt.IsNil)

	c.Assert(s.Migrate(), qt.IsNil)
	version, err := s.SchemaVersion()
	c.Assert(err, qt.IsNil)
	c.Assert(version, qt.Equals, 3)

	regions, err := s.Regions()
	c.Assert(err, qt.IsNil)
	c.Assert(len(regions) >= 11, qt.IsTrue)
	c.Assert(s.HasRegion("reg_tbilisi"), qt.IsTrue)

	got, err := s.User(legacy.PersonalHash)
	c.Assert(err, qt.IsNil)
	c.Assert(got.RegionCodes, qt.DeepEquals, []string{"reg_tbilisi"})

	// a second run must change nothing
	c.Assert(s.Migrate(), qt.IsNil)
	version, err = s.SchemaVersion()
	c.Assert(err, qt.IsNil)
	c.Assert(version, qt.Equals, 3)
}

func TestMigrateLegacyPollAudience(t *testing.T) {
	c := qt.New(t)
	database, err := inmemory.New(db.Options{})
	c.Assert(err, qt.IsNil)
	s := New(database)
	defer s.Close()

	// a pilot-era poll restricts its audience with legacy region ids; after
	// the migration it must match users carrying the stable codes
	poll := &types.Poll{
		ID:        "poll-legacy",
		Title:     "Pilot-era regional poll",
		Type:      types.PollTypeReferendum,
		Status:    types.PollStatusActive,
		StartTime: time.Now().UTC(),
		EndTime:   time.Now().UTC().Add(24 * time.Hour),
		Audience: types.AudienceRules{
			Regions: []string{
				"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a01",
				"reg_adjara", // already a code, must survive untouched
			},
		},
	}
	c.Assert(s.SetPoll(poll), qt.IsNil)

	c.Assert(s.Migrate(), qt.IsNil)

	got, err := s.Poll("poll-legacy")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Audience.Regions, qt.DeepEquals, []string{"reg_tbilisi", "reg_adjara"})

	// rerunning the step leaves the rewritten rules alone
	c.Assert(s.Migrate(), qt.IsNil)
	got, err = s.Poll("poll-legacy")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Audience.Regions, qt.DeepEquals, []string{"reg_tbilisi", "reg_adjara"})
}

func TestRewardReceipts(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	receipt := &types.RewardReceipt{
		PollID:       "poll-1",
		PersonalHash: types.HexBytes("reward-hash-aaaaaaaaaaaaaaaaaaaa"),
		Amount:       5,
		Currency:     "GEL",
		Status:       types.RewardPending,
		CreatedAt:    time.Now().UTC(),
	}
	c.Assert(s.SetRewardReceipt(receipt), qt.IsNil)

	pending, err := s.PendingRewards()
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 1)

	receipt.Status = types.RewardDispatched
	c.Assert(s.SetRewardReceipt(receipt), qt.IsNil)
	pending, err = s.PendingRewards()
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 0)
}
