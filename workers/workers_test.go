package workers

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/khma-io/khma-node/db"
	"github.com/khma-io/khma-node/db/inmemory"
	"github.com/khma-io/khma-node/db/prefixeddb"
	"github.com/khma-io/khma-node/ledger"
	"github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/types"
)

func newTestStorage(t *testing.T) (*storage.Storage, db.Database) {
	t.Helper()
	c := qt.New(t)
	database, err := inmemory.New(db.Options{})
	c.Assert(err, qt.IsNil)
	s := storage.New(database)
	c.Assert(s.Migrate(), qt.IsNil)
	t.Cleanup(s.Close)
	return s, database
}

func TestManagerStartStop(t *testing.T) {
	c := qt.New(t)
	m := NewManager()

	var runs atomic.Int32
	m.Register(Worker{
		Name:     "counter",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	c.Assert(m.Start(context.Background()), qt.IsNil)
	c.Assert(m.Start(context.Background()), qt.IsNotNil, qt.Commentf("double start is rejected"))

	time.Sleep(60 * time.Millisecond)
	m.Stop()
	after := runs.Load()
	c.Assert(after >= 2, qt.IsTrue, qt.Commentf("worker must tick, got %d runs", after))

	time.Sleep(30 * time.Millisecond)
	c.Assert(runs.Load(), qt.Equals, after, qt.Commentf("no ticks after Stop"))
}

func castVotes(t *testing.T, s *storage.Storage, pollID string, n int) {
	t.Helper()
	c := qt.New(t)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-vote-%d", pollID, i)
		_, err := s.CastVote(&types.Vote{
			ID:     id,
			PollID: pollID,
			Cell: types.DemographicCell{
				Gender: types.GenderMale, BirthBucket: 1980, RegionCode: "reg_tbilisi",
			},
			TimestampBucket: types.TimestampBucket(time.Now()),
		}, types.HexBytes("nullifier-"+id), nil)
		c.Assert(err, qt.IsNil)
	}
}

func TestAnchorSubmitter(t *testing.T) {
	c := qt.New(t)
	s, _ := newTestStorage(t)
	castVotes(t, s, "poll-1", 5)

	mock := &ledger.MockClient{}
	w := NewAnchorSubmitter(s, mock)

	c.Assert(w.Run(context.Background()), qt.IsNil)
	c.Assert(mock.Anchors, qt.HasLen, 1)

	head, err := s.ChainHead()
	c.Assert(err, qt.IsNil)
	c.Assert(head.LastAnchor, qt.Equals, uint64(5))
	c.Assert(mock.Anchors[0], qt.DeepEquals, head.Hash)

	// nothing new to anchor on the next run
	c.Assert(w.Run(context.Background()), qt.IsNil)
	c.Assert(mock.Anchors, qt.HasLen, 1)
}

func TestChainVerifierFlipsReadOnly(t *testing.T) {
	c := qt.New(t)
	s, database := newTestStorage(t)
	castVotes(t, s, "poll-1", 3)

	w := NewChainVerifier(s)
	c.Assert(w.Run(context.Background()), qt.IsNil)
	c.Assert(s.ReadOnly(), qt.IsFalse)

	// corrupt entry 2 behind the storage API
	entry, err := s.ChainEntry(2)
	c.Assert(err, qt.IsNil)
	entry.OptionID = "tampered"
	data, err := storage.EncodeArtifact(entry)
	c.Assert(err, qt.IsNil)
	wTx := prefixeddb.NewPrefixedWriteTx(database.WriteTx(), []byte("ac/"))
	c.Assert(wTx.Set(seqKeyForTest(2), data), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)

	c.Assert(w.Run(context.Background()), qt.IsNotNil)
	c.Assert(s.ReadOnly(), qt.IsTrue)
}

func seqKeyForTest(seq uint64) []byte {
	k := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		k[i] = byte(seq)
		seq >>= 8
	}
	return k
}

type fakeSender struct {
	fail bool
}

func (f *fakeSender) Send(_ context.Context, receipt *types.RewardReceipt) (string, error) {
	if f.fail {
		return "", fmt.Errorf("provider down")
	}
	return "txref-" + receipt.PollID, nil
}

func TestRewardDispatcher(t *testing.T) {
	c := qt.New(t)
	s, _ := newTestStorage(t)

	c.Assert(s.SetRewardReceipt(&types.RewardReceipt{
		PollID:       "poll-1",
		PersonalHash: types.HexBytes("hash-a"),
		Amount:       5,
		Currency:     "GEL",
		Status:       types.RewardPending,
		CreatedAt:    time.Now().UTC(),
	}), qt.IsNil)

	w := NewRewardDispatcher(s, &fakeSender{})
	c.Assert(w.Run(context.Background()), qt.IsNil)

	receipt, err := s.RewardReceipt("poll-1", types.HexBytes("hash-a"))
	c.Assert(err, qt.IsNil)
	c.Assert(receipt.Status, qt.Equals, types.RewardDispatched)
	c.Assert(receipt.TxRef, qt.Equals, "txref-poll-1")
	c.Assert(receipt.DispatchedAt, qt.IsNotNil)

	pending, err := s.PendingRewards()
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 0)
}
