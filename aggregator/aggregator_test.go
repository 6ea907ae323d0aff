package aggregator

import (
	"fmt"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/khma-io/khma-node/db"
	"github.com/khma-io/khma-node/db/inmemory"
	"github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/types"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	c := qt.New(t)
	database, err := inmemory.New(db.Options{})
	c.Assert(err, qt.IsNil)
	s := storage.New(database)
	c.Assert(s.Migrate(), qt.IsNil)
	t.Cleanup(s.Close)
	return s
}

func seedReferendum(t *testing.T, s *storage.Storage, pollID string, minK int) {
	t.Helper()
	c := qt.New(t)
	now := time.Now().UTC()
	c.Assert(s.SetPoll(&types.Poll{
		ID:        pollID,
		Type:      types.PollTypeReferendum,
		Status:    types.PollStatusActive,
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
		MinK:      minK,
	}), qt.IsNil)
	c.Assert(s.SetPollOption(&types.PollOption{ID: "opt-yes", PollID: pollID, Index: 0, Label: "Yes"}), qt.IsNil)
	c.Assert(s.SetPollOption(&types.PollOption{ID: "opt-no", PollID: pollID, Index: 1, Label: "No"}), qt.IsNil)
}

func castVotes(t *testing.T, s *storage.Storage, pollID, optionID string, cell types.DemographicCell, n int) {
	t.Helper()
	c := qt.New(t)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%s-%s-%d", pollID, optionID, cell.Key(), i)
		_, err := s.CastVote(&types.Vote{
			ID:              id,
			PollID:          pollID,
			OptionID:        optionID,
			Cell:            cell,
			TimestampBucket: types.TimestampBucket(time.Now()),
		}, types.HexBytes("nullifier-"+id), nil)
		c.Assert(err, qt.IsNil)
	}
}

var (
	cellTbilisiF = types.DemographicCell{Gender: types.GenderFemale, BirthBucket: 1980, RegionCode: "reg_tbilisi"}
	cellTbilisiM = types.DemographicCell{Gender: types.GenderMale, BirthBucket: 1980, RegionCode: "reg_tbilisi"}
	cellGuriaF   = types.DemographicCell{Gender: types.GenderFemale, BirthBucket: 1990, RegionCode: "reg_guria"}
)

func TestAggregateBelowFloor(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)
	seedReferendum(t, s, "poll-small", 30)

	// 7 + 3 = 10 votes, below the floor of 30
	castVotes(t, s, "poll-small", "opt-yes", cellTbilisiF, 7)
	castVotes(t, s, "poll-small", "opt-no", cellGuriaF, 3)

	results, err := New(s, false).Aggregate("poll-small", time.Now())
	c.Assert(err, qt.IsNil)
	c.Assert(results.Released, qt.IsFalse)
	c.Assert(results.Options, qt.HasLen, 0)
	c.Assert(results.Cells, qt.HasLen, 0)
	c.Assert(results.Total, qt.Equals, 0, qt.Commentf("an unreleased snapshot must not leak the total"))
}

func TestAggregateReleasedTallies(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)
	seedReferendum(t, s, "poll-1", 30)

	// 20 + 15 = 35 votes clears the floor, so option tallies are released
	castVotes(t, s, "poll-1", "opt-yes", cellTbilisiF, 20)
	castVotes(t, s, "poll-1", "opt-no", cellTbilisiM, 15)

	results, err := New(s, false).Aggregate("poll-1", time.Now())
	c.Assert(err, qt.IsNil)
	c.Assert(results.Released, qt.IsTrue)
	c.Assert(results.Total, qt.Equals, 35)
	c.Assert(results.Options, qt.HasLen, 2)
	c.Assert(results.Options[0].OptionID, qt.Equals, "opt-yes")
	c.Assert(results.Options[0].Count, qt.Equals, 20)
	c.Assert(results.Options[1].Count, qt.Equals, 15)

	// both cells are below 30, so both stay suppressed
	for _, cell := range results.Cells {
		c.Assert(cell.Suppressed, qt.IsTrue)
		c.Assert(cell.Count, qt.Equals, 0)
	}
}

func TestComplementarySuppression(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)
	seedReferendum(t, s, "poll-2", 10)

	// one cell under the floor, two over; the smallest released cell must
	// also be hidden, otherwise the hidden count is total minus the rest
	castVotes(t, s, "poll-2", "opt-yes", cellTbilisiF, 25)
	castVotes(t, s, "poll-2", "opt-yes", cellTbilisiM, 12)
	castVotes(t, s, "poll-2", "opt-no", cellGuriaF, 4)

	results, err := New(s, false).Aggregate("poll-2", time.Now())
	c.Assert(err, qt.IsNil)
	c.Assert(results.Released, qt.IsTrue)
	c.Assert(results.Cells, qt.HasLen, 3)

	suppressed := 0
	var releasedCounts []int
	for _, cell := range results.Cells {
		if cell.Suppressed {
			suppressed++
		} else {
			releasedCounts = append(releasedCounts, cell.Count)
		}
	}
	c.Assert(suppressed, qt.Equals, 2, qt.Commentf("primary plus complementary"))
	c.Assert(releasedCounts, qt.DeepEquals, []int{25})
}

func TestDeterministicNoise(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)
	seedReferendum(t, s, "poll-3", 5)

	castVotes(t, s, "poll-3", "opt-yes", cellTbilisiF, 30)
	castVotes(t, s, "poll-3", "opt-no", cellTbilisiM, 20)

	agg := New(s, true)
	first, err := agg.Aggregate("poll-3", time.Now())
	c.Assert(err, qt.IsNil)
	c.Assert(first.NoiseApplied, qt.IsTrue)

	second, err := agg.Aggregate("poll-3", time.Now())
	c.Assert(err, qt.IsNil)
	c.Assert(second.Cells, qt.DeepEquals, first.Cells,
		qt.Commentf("noise must be deterministic per poll and cell"))

	// noise perturbs cells, never the released option tallies
	c.Assert(first.Options[0].Count, qt.Equals, 30)
	for _, cell := range first.Cells {
		c.Assert(cell.Count >= 0, qt.IsTrue)
	}
}

func TestSurveyAggregation(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)
	now := time.Now().UTC()
	c.Assert(s.SetPoll(&types.Poll{
		ID:        "survey-1",
		Type:      types.PollTypeSurvey,
		Status:    types.PollStatusActive,
		StartTime: now.Add(-time.Hour),
		EndTime:   now.Add(time.Hour),
		MinK:      2,
	}), qt.IsNil)
	c.Assert(s.SetSurveyQuestion(&types.SurveyQuestion{
		ID: "q-1", PollID: "survey-1", Index: 0, Text: "Renovate the school?",
		Options: []types.QuestionOption{
			{ID: "o-yes", Index: 0, Label: "Yes"},
			{ID: "o-no", Index: 1, Label: "No"},
		},
	}), qt.IsNil)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("sv-%d", i)
		_, err := s.CastVote(&types.Vote{
			ID:              id,
			PollID:          "survey-1",
			SurveyResponses: map[string]string{"q-1": "o-yes"},
			Cell:            cellTbilisiF,
			TimestampBucket: types.TimestampBucket(now),
		}, types.HexBytes("nullifier-"+id), nil)
		c.Assert(err, qt.IsNil)
	}

	results, err := New(s, false).Aggregate("survey-1", now)
	c.Assert(err, qt.IsNil)
	c.Assert(results.Released, qt.IsTrue)
	c.Assert(results.Options, qt.HasLen, 2)
	c.Assert(results.Options[0].OptionID, qt.Equals, "q-1/o-yes")
	c.Assert(results.Options[0].Count, qt.Equals, 3)
	c.Assert(results.Options[1].Count, qt.Equals, 0)
}
