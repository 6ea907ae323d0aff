package storage

import (
	"fmt"
	"sort"

	"github.com/khma-io/khma-node/db"
	"github.com/khma-io/khma-node/db/prefixeddb"
	"github.com/khma-io/khma-node/types"
)

// compositeKey joins a poll id with a child id inside a namespace.
func compositeKey(pollID, childID string) []byte {
	return []byte(pollID + "/" + childID)
}

// childPrefix scopes a namespace prefix to the children of one poll.
func childPrefix(prefix []byte, pollID string) []byte {
	out := make([]byte, 0, len(prefix)+len(pollID)+1)
	out = append(out, prefix...)
	return append(out, pollID+"/"...)
}

// SetPoll stores or replaces a poll.
func (s *Storage) SetPoll(poll *types.Poll) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if poll.ID == "" {
		return fmt.Errorf("poll without id")
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	s.cache.Remove(cachePollKey(poll.ID))
	return s.setArtifact(pollPrefix, []byte(poll.ID), poll)
}

// Poll retrieves a poll by id.
func (s *Storage) Poll(id string) (*types.Poll, error) {
	if cached, ok := s.cache.Get(cachePollKey(id)); ok {
		return cached.(*types.Poll), nil
	}
	poll := &types.Poll{}
	if err := s.getArtifact(pollPrefix, []byte(id), poll); err != nil {
		return nil, err
	}
	s.cache.Add(cachePollKey(id), poll)
	return poll, nil
}

func cachePollKey(id string) string { return "poll/" + id }

// UpdatePoll applies update to the stored poll under the global lock and
// persists the result. The update callback must not block.
func (s *Storage) UpdatePoll(id string, update func(*types.Poll) error) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	poll := &types.Poll{}
	if err := s.getArtifact(pollPrefix, []byte(id), poll); err != nil {
		return err
	}
	if err := update(poll); err != nil {
		return err
	}
	s.cache.Remove(cachePollKey(id))
	return s.setArtifact(pollPrefix, []byte(id), poll)
}

// ListPolls returns all polls, optionally filtered by status, ordered by
// start time.
func (s *Storage) ListPolls(status ...types.PollStatus) ([]*types.Poll, error) {
	var polls []*types.Poll
	err := s.iterateArtifacts(pollPrefix, func(_, v []byte) bool {
		poll := &types.Poll{}
		if err := DecodeArtifact(v, poll); err != nil {
			return true
		}
		if len(status) > 0 {
			match := false
			for _, st := range status {
				if poll.Status == st {
					match = true
					break
				}
			}
			if !match {
				return true
			}
		}
		polls = append(polls, poll)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(polls, func(i, j int) bool {
		return polls[i].StartTime.Before(polls[j].StartTime)
	})
	return polls, nil
}

// SetPollOption stores an option of an election or referendum poll.
func (s *Storage) SetPollOption(option *types.PollOption) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	return s.setArtifact(pollOptionPrefix, compositeKey(option.PollID, option.ID), option)
}

// PollOptions returns the options of a poll in declared order.
func (s *Storage) PollOptions(pollID string) ([]*types.PollOption, error) {
	var options []*types.PollOption
	err := s.iterateArtifacts(childPrefix(pollOptionPrefix, pollID),
		func(_, v []byte) bool {
			option := &types.PollOption{}
			if err := DecodeArtifact(v, option); err != nil {
				return true
			}
			options = append(options, option)
			return true
		})
	if err != nil {
		return nil, err
	}
	sort.Slice(options, func(i, j int) bool { return options[i].Index < options[j].Index })
	return options, nil
}

// PollOption retrieves a single option of a poll.
func (s *Storage) PollOption(pollID, optionID string) (*types.PollOption, error) {
	option := &types.PollOption{}
	if err := s.getArtifact(pollOptionPrefix, compositeKey(pollID, optionID), option); err != nil {
		return nil, err
	}
	return option, nil
}

// SetSurveyQuestion stores a question of a survey poll.
func (s *Storage) SetSurveyQuestion(question *types.SurveyQuestion) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	return s.setArtifact(surveyQuestPrefix, compositeKey(question.PollID, question.ID), question)
}

// SurveyQuestions returns the questions of a survey poll in declared order.
func (s *Storage) SurveyQuestions(pollID string) ([]*types.SurveyQuestion, error) {
	var questions []*types.SurveyQuestion
	err := s.iterateArtifacts(childPrefix(surveyQuestPrefix, pollID),
		func(_, v []byte) bool {
			question := &types.SurveyQuestion{}
			if err := DecodeArtifact(v, question); err != nil {
				return true
			}
			questions = append(questions, question)
			return true
		})
	if err != nil {
		return nil, err
	}
	sort.Slice(questions, func(i, j int) bool { return questions[i].Index < questions[j].Index })
	return questions, nil
}

// DeletePoll removes a poll with its options and questions. Votes and audit
// chain entries are never deleted.
func (s *Storage) DeletePoll(id string) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	s.cache.Remove(cachePollKey(id))

	return s.commitTx(func(wTx db.WriteTx) error {
		if err := prefixeddb.NewPrefixedWriteTx(wTx, pollPrefix).Delete([]byte(id)); err != nil {
			return err
		}
		for _, prefix := range [][]byte{pollOptionPrefix, surveyQuestPrefix} {
			child := prefixeddb.NewPrefixedWriteTx(wTx, prefix)
			var keys [][]byte
			if err := child.Iterate([]byte(id+"/"), func(k, _ []byte) bool {
				keys = append(keys, append([]byte(nil), k...))
				return true
			}); err != nil {
				return err
			}
			for _, k := range keys {
				if err := child.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
