// Package poll implements the audience eligibility rules and the
// publication gate for polls.
package poll

import (
	"slices"
	"time"

	"github.com/khma-io/khma-node/storage"
	"github.com/khma-io/khma-node/types"
)

// Match reports whether a credential satisfies the audience rules at the
// given time. Empty rules match every enrolled credential. Age bounds are
// inclusive and evaluated on the birth-year derived age, which is all the
// credential stores.
func Match(user *types.User, rules types.AudienceRules, now time.Time) bool {
	if rules.Gender != "" && rules.Gender != types.GenderAll && user.Gender != rules.Gender {
		return false
	}
	if len(rules.Regions) > 0 {
		found := false
		for _, code := range user.RegionCodes {
			if slices.Contains(rules.Regions, code) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if rules.MinAge != nil || rules.MaxAge != nil {
		age := user.Age(now)
		if rules.MinAge != nil && age < *rules.MinAge {
			return false
		}
		if rules.MaxAge != nil && age > *rules.MaxAge {
			return false
		}
	}
	return true
}

// EstimateAudience counts the enrolled credentials matching the rules. The
// count feeds the publication gate's k-anonymity warning.
func EstimateAudience(s *storage.Storage, rules types.AudienceRules, now time.Time) (int, error) {
	count := 0
	err := s.IterateUsers(func(user *types.User) bool {
		if Match(user, rules, now) {
			count++
		}
		return true
	})
	return count, err
}
