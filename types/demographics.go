package types

import (
	"strconv"
	"time"
)

// DemographicCell is the coarse demographic snapshot copied into a vote at
// cast time. It is the only voter-derived data a vote carries: gender, a
// 10-year birth bucket and a region code. Nothing in it references the user
// row.
type DemographicCell struct {
	Gender      Gender `json:"gender"`
	BirthBucket int    `json:"birthBucket"`
	RegionCode  string `json:"regionCode"`
}

// Key returns a stable grouping key for aggregation.
func (c DemographicCell) Key() string {
	return string(c.Gender) + "/" + strconv.Itoa(c.BirthBucket) + "/" + c.RegionCode
}

// BirthBucket maps a birth year to its 10-year bucket (1987 → 1980).
func BirthBucket(year int) int {
	return year - year%10
}

// TimestampBucket coarsens a timestamp to the hour it falls in. Votes and
// chain entries persist only the bucket, never the exact instant.
func TimestampBucket(t time.Time) int64 {
	u := t.Unix()
	return u - u%3600
}
