package types

import "time"

// Gender is the demographic gender marker used by audience rules. The empty
// value and GenderAll both mean "no restriction" in rules.
type Gender string

const (
	GenderAll    Gender = "all"
	GenderMale   Gender = "M"
	GenderFemale Gender = "F"
)

// User is an enrolled voter. The personal number is never stored in
// plaintext; only its salted keyed hash survives enrollment.
type User struct {
	ID               string    `json:"id"`
	PersonalHash     HexBytes  `json:"pnHash"`
	Gender           Gender    `json:"gender"`
	BirthYear        int       `json:"birthYear"`
	RegionCodes      []string  `json:"regionCodes"`
	DeviceThumbprint HexBytes  `json:"deviceThumbprint"`
	EnrolledAt       time.Time `json:"enrolledAt"`
}

// Age returns the user's age in whole years computed from the birth year
// only. Month and day of birth are never persisted, so ages are year
// granular on purpose.
func (u *User) Age(now time.Time) int {
	return now.Year() - u.BirthYear
}

// Cell returns the pre-bucketed demographic snapshot copied into votes.
// regionCode is the single code matched against the poll audience; when the
// poll has no region restriction the user's first region is used.
func (u *User) Cell(regionCode string) DemographicCell {
	if regionCode == "" && len(u.RegionCodes) > 0 {
		regionCode = u.RegionCodes[0]
	}
	return DemographicCell{
		Gender:      u.Gender,
		BirthBucket: BirthBucket(u.BirthYear),
		RegionCode:  regionCode,
	}
}
