package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/khma-io/khma-node/db"
	"github.com/khma-io/khma-node/db/prefixeddb"
	"github.com/khma-io/khma-node/log"
	"github.com/khma-io/khma-node/types"
)

var migrationVersionKey = []byte("version")

// migrationRecord is the ledger entry of one applied migration step.
type migrationRecord struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"appliedAt"`
}

type migrationStep struct {
	version int
	name    string
	run     func(s *Storage) error
}

// migrations are applied in order on startup. Steps must be idempotent:
// a crash between a step and the version bump replays the step.
var migrations = []migrationStep{
	{1, "initial-schema", func(*Storage) error { return nil }},
	{2, "seed-regions", migrateSeedRegions},
	{3, "region-uuid-to-code", migrateRegionUUIDToCode},
}

// Migrate brings the storage schema up to the current version. Running it
// on an up-to-date store is a no-op.
func (s *Storage) Migrate() error {
	current, err := s.schemaVersion()
	if err != nil {
		return err
	}
	for _, step := range migrations {
		if step.version <= current {
			continue
		}
		log.Infow("applying storage migration", "version", step.version, "name", step.name)
		if err := step.run(s); err != nil {
			return fmt.Errorf("migration %d (%s): %w", step.version, step.name, err)
		}
		if err := s.recordMigration(step); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (s *Storage) SchemaVersion() (int, error) { return s.schemaVersion() }

func (s *Storage) schemaVersion() (int, error) {
	var version int
	err := s.getArtifact(migrationPrefix, migrationVersionKey, &version)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Storage) recordMigration(step migrationStep) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	return s.commitTx(func(wTx db.WriteTx) error {
		ledger := prefixeddb.NewPrefixedWriteTx(wTx, migrationPrefix)
		versionData, err := EncodeArtifact(step.version)
		if err != nil {
			return err
		}
		if err := ledger.Set(migrationVersionKey, versionData); err != nil {
			return err
		}
		record, err := EncodeArtifact(&migrationRecord{
			Version:   step.version,
			Name:      step.name,
			AppliedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return ledger.Set([]byte(fmt.Sprintf("log/%03d", step.version)), record)
	})
}

// migrateSeedRegions loads the administrative region reference data.
// Existing codes are overwritten, so rerunning the step is harmless.
func migrateSeedRegions(s *Storage) error {
	for _, region := range seedRegions {
		r := region
		if err := s.SetRegion(&r); err != nil {
			return err
		}
	}
	return nil
}

var seedRegions = []types.Region{
	{Code: "reg_tbilisi", NameEN: "Tbilisi", NameKA: "თბილისი"},
	{Code: "reg_adjara", NameEN: "Adjara", NameKA: "აჭარა"},
	{Code: "reg_guria", NameEN: "Guria", NameKA: "გურია"},
	{Code: "reg_imereti", NameEN: "Imereti", NameKA: "იმერეთი"},
	{Code: "reg_kakheti", NameEN: "Kakheti", NameKA: "კახეთი"},
	{Code: "reg_kvemo_kartli", NameEN: "Kvemo Kartli", NameKA: "ქვემო ქართლი"},
	{Code: "reg_mtskheta_mtianeti", NameEN: "Mtskheta-Mtianeti", NameKA: "მცხეთა-მთიანეთი"},
	{Code: "reg_racha_lechkhumi", NameEN: "Racha-Lechkhumi and Kvemo Svaneti", NameKA: "რაჭა-ლეჩხუმი და ქვემო სვანეთი"},
	{Code: "reg_samegrelo", NameEN: "Samegrelo-Zemo Svaneti", NameKA: "სამეგრელო-ზემო სვანეთი"},
	{Code: "reg_samtskhe_javakheti", NameEN: "Samtskhe-Javakheti", NameKA: "სამცხე-ჯავახეთი"},
	{Code: "reg_shida_kartli", NameEN: "Shida Kartli", NameKA: "შიდა ქართლი"},
}

// legacyRegionIDs maps the database ids used by the pilot deployment to the
// stable region codes. Credentials enrolled before the code migration may
// still carry these.
var legacyRegionIDs = map[string]string{
	"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a01": "reg_tbilisi",
	"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a02": "reg_adjara",
	"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a03": "reg_guria",
	"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a04": "reg_imereti",
	"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a05": "reg_kakheti",
	"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a06": "reg_kvemo_kartli",
	"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a07": "reg_mtskheta_mtianeti",
	"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a08": "reg_racha_lechkhumi",
	"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a09": "reg_samegrelo",
	"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a10": "reg_samtskhe_javakheti",
	"8d2f1f0a-53a1-4f4e-9f6d-0b6f6f1a9a11": "reg_shida_kartli",
}

// migrateRegionUUIDToCode rewrites legacy region ids to the stable codes,
// both inside stored credentials and inside poll audience rules. Unknown
// values are left untouched.
func migrateRegionUUIDToCode(s *Storage) error {
	var users []*types.User
	if err := s.IterateUsers(func(user *types.User) bool {
		for _, rc := range user.RegionCodes {
			if _, legacy := legacyRegionIDs[rc]; legacy {
				u := *user
				users = append(users, &u)
				break
			}
		}
		return true
	}); err != nil {
		return err
	}
	for _, user := range users {
		codes := make([]string, len(user.RegionCodes))
		for i, rc := range user.RegionCodes {
			if code, ok := legacyRegionIDs[rc]; ok {
				codes[i] = code
			} else {
				codes[i] = rc
			}
		}
		user.RegionCodes = codes
		if err := s.SetUser(user); err != nil {
			return err
		}
	}
	polls, err := s.ListPolls()
	if err != nil {
		return err
	}
	rewrote := 0
	for _, p := range polls {
		legacy := false
		for _, r := range p.Audience.Regions {
			if _, ok := legacyRegionIDs[r]; ok {
				legacy = true
				break
			}
		}
		if !legacy {
			continue
		}
		if err := s.UpdatePoll(p.ID, func(poll *types.Poll) error {
			for i, r := range poll.Audience.Regions {
				if code, ok := legacyRegionIDs[r]; ok {
					poll.Audience.Regions[i] = code
				}
			}
			return nil
		}); err != nil {
			return err
		}
		rewrote++
	}
	if len(users) > 0 || rewrote > 0 {
		log.Infow("rewrote legacy region ids", "users", len(users), "polls", rewrote)
	}
	return nil
}
