package storage

import (
	"fmt"

	"github.com/khma-io/khma-node/db"
	"github.com/khma-io/khma-node/db/prefixeddb"
	"github.com/khma-io/khma-node/types"
)

// SetUser upserts a credential keyed by its personal-number hash and keeps
// the device thumbprint index in sync. Re-enrollment replaces the previous
// credential of the same person, so the old device index entry is removed.
func (s *Storage) SetUser(user *types.User) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if len(user.PersonalHash) == 0 {
		return fmt.Errorf("user without personal hash")
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	return s.commitTx(func(wTx db.WriteTx) error {
		users := prefixeddb.NewPrefixedWriteTx(wTx, userPrefix)
		devices := prefixeddb.NewPrefixedWriteTx(wTx, deviceIndexPrefix)

		var prev types.User
		prevData, err := users.Get(user.PersonalHash)
		if err == nil {
			if err := DecodeArtifact(prevData, &prev); err != nil {
				return fmt.Errorf("decode existing user: %w", err)
			}
			if !prev.DeviceThumbprint.Equal(user.DeviceThumbprint) {
				if err := devices.Delete(prev.DeviceThumbprint); err != nil {
					return err
				}
			}
		}

		data, err := EncodeArtifact(user)
		if err != nil {
			return err
		}
		if err := users.Set(user.PersonalHash, data); err != nil {
			return err
		}
		return devices.Set(user.DeviceThumbprint, user.PersonalHash)
	})
}

// User retrieves a credential by its personal-number hash.
func (s *Storage) User(personalHash types.HexBytes) (*types.User, error) {
	user := &types.User{}
	if err := s.getArtifact(userPrefix, personalHash, user); err != nil {
		return nil, err
	}
	return user, nil
}

// HasUser reports whether a credential exists for the personal-number hash.
func (s *Storage) HasUser(personalHash types.HexBytes) bool {
	return s.hasArtifact(userPrefix, personalHash)
}

// UserByDevice resolves the credential currently bound to a device
// thumbprint.
func (s *Storage) UserByDevice(thumbprint types.HexBytes) (*types.User, error) {
	personalHash, err := prefixeddb.NewPrefixedReader(s.db, deviceIndexPrefix).Get(thumbprint)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.User(personalHash)
}

// IterateUsers walks all enrolled credentials. Used by the audience
// estimator; the callback must not retain the user.
func (s *Storage) IterateUsers(callback func(user *types.User) bool) error {
	return s.iterateArtifacts(userPrefix, func(_, v []byte) bool {
		user := &types.User{}
		if err := DecodeArtifact(v, user); err != nil {
			return true // skip undecodable rows
		}
		return callback(user)
	})
}

// CountUsers returns the number of enrolled credentials.
func (s *Storage) CountUsers() (int, error) {
	count := 0
	err := s.iterateArtifacts(userPrefix, func(_, _ []byte) bool {
		count++
		return true
	})
	return count, err
}
