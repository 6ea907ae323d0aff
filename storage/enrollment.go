package storage

import (
	"time"

	"github.com/khma-io/khma-node/db"
	"github.com/khma-io/khma-node/db/prefixeddb"
	"github.com/khma-io/khma-node/types"
)

// SetEnrollmentSession stores an enrollment session and points the device
// index at it, displacing any previous active session of the same device.
func (s *Storage) SetEnrollmentSession(session *types.EnrollmentSession) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	return s.commitTx(func(wTx db.WriteTx) error {
		sessions := prefixeddb.NewPrefixedWriteTx(wTx, enrollSessionPrefix)
		devices := prefixeddb.NewPrefixedWriteTx(wTx, enrollDevicePrefix)

		if prevID, err := devices.Get([]byte(session.DeviceID)); err == nil &&
			string(prevID) != session.ID {
			if err := sessions.Delete(prevID); err != nil {
				return err
			}
		}
		data, err := EncodeArtifact(session)
		if err != nil {
			return err
		}
		if err := sessions.Set([]byte(session.ID), data); err != nil {
			return err
		}
		return devices.Set([]byte(session.DeviceID), []byte(session.ID))
	})
}

// EnrollmentSession retrieves a session by id.
func (s *Storage) EnrollmentSession(id string) (*types.EnrollmentSession, error) {
	session := &types.EnrollmentSession{}
	if err := s.getArtifact(enrollSessionPrefix, []byte(id), session); err != nil {
		return nil, err
	}
	return session, nil
}

// EnrollmentSessionByDevice returns the active session of a device, if any.
func (s *Storage) EnrollmentSessionByDevice(deviceID string) (*types.EnrollmentSession, error) {
	id, err := prefixeddb.NewPrefixedReader(s.db, enrollDevicePrefix).Get([]byte(deviceID))
	if err != nil {
		return nil, ErrNotFound
	}
	return s.EnrollmentSession(string(id))
}

// DeleteEnrollmentSession removes a session and its device index entry.
func (s *Storage) DeleteEnrollmentSession(session *types.EnrollmentSession) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	return s.commitTx(func(wTx db.WriteTx) error {
		if err := prefixeddb.NewPrefixedWriteTx(wTx, enrollSessionPrefix).
			Delete([]byte(session.ID)); err != nil {
			return err
		}
		return prefixeddb.NewPrefixedWriteTx(wTx, enrollDevicePrefix).
			Delete([]byte(session.DeviceID))
	})
}

// PurgeExpiredEnrollmentSessions deletes every session whose TTL elapsed
// before now. Returns the number of purged sessions.
func (s *Storage) PurgeExpiredEnrollmentSessions(now time.Time) (int, error) {
	var expired []*types.EnrollmentSession
	err := s.iterateArtifacts(enrollSessionPrefix, func(_, v []byte) bool {
		session := &types.EnrollmentSession{}
		if err := DecodeArtifact(v, session); err != nil {
			return true
		}
		if session.Expired(now) {
			expired = append(expired, session)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, session := range expired {
		if err := s.DeleteEnrollmentSession(session); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}
