package storage

import (
	"sort"

	"github.com/khma-io/khma-node/types"
)

// SetRegion stores or replaces a region definition.
func (s *Storage) SetRegion(region *types.Region) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	return s.setArtifact(regionPrefix, []byte(region.Code), region)
}

// Region retrieves a region by its code.
func (s *Storage) Region(code string) (*types.Region, error) {
	region := &types.Region{}
	if err := s.getArtifact(regionPrefix, []byte(code), region); err != nil {
		return nil, err
	}
	return region, nil
}

// HasRegion reports whether the region code is known.
func (s *Storage) HasRegion(code string) bool {
	return s.hasArtifact(regionPrefix, []byte(code))
}

// Regions returns all regions ordered by code.
func (s *Storage) Regions() ([]*types.Region, error) {
	var regions []*types.Region
	err := s.iterateArtifacts(regionPrefix, func(_, v []byte) bool {
		region := &types.Region{}
		if err := DecodeArtifact(v, region); err != nil {
			return true
		}
		regions = append(regions, region)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Code < regions[j].Code })
	return regions, nil
}
