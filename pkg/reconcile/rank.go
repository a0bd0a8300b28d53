package reconcile

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Candidate is a component version eligible for deletion under a policy.
type Candidate struct {
	Component *Component `json:"component"`
	// Rank is the zero-based position within the group, best first.
	Rank      int `json:"rank"`
	GroupSize int `json:"group_size"`
}

// RankGroup sorts the members of one component group best first by sortBy.
// Ties fall back to version (highest first), then id.
func RankGroup(members []*Component, sortBy SortBy) {
	slices.SortStableFunc(members, func(a, b *Component) int {
		switch sortBy {
		case SortByLastDownloaded:
			if c := compareRecent(a.LastDownloaded, b.LastDownloaded); c != 0 {
				return c
			}
		case SortByLastBlobUpdated:
			if c := compareRecent(a.LastBlobUpdated, b.LastBlobUpdated); c != 0 {
				return c
			}
		}
		if c := CompareVersions(b.Version, a.Version); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
}

// Retained reports whether id ranks within the first retain members of a
// group already ordered by RankGroup.
func Retained(ranked []*Component, id uuid.UUID, retain int) (found, retained bool) {
	for i, c := range ranked {
		if c.ID == id {
			return true, i < retain
		}
	}
	return false, false
}

// compareRecent orders most recent first with nil last.
func compareRecent(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return b.Compare(*a)
}

func compareIDs(a, b uuid.UUID) int {
	return slices.Compare(a[:], b[:])
}
