package app

import (
	"context"
	"fmt"

	"staycore/internal/adapters/observability"
	"staycore/internal/domain"
)

// availabilityEstimateTTL bounds how stale a search-time count may be. The
// estimate is never authoritative: allocation re-checks inside its own
// transaction.
const availabilityEstimateTTL = 60

// AvailabilityService answers "how many rooms of this type are free for this
// range". It is a pure read over the allocation write model, with a short
// redis estimate in front for search traffic.
type AvailabilityService struct {
	alloc *AllocationEngine
	cache domain.Cache
}

func NewAvailabilityService(alloc *AllocationEngine, cache domain.Cache) *AvailabilityService {
	return &AvailabilityService{alloc: alloc, cache: cache}
}

// CountAvailable returns the number of free rooms, serving cached estimates
// when fresh enough.
func (s *AvailabilityService) CountAvailable(ctx context.Context, roomTypeID string, stay domain.StayRange) (int, error) {
	key := fmt.Sprintf("avail:%s:%s", roomTypeID, stay)
	var cached int
	if ok, _ := s.cache.Get(ctx, key, &cached); ok {
		return cached, nil
	}
	rooms, err := s.alloc.FindAvailableRooms(ctx, roomTypeID, stay)
	if err != nil {
		return 0, err
	}
	observability.ObserveAvailabilityQuery()
	_ = s.cache.Set(ctx, key, len(rooms), availabilityEstimateTTL)
	return len(rooms), nil
}

// FindAvailableRooms bypasses the estimate cache and reads the store
// directly; used where the caller needs room identities, not just a count.
func (s *AvailabilityService) FindAvailableRooms(ctx context.Context, roomTypeID string, stay domain.StayRange) ([]domain.Room, error) {
	return s.alloc.FindAvailableRooms(ctx, roomTypeID, stay)
}
