package membership

import (
	"context"
	"fmt"
	"slices"
	"time"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 5000
)

// Loader reads membership from the authoritative store.
type Loader interface {
	ChatParticipants(ctx context.Context, chatID int64) ([]int64, error)
	SpaceMembers(ctx context.Context, spaceID int64) ([]int64, error)
}

// Service answers membership questions from a cache, falling back to the
// loader on a miss. Returned slices are copies.
type Service struct {
	loader Loader
	chats  *Cache[int64, []int64]
	spaces *Cache[int64, []int64]
}

func New(loader Loader, ttl time.Duration, capacity int) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Service{
		loader: loader,
		chats:  NewCache[int64, []int64](ttl, capacity),
		spaces: NewCache[int64, []int64](ttl, capacity),
	}
}

func (s *Service) ChatParticipants(ctx context.Context, chatID int64) ([]int64, error) {
	if ids, ok := s.chats.Get(chatID); ok {
		return slices.Clone(ids), nil
	}
	ids, err := s.loader.ChatParticipants(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat %d participants: %w", chatID, err)
	}
	ids = normalize(ids)
	s.chats.Set(chatID, ids)
	return slices.Clone(ids), nil
}

func (s *Service) SpaceMembers(ctx context.Context, spaceID int64) ([]int64, error) {
	if ids, ok := s.spaces.Get(spaceID); ok {
		return slices.Clone(ids), nil
	}
	ids, err := s.loader.SpaceMembers(ctx, spaceID)
	if err != nil {
		return nil, fmt.Errorf("load space %d members: %w", spaceID, err)
	}
	ids = normalize(ids)
	s.spaces.Set(spaceID, ids)
	return slices.Clone(ids), nil
}

func (s *Service) IsSpaceMember(ctx context.Context, spaceID, userID int64) (bool, error) {
	ids, err := s.SpaceMembers(ctx, spaceID)
	if err != nil {
		return false, err
	}
	_, found := slices.BinarySearch(ids, userID)
	return found, nil
}

func (s *Service) InvalidateChat(chatID int64)   { s.chats.Invalidate(chatID) }
func (s *Service) InvalidateSpace(spaceID int64) { s.spaces.Invalidate(spaceID) }

func (s *Service) ChatStats() Stats  { return s.chats.Stats() }
func (s *Service) SpaceStats() Stats { return s.spaces.Stats() }

func normalize(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
