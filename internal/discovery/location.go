package discovery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gaspareduard/PlateifyAPP/internal/apperr"
	"github.com/gaspareduard/PlateifyAPP/internal/model"
	"github.com/gaspareduard/PlateifyAPP/internal/store"
)

// Invalidator 候选人缓存失效
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// LocationService 用户位置更新
type LocationService struct {
	gateway store.Gateway
	cache   Invalidator
	logger  *slog.Logger
}

// NewLocationService 创建位置服务，cache 可以为 nil
func NewLocationService(gateway store.Gateway, cache Invalidator) *LocationService {
	return &LocationService{
		gateway: gateway,
		cache:   cache,
		logger:  slog.Default(),
	}
}

// UpdateLocation 写入用户坐标和服务端更新时间，并使候选人缓存失效
func (s *LocationService) UpdateLocation(ctx context.Context, userID string, p model.GeoPoint) error {
	if userID == "" {
		return apperr.ErrNotAuthenticated
	}
	if !ValidPoint(p) {
		return apperr.ErrInvalidState.WithMessage("Invalid location")
	}

	err := s.gateway.Update(ctx, UsersCollection, userID, map[string]any{
		"latitude":           p.Latitude,
		"longitude":          p.Longitude,
		"lastLocationUpdate": store.ServerTimestamp(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrNotFound
		}
		s.logger.Error("Failed to update location", "user", userID, "error", err)
		return apperr.Transient(err)
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.logger.Warn("Failed to invalidate candidate cache", "error", err)
		}
	}
	return nil
}
