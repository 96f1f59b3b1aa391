// Package identity resolves caller profiles and signs their photo URLs.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rx3lixir/callcore/internal/calls"
	"github.com/rx3lixir/callcore/pkg/s3storage"
)

// ProfileStore loads user profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, id uuid.UUID) (calls.Profile, error)
}

// MediaSigner issues time-limited URLs for stored objects.
type MediaSigner interface {
	PresignedPhotoURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}

// Resolver implements the lookups the signaling core needs to describe an
// incoming call. Profiles are cached briefly since a ringing peer is usually
// the same handful of users.
type Resolver struct {
	profiles ProfileStore
	signer   MediaSigner
	cache    *expirable.LRU[uuid.UUID, calls.Profile]
}

func NewResolver(profiles ProfileStore, signer MediaSigner, cacheSize int, cacheTTL time.Duration) *Resolver {
	r := &Resolver{
		profiles: profiles,
		signer:   signer,
	}
	if cacheSize > 0 && cacheTTL > 0 {
		r.cache = expirable.NewLRU[uuid.UUID, calls.Profile](cacheSize, nil, cacheTTL)
	}
	return r
}

func (r *Resolver) ResolveProfile(ctx context.Context, userID uuid.UUID) (calls.Profile, error) {
	if r.cache != nil {
		if p, ok := r.cache.Get(userID); ok {
			return p, nil
		}
	}

	p, err := r.profiles.GetProfile(ctx, userID)
	if err != nil {
		return calls.Profile{}, fmt.Errorf("resolve profile %s: %w", userID, err)
	}

	if r.cache != nil {
		r.cache.Add(userID, p)
	}
	return p, nil
}

func (r *Resolver) SignMediaURL(ctx context.Context, photoRef string, ttl time.Duration) (string, error) {
	if r.signer == nil {
		return "", fmt.Errorf("no media signer configured: %w", calls.ErrNotFound)
	}

	url, err := r.signer.PresignedPhotoURL(ctx, photoRef, ttl)
	if err != nil {
		if errors.Is(err, s3storage.ErrObjectNotFound) {
			return "", fmt.Errorf("photo %s: %w", photoRef, calls.ErrNotFound)
		}
		return "", fmt.Errorf("sign photo %s: %w", photoRef, err)
	}
	return url, nil
}
