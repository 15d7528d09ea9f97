// Package registry caches the Copilot model listing per account.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Polly2014/CopilotX/pkg/auth"
	"github.com/Polly2014/CopilotX/pkg/cache"
	"github.com/Polly2014/CopilotX/pkg/logutil"
	"github.com/Polly2014/CopilotX/pkg/provider"
)

type ModelDescriptor = provider.ModelCard

const DefaultVendor = "github-copilot"

// OwnedBy is the vendor reported to clients.
func OwnedBy(m ModelDescriptor) string {
	if m.Vendor != "" {
		return m.Vendor
	}
	return DefaultVendor
}

type TokenSource interface {
	Token(ctx context.Context) (auth.AccessToken, error)
}

type ModelLister interface {
	ListModels(ctx context.Context, t provider.Target) ([]provider.ModelCard, error)
}

type Options struct {
	TTL time.Duration
	// CachePath is the on-disk snapshot used when the upstream is unreachable
	// and nothing is cached in memory. Empty disables it.
	CachePath string
}

type Registry struct {
	tokens    TokenSource
	lister    ModelLister
	ttl       time.Duration
	cachePath string
	now       func() time.Time

	group   singleflight.Group
	entries *cache.TTLMap[string, []ModelDescriptor]

	diskOnce sync.Once
	disk     []ModelDescriptor
}

type diskSnapshot struct {
	SavedAt time.Time         `json:"saved_at"`
	Models  []ModelDescriptor `json:"models"`
}

var logger = logutil.Prefixed("registry")

func New(tokens TokenSource, lister ModelLister, opts Options) *Registry {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{
		tokens:    tokens,
		lister:    lister,
		ttl:       ttl,
		cachePath: opts.CachePath,
		now:       time.Now,
		entries:   cache.NewTTLMap[string, []ModelDescriptor](),
	}
}

// List returns the selectable models. A fresh cached listing for the current
// account is served as is unless forceRefresh is set. When the upstream call
// fails, any cached listing is returned instead of the error.
func (r *Registry) List(ctx context.Context, forceRefresh bool) ([]ModelDescriptor, error) {
	tok, err := r.tokens.Token(ctx)
	if err != nil {
		if stale, ok := r.fallback(""); ok {
			logger.Warn("serving cached models, token unavailable", "err", err)
			return stale, nil
		}
		return nil, err
	}
	key := tok.Identity()
	if !forceRefresh {
		if models, ok := r.entries.GetFresh(key, r.now()); ok {
			return models, nil
		}
	}
	ch := r.group.DoChan(key, func() (any, error) {
		return r.refresh(context.WithoutCancel(ctx), key, tok)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]ModelDescriptor), nil
	}
}

func (r *Registry) refresh(ctx context.Context, key string, tok auth.AccessToken) ([]ModelDescriptor, error) {
	models, err := r.lister.ListModels(ctx, provider.Target{BaseURL: tok.APIBase, Token: tok.Value})
	if err != nil {
		if stale, ok := r.fallback(key); ok {
			logger.Warn("model listing failed, serving cached models", "err", err, "count", len(stale))
			return stale, nil
		}
		return nil, err
	}
	now := r.now()
	r.entries.Set(key, models, now, r.ttl)
	r.entries.Retain(key)
	r.saveDisk(models, now)
	logger.Debug("model listing refreshed", "count", len(models))
	return models, nil
}

// fallback looks for any listing: the current account's, the most recent one
// in memory, then the disk snapshot.
func (r *Registry) fallback(key string) ([]ModelDescriptor, bool) {
	if key != "" {
		if e, ok := r.entries.Get(key); ok {
			return e.Value, true
		}
	}
	if _, e, ok := r.entries.Latest(); ok {
		return e.Value, true
	}
	if disk := r.loadDisk(); len(disk) > 0 {
		return disk, true
	}
	return nil, false
}

func (r *Registry) loadDisk() []ModelDescriptor {
	r.diskOnce.Do(func() {
		if r.cachePath == "" {
			return
		}
		var snap diskSnapshot
		if err := cache.LoadJSON(r.cachePath, &snap); err != nil {
			if !errors.Is(err, cache.ErrNotFound) {
				logger.Warn("read models cache", "err", err)
			}
			return
		}
		r.disk = snap.Models
	})
	return r.disk
}

func (r *Registry) saveDisk(models []ModelDescriptor, now time.Time) {
	if r.cachePath == "" || len(models) == 0 {
		return
	}
	if err := cache.SaveJSON(r.cachePath, diskSnapshot{SavedAt: now.UTC(), Models: models}); err != nil {
		logger.Warn("write models cache", "err", err)
	}
}

// Lookup finds one model by id in the current listing.
func (r *Registry) Lookup(ctx context.Context, id string) (ModelDescriptor, bool, error) {
	models, err := r.List(ctx, false)
	if err != nil {
		return ModelDescriptor{}, false, err
	}
	for _, m := range models {
		if m.ID == id {
			return m, true, nil
		}
	}
	return ModelDescriptor{}, false, nil
}

// Cached reports the most recent in-memory listing without any network call.
func (r *Registry) Cached() ([]ModelDescriptor, time.Time, bool) {
	_, e, ok := r.entries.Latest()
	if !ok {
		return nil, time.Time{}, false
	}
	return e.Value, e.StoredAt, true
}
