package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Polly2014/CopilotX/pkg/auth"
	"github.com/Polly2014/CopilotX/pkg/cache"
	"github.com/Polly2014/CopilotX/pkg/provider"
)

type fakeTokens struct {
	mu  sync.Mutex
	tok auth.AccessToken
	err error
}

func (f *fakeTokens) Token(context.Context) (auth.AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tok, f.err
}

func (f *fakeTokens) set(tid string, err error) {
	f.mu.Lock()
	f.tok = auth.AccessToken{Value: "tok-" + tid, APIBase: "https://api.example", Claims: map[string]string{"tid": tid}}
	f.err = err
	f.mu.Unlock()
}

type fakeLister struct {
	calls  atomic.Int32
	fail   atomic.Bool
	gate   chan struct{}
	target atomic.Value
}

func (f *fakeLister) ListModels(_ context.Context, t provider.Target) ([]provider.ModelCard, error) {
	f.calls.Add(1)
	f.target.Store(t)
	if f.gate != nil {
		<-f.gate
	}
	if f.fail.Load() {
		return nil, &provider.HTTPError{Endpoint: provider.ModelsPath, StatusCode: 502, Body: []byte(`{"error":{"message":"down"}}`)}
	}
	return []provider.ModelCard{
		{ID: "gpt-4o", Vendor: "Azure OpenAI", Capabilities: provider.ModelCapabilities{Supports: provider.ModelSupports{Vision: true, ToolCalls: true}}},
		{ID: "claude-sonnet-4"},
	}, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeTokens, *fakeLister) {
	t.Helper()
	tokens := &fakeTokens{}
	tokens.set("user-1", nil)
	lister := &fakeLister{}
	r := New(tokens, lister, Options{TTL: time.Minute, CachePath: filepath.Join(t.TempDir(), "models-cache.json")})
	return r, tokens, lister
}

func TestListCachesWithinTTL(t *testing.T) {
	r, _, lister := newTestRegistry(t)
	base := time.Now()
	r.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		models, err := r.List(context.Background(), false)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(models) != 2 {
			t.Fatalf("unexpected models %+v", models)
		}
	}
	if got := lister.calls.Load(); got != 1 {
		t.Fatalf("expected one upstream call, got %d", got)
	}
	tgt := lister.target.Load().(provider.Target)
	if tgt.BaseURL != "https://api.example" || tgt.Token != "tok-user-1" {
		t.Fatalf("unexpected target %+v", tgt)
	}

	if _, err := r.List(context.Background(), true); err != nil {
		t.Fatalf("forced list: %v", err)
	}
	if got := lister.calls.Load(); got != 2 {
		t.Fatalf("forced refresh must call upstream, got %d calls", got)
	}

	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := r.List(context.Background(), false); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := lister.calls.Load(); got != 3 {
		t.Fatalf("expired entry must refresh, got %d calls", got)
	}
}

func TestListRefreshesOnIdentityChange(t *testing.T) {
	r, tokens, lister := newTestRegistry(t)
	if _, err := r.List(context.Background(), false); err != nil {
		t.Fatalf("list: %v", err)
	}
	tokens.set("user-2", nil)
	if _, err := r.List(context.Background(), false); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := lister.calls.Load(); got != 2 {
		t.Fatalf("new identity must refresh, got %d calls", got)
	}
	if n := r.entries.Len(); n != 1 {
		t.Fatalf("old identity should be dropped, have %d entries", n)
	}
}

func TestListSingleFlight(t *testing.T) {
	r, _, lister := newTestRegistry(t)
	lister.gate = make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.List(context.Background(), false); err != nil {
				t.Errorf("list: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(lister.gate)
	wg.Wait()
	if got := lister.calls.Load(); got != 1 {
		t.Fatalf("expected one shared refresh, got %d", got)
	}
}

func TestListStaleFallback(t *testing.T) {
	r, _, lister := newTestRegistry(t)
	if _, err := r.List(context.Background(), false); err != nil {
		t.Fatalf("list: %v", err)
	}
	lister.fail.Store(true)
	models, err := r.List(context.Background(), true)
	if err != nil {
		t.Fatalf("expected stale models, got %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("unexpected stale models %+v", models)
	}
}

func TestListDiskFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models-cache.json")
	if err := cache.SaveJSON(path, diskSnapshot{SavedAt: time.Now(), Models: []ModelDescriptor{{ID: "from-disk"}}}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	tokens := &fakeTokens{}
	tokens.set("user-1", nil)
	lister := &fakeLister{}
	lister.fail.Store(true)
	r := New(tokens, lister, Options{CachePath: path})

	models, err := r.List(context.Background(), false)
	if err != nil {
		t.Fatalf("expected disk fallback, got %v", err)
	}
	if len(models) != 1 || models[0].ID != "from-disk" {
		t.Fatalf("unexpected models %+v", models)
	}

	// A token failure also falls back to the snapshot.
	tokens.set("user-1", errors.New("token exchange down"))
	if _, err := r.List(context.Background(), false); err != nil {
		t.Fatalf("expected fallback on token failure, got %v", err)
	}
}

func TestListWithoutCacheReturnsError(t *testing.T) {
	tokens := &fakeTokens{}
	tokens.set("user-1", nil)
	lister := &fakeLister{}
	lister.fail.Store(true)
	r := New(tokens, lister, Options{})
	_, err := r.List(context.Background(), false)
	var httpErr *provider.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 502 {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestListWritesDiskSnapshot(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if _, err := r.List(context.Background(), false); err != nil {
		t.Fatalf("list: %v", err)
	}
	var snap diskSnapshot
	if err := cache.LoadJSON(r.cachePath, &snap); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(snap.Models) != 2 || snap.SavedAt.IsZero() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestLookup(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	m, ok, err := r.Lookup(context.Background(), "gpt-4o")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if !m.Vision() || OwnedBy(m) != "Azure OpenAI" {
		t.Fatalf("unexpected model %+v", m)
	}
	m, ok, err = r.Lookup(context.Background(), "claude-sonnet-4")
	if err != nil || !ok || OwnedBy(m) != DefaultVendor {
		t.Fatalf("unexpected lookup %+v ok=%v err=%v", m, ok, err)
	}
	if _, ok, _ := r.Lookup(context.Background(), "missing"); ok {
		t.Fatal("unexpected hit for unknown model")
	}
	if models, _, ok := r.Cached(); !ok || len(models) != 2 {
		t.Fatalf("expected cached listing, got %v %v", models, ok)
	}
}
