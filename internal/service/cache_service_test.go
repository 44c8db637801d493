package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/msa-evidence-api/internal/dto"
	"github.com/noah-isme/msa-evidence-api/internal/models"
	appErrors "github.com/noah-isme/msa-evidence-api/pkg/errors"
	"github.com/noah-isme/msa-evidence-api/pkg/keylock"
)

type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	deletes []string
	failGet error
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet != nil {
		return c.failGet
	}
	raw, ok := c.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = raw
	c.mu.Unlock()
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
		c.deletes = append(c.deletes, key)
	}
	return nil
}

func (c *mapCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func cachedHarness(t *testing.T, repo CacheRepository) *harness {
	t.Helper()
	h := newHarness(t, nil)
	logger := zap.NewNop()
	cache := NewCacheService(repo, h.metrics, time.Minute, logger, true)
	audit := NewAuditEmitter(h.store.Audit(), h.metrics, logger)
	h.engine = NewStatusEngine(h.store.Evidence(), keylock.New(), audit, h.metrics, cache, logger)
	h.evidence = NewEvidenceService(h.store.Evidence(), h.store.Custody(), h.engine, h.evidence.hasher, h.blobs, audit, cache, h.metrics, nil, logger,
		EvidenceServiceConfig{MaxFileSize: 4 << 20, AllowedMIMEs: []string{"image/jpeg"}})
	h.review = NewReviewService(h.engine)
	return h
}

func TestEvidenceGetServedFromCacheUntilTransition(t *testing.T) {
	ctx := context.Background()
	repo := newMapCache()
	h := cachedHarness(t, repo)
	item := h.createDraft(t)
	key := evidenceCacheKey(item.ID)

	first, err := h.evidence.Get(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, repo.has(key))

	second, err := h.evidence.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.EvidenceStatusDraft, second.Status)
	assert.InDelta(t, 0.5, h.metrics.Snapshot().CacheHitRatio, 0.001)

	_, err = h.review.SubmitForReview(ctx, item.ID, dto.SubmitRequest{}, inspector)
	require.NoError(t, err)
	assert.False(t, repo.has(key))
	assert.Contains(t, repo.deletes, key)

	fresh, err := h.evidence.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceStatusSubmitted, fresh.Status)
}

func TestCacheFailureFallsBackToRepository(t *testing.T) {
	repo := newMapCache()
	repo.failGet = errors.New("redis: connection refused")
	h := cachedHarness(t, repo)
	item := h.createDraft(t)

	got, err := h.evidence.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
}

func TestDisabledCacheIsNoop(t *testing.T) {
	var nilCache *CacheService
	assert.False(t, nilCache.Enabled())
	hit, err := nilCache.Get(context.Background(), "k", &struct{}{})
	assert.False(t, hit)
	assert.NoError(t, err)
	assert.NoError(t, nilCache.Invalidate(context.Background(), "k"))

	off := NewCacheService(newMapCache(), nil, 0, nil, false)
	assert.False(t, off.Enabled())
	assert.NoError(t, off.Set(context.Background(), "k", 1, 0))
}
