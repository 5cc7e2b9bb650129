package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"snapmesh/internal/core/domain"
	"snapmesh/internal/core/ports"
	"snapmesh/pkg/circuitbreaker"
	"snapmesh/pkg/netaddr"
	"snapmesh/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var (
	errGeoDisabled    = errors.New("geolocation provider disabled")
	errGeoEmptyRecord = errors.New("geolocation provider returned no record")
)

// enrichConcurrency bounds the parallel lookups of one EnrichMany call.
const enrichConcurrency = 8

type GeoCacheConfig struct {
	Timeout time.Duration
	Limiter *rate.Limiter
	Breaker *circuitbreaker.CircuitBreaker
	Metrics ports.Metrics
}

// GeoCache resolves IPs to geolocation records. Successful and synthesized
// records are cached for the life of the process; failures are not.
type GeoCache struct {
	provider ports.GeoProvider
	timeout  time.Duration
	limiter  *rate.Limiter
	breaker  *circuitbreaker.CircuitBreaker
	metrics  ports.Metrics
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	records map[string]*domain.GeoRecord
	flight  singleflight.Group
}

// NewGeoCache builds a cache in front of provider. A nil provider disables
// external lookups; public addresses then always degrade.
func NewGeoCache(provider ports.GeoProvider, cfg GeoCacheConfig, logger *zap.SugaredLogger) *GeoCache {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return &GeoCache{
		provider: provider,
		timeout:  cfg.Timeout,
		limiter:  cfg.Limiter,
		breaker:  cfg.Breaker,
		metrics:  cfg.Metrics,
		logger:   logger,
		records:  make(map[string]*domain.GeoRecord),
	}
}

// Resolve always returns a record for ip. The returned record is a copy.
func (c *GeoCache) Resolve(ctx context.Context, ip string) *domain.GeoRecord {
	if rec, ok := c.cached(ip); ok {
		c.metrics.RecordGeoLookup(GeoOutcomeCacheHit)
		return rec
	}

	if !netaddr.IsLookupable(ip) {
		hostname := ""
		if netaddr.IsLocal(ip) {
			hostname = "localhost"
		}
		rec := domain.EmptyGeoRecord(ip, &hostname)
		c.store(rec)
		c.metrics.RecordGeoLookup(GeoOutcomeSkipped)
		return rec.Clone()
	}

	ch := c.flight.DoChan(ip, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), ip)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.metrics.RecordGeoLookup(GeoOutcomeFailed)
			c.logger.Debugw("geo lookup failed", "ip", ip, "error", res.Err)
			return domain.EmptyGeoRecord(ip, nil)
		}
		if !res.Shared {
			c.metrics.RecordGeoLookup(GeoOutcomeResolved)
		}
		return res.Val.(*domain.GeoRecord).Clone()
	case <-ctx.Done():
		c.metrics.RecordGeoLookup(GeoOutcomeFailed)
		return domain.EmptyGeoRecord(ip, nil)
	}
}

// EnrichMany resolves every entry and attaches the record as its Network.
// Nil entries pass through untouched and the result keeps the input order.
func (c *GeoCache) EnrichMany(ctx context.Context, entries []*domain.NetworkChainEntry) []*domain.NetworkChainEntry {
	out := make([]*domain.NetworkChainEntry, len(entries))
	records := make([]*domain.GeoRecord, len(entries))

	var g errgroup.Group
	g.SetLimit(enrichConcurrency)
	for i, entry := range entries {
		if entry == nil {
			continue
		}
		i, ip := i, entry.IP
		g.Go(func() error {
			records[i] = c.Resolve(ctx, ip)
			return nil
		})
	}
	_ = g.Wait()

	for i, entry := range entries {
		if entry != nil {
			entry.Network = records[i]
		}
		out[i] = entry
	}
	return out
}

// Reset drops every cached record.
func (c *GeoCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[string]*domain.GeoRecord)
}

func (c *GeoCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

func (c *GeoCache) cached(ip string) (*domain.GeoRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[ip]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (c *GeoCache) store(rec *domain.GeoRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.IP] = rec
}

func (c *GeoCache) fetch(ctx context.Context, ip string) (*domain.GeoRecord, error) {
	if rec, ok := c.cached(ip); ok {
		return rec, nil
	}
	if c.provider == nil {
		return nil, errGeoDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := tracing.TraceGeoLookup(ctx, ip)
	defer span.End()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			span.SetAttributes(tracing.GeoOutcomeKey.String("rate_limited"))
			return nil, err
		}
	}

	rec, err := circuitbreaker.Do(ctx, c.breaker, func(ctx context.Context) (*domain.GeoRecord, error) {
		return c.provider.Lookup(ctx, ip)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	if rec == nil {
		tracing.RecordError(ctx, errGeoEmptyRecord)
		return nil, errGeoEmptyRecord
	}

	rec = rec.Clone()
	rec.IP = ip
	rec.Location.CountryFlagEmoji = nil
	if rec.CountryCode != nil {
		rec.Location.CountryFlagEmoji = domain.StringPtr(domain.FlagEmoji(*rec.CountryCode))
	}
	c.store(rec)
	span.SetAttributes(tracing.GeoOutcomeKey.String(GeoOutcomeResolved))
	return rec.Clone(), nil
}
