package services

// Geo lookup outcomes reported to ports.Metrics.
const (
	GeoOutcomeCacheHit = "cache_hit"
	GeoOutcomeSkipped  = "skipped"
	GeoOutcomeResolved = "resolved"
	GeoOutcomeFailed   = "failed"
)

type nopMetrics struct{}

func (nopMetrics) RecordGeoLookup(string) {}
func (nopMetrics) SetPeers(int)           {}
func (nopMetrics) SetEdges(int)           {}
