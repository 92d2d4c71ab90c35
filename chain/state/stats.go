package state

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// RemoteStats counts the work done by a RemoteStorageLayer. It is a prometheus.Collector.
type RemoteStats struct {
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64
	remoteFetches atomic.Uint64
	batchFetches  atomic.Uint64
	keysFetched   atomic.Uint64
	errors        atomic.Uint64

	descs map[string]*prometheus.Desc
}

var _ prometheus.Collector = (*RemoteStats)(nil)

func newRemoteStats() *RemoteStats {
	s := &RemoteStats{descs: make(map[string]*prometheus.Desc)}
	for name, help := range map[string]string{
		"cache_hits_total":     "Storage reads answered by the cache.",
		"cache_misses_total":   "Storage reads that missed the cache.",
		"remote_fetches_total": "Single requests sent to the origin chain.",
		"batch_fetches_total":  "Batched storage requests sent to the origin chain.",
		"keys_fetched_total":   "Keys fetched through batched requests.",
		"errors_total":         "Failed requests to the origin chain.",
	} {
		s.descs[name] = prometheus.NewDesc(prometheus.BuildFQName("subfork", "remote", name), help, nil, nil)
	}
	return s
}

// CacheHits returns the number of reads answered by the cache.
func (s *RemoteStats) CacheHits() uint64 { return s.cacheHits.Load() }

// CacheMisses returns the number of reads that missed the cache.
func (s *RemoteStats) CacheMisses() uint64 { return s.cacheMisses.Load() }

// RemoteFetches returns the number of single requests sent upstream.
func (s *RemoteStats) RemoteFetches() uint64 { return s.remoteFetches.Load() }

// BatchFetches returns the number of batched requests sent upstream.
func (s *RemoteStats) BatchFetches() uint64 { return s.batchFetches.Load() }

// KeysFetched returns the number of keys fetched through batched requests.
func (s *RemoteStats) KeysFetched() uint64 { return s.keysFetched.Load() }

// Errors returns the number of failed upstream requests.
func (s *RemoteStats) Errors() uint64 { return s.errors.Load() }

// Describe implements prometheus.Collector.
func (s *RemoteStats) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range s.descs {
		ch <- desc
	}
}

// Collect implements prometheus.Collector.
func (s *RemoteStats) Collect(ch chan<- prometheus.Metric) {
	values := map[string]uint64{
		"cache_hits_total":     s.CacheHits(),
		"cache_misses_total":   s.CacheMisses(),
		"remote_fetches_total": s.RemoteFetches(),
		"batch_fetches_total":  s.BatchFetches(),
		"keys_fetched_total":   s.KeysFetched(),
		"errors_total":         s.Errors(),
	}
	for name, value := range values {
		ch <- prometheus.MustNewConstMetric(s.descs[name], prometheus.CounterValue, float64(value))
	}
}
