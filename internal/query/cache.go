package query

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/dashperf/dashperf/internal/cache"
	"github.com/dashperf/dashperf/internal/config"
	"github.com/dashperf/dashperf/pkg/errors"
	"github.com/dashperf/dashperf/pkg/types"
)

// CacheConfig configures a QueryCache.
type CacheConfig struct {
	TTL     time.Duration
	MaxSize int
	// Compression applies zstd to encoded results of at least MinCompressSize bytes.
	Compression     bool
	MinCompressSize int
}

// CacheConfigFrom maps configuration onto the query cache.
func CacheConfigFrom(cfg config.QueryConfig) CacheConfig {
	return CacheConfig{
		TTL:             cfg.CacheTTL,
		MaxSize:         cfg.CacheMaxSize,
		Compression:     cfg.CompressionEnabled,
		MinCompressSize: cfg.CompressionMinSize,
	}
}

type storedResult struct {
	data       []byte
	compressed bool
	rawSize    int
}

// QueryCache stores query results encoded as JSON, optionally compressed.
type QueryCache struct {
	cfg     CacheConfig
	entries *cache.Cache[storedResult]
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *zap.Logger

	compressed   atomic.Int64
	bytesIn      atomic.Int64
	bytesStored  atomic.Int64
	decodeErrors atomic.Int64
}

// NewQueryCache creates a query cache. opts are passed to the underlying cache.
func NewQueryCache(cfg CacheConfig, logger *zap.Logger, opts ...cache.Option) (*QueryCache, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	qc := &QueryCache{
		cfg: cfg,
		entries: cache.New[storedResult](cache.Config{
			MaxSize:    cfg.MaxSize,
			DefaultTTL: cfg.TTL,
			ThreadSafe: true,
		}, append([]cache.Option{cache.WithName("query_results"), cache.WithLogger(logger)}, opts...)...),
		logger: logger.Named("query_cache"),
	}

	if cfg.Compression {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, errors.NewInternal("query_cache.encoder", err)
		}
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errors.NewInternal("query_cache.decoder", err)
		}
		qc.encoder, qc.decoder = encoder, decoder
	}
	return qc, nil
}

// Set stores value for (query, params). ttl 0 uses the configured TTL.
func (qc *QueryCache) Set(query string, params map[string]any, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.NewValidation("value", "result is not JSON encodable: "+err.Error())
	}

	stored := storedResult{data: data, rawSize: len(data)}
	if qc.encoder != nil && len(data) >= qc.cfg.MinCompressSize {
		compressed := qc.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
		if len(compressed) < len(data) {
			stored.data = compressed
			stored.compressed = true
			qc.compressed.Add(1)
		}
	}

	qc.bytesIn.Add(int64(len(data)))
	qc.bytesStored.Add(int64(len(stored.data)))
	qc.entries.Set(CacheKey(query, params), stored, ttl)
	return nil
}

// Get decodes the cached result for (query, params) into out, which must be
// a pointer. It reports whether a live entry was found.
func (qc *QueryCache) Get(query string, params map[string]any, out any) (bool, error) {
	key := CacheKey(query, params)
	stored, ok := qc.entries.Get(key)
	if !ok {
		return false, nil
	}

	data := stored.data
	if stored.compressed {
		var err error
		data, err = qc.decoder.DecodeAll(stored.data, make([]byte, 0, stored.rawSize))
		if err != nil {
			qc.decodeErrors.Add(1)
			qc.entries.Delete(key)
			return false, errors.NewInternal("query_cache.decompress", err)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		qc.decodeErrors.Add(1)
		return false, errors.NewInternal("query_cache.decode", err)
	}
	return true, nil
}

// Invalidate removes entries whose key matches pattern. Keys start with the
// query type and referenced tables, e.g. "select:orders,users:<hash>".
func (qc *QueryCache) Invalidate(pattern string) (int, error) {
	return qc.entries.Invalidate(pattern)
}

// CleanupExpired removes expired entries.
func (qc *QueryCache) CleanupExpired() int { return qc.entries.CleanupExpired() }

// Stats returns the underlying cache statistics.
func (qc *QueryCache) Stats() types.CacheStats { return qc.entries.Stats() }

// Statistics implements types.StatsProvider.
func (qc *QueryCache) Statistics() map[string]float64 {
	stats := qc.entries.Statistics()
	stats["compressed_entries"] = float64(qc.compressed.Load())
	stats["bytes_encoded"] = float64(qc.bytesIn.Load())
	stats["bytes_stored"] = float64(qc.bytesStored.Load())
	stats["decode_errors"] = float64(qc.decodeErrors.Load())
	return stats
}

// Close releases compression resources.
func (qc *QueryCache) Close() {
	if qc.encoder != nil {
		_ = qc.encoder.Close()
	}
	if qc.decoder != nil {
		qc.decoder.Close()
	}
	qc.entries.Close()
}
