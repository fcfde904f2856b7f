// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gliner

import (
	"context"
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/gliner/lib/ner"
)

// ResultCacheTTL is the default TTL for cached recognition results
const ResultCacheTTL = 2 * time.Minute

// ResultCache memoizes recognition results keyed by model, texts and
// options. Concurrent identical requests share one inference.
type ResultCache struct {
	cache   *ttlcache.Cache[string, [][]ner.Entity]
	flights singleflight.Group
	logger  *zap.Logger
}

// NewResultCache creates a cache whose entries live for ttl (ResultCacheTTL
// when zero).
func NewResultCache(ttl time.Duration, logger *zap.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = ResultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, [][]ner.Entity](ttl),
		ttlcache.WithDisableTouchOnHit[string, [][]ner.Entity](),
	)
	go cache.Start()
	return &ResultCache{cache: cache, logger: logger}
}

// Recognize returns cached entities or runs model and caches the result.
// Errors are not cached.
func (c *ResultCache) Recognize(ctx context.Context, modelName string, model ner.Recognizer, texts []string, opts ner.Options) ([][]ner.Entity, error) {
	key := resultKey(modelName, texts, opts)

	if item := c.cache.Get(key); item != nil {
		RecordCacheHit("recognize")
		c.logger.Debug("Result cache hit",
			zap.String("model", modelName),
			zap.Int("num_texts", len(texts)))
		return item.Value(), nil
	}

	v, err, shared := c.flights.Do(key, func() (any, error) {
		RecordCacheMiss("recognize")
		entities, err := model.RecognizeWithOptions(ctx, texts, opts)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, entities, ttlcache.DefaultTTL)
		return entities, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Singleflight hit for recognize request", zap.String("model", modelName))
	}
	return v.([][]ner.Entity), nil
}

// Stats returns global cache statistics
func (c *ResultCache) Stats() map[string]any {
	metrics := c.cache.Metrics()
	return map[string]any{
		"hits":   metrics.Hits,
		"misses": metrics.Misses,
		"items":  c.cache.Len(),
	}
}

// Close stops the expiry loop.
func (c *ResultCache) Close() {
	c.cache.Stop()
}

// resultKey hashes everything that changes the result. Lengths prefix each
// string so that no two distinct requests share an encoding.
func resultKey(model string, texts []string, opts ner.Options) string {
	h := xxhash.New()
	writeField := func(s string) {
		var n [binary.MaxVarintLen64]byte
		_, _ = h.Write(n[:binary.PutUvarint(n[:], uint64(len(s)))])
		_, _ = h.WriteString(s)
	}

	writeField(model)
	writeField(strconv.Itoa(len(texts)))
	for _, text := range texts {
		writeField(text)
	}
	writeField(strconv.Itoa(len(opts.Labels)))
	for _, label := range opts.Labels {
		writeField(label)
	}
	writeField(strconv.FormatUint(uint64(math.Float32bits(opts.Threshold)), 16))
	writeField(strconv.FormatBool(opts.FlatNER))
	writeField(strconv.FormatBool(opts.MultiLabel))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}
