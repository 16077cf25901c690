/*
 * Copyright 2024 Lakeroad Labs
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package apisuite

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

//------------------------------------------------------------------------------
// runtime interface

// RuntimeInterface provides the necessary support functions for logging,
// caching etc. All the functions here may be called from different
// goroutines simultaneously, so they must be goroutine-safe. They must also
// be efficient; the performance of the suite can be impacted if these
// functions are slow.
type RuntimeInterface struct {
	// Logger specifies where to send the logs to. The debug logs enabled
	// with the 'debug' options at various places in the configuration will
	// emit zerolog debug events. The only other levels used are error,
	// warning and info. If this field is nil, no logs will be emitted.
	Logger *zerolog.Logger

	// ReportMetric will be called for reporting the value of metrics, like
	// time taken to serve an endpoint etc. This function should finish as
	// quick as possible (eg, push the values into a channel and return).
	ReportMetric func(name string, labels []string, value float64)

	// CacheSet will be called to store or delete a cache entry. If value is
	// nil, the entry can be deleted.
	CacheSet func(key uint64, value []byte)

	// CacheGet will be called to retrieve a cache entry. The function
	// should return whether the value was present or not also.
	CacheGet func(key uint64) (value []byte, found bool)
}

//------------------------------------------------------------------------------
// cache keys

var (
	startOfValue = []byte{2}
	endOfValue   = []byte{3}
)

// makeCacheKey returns a non-cryptographic 64-bit hash value over the given
// parts (typically a URI plus the request-specific values that select the
// response).
func makeCacheKey(parts ...string) uint64 {
	d := xxhash.New()
	for _, p := range parts {
		d.Write(startOfValue)
		d.WriteString(p)
		d.Write(endOfValue)
	}
	return d.Sum64()
}

//------------------------------------------------------------------------------
// cached values

// Cached values carry the store time as an 8-byte big-endian nanosecond
// prefix, so that TTLs can be configured per consumer rather than per
// store.

func (s *Suite) cacheUsable() bool {
	return s.rti != nil && s.rti.CacheGet != nil && s.rti.CacheSet != nil
}

// cacheFetch returns the cached body for key if present and no older than
// ttl. Stale entries are deleted.
func (s *Suite) cacheFetch(key uint64, ttl time.Duration) ([]byte, bool) {
	if !s.cacheUsable() {
		return nil, false
	}
	val, ok := s.rti.CacheGet(key)
	if !ok || len(val) < 8 {
		return nil, false
	}
	elapsed := uint64(time.Now().UnixNano()) - binary.BigEndian.Uint64(val[0:8])
	if elapsed > uint64(ttl) {
		// cached value too old, delete from cache
		s.rti.CacheSet(key, nil)
		return nil, false
	}
	return val[8:], true
}

// cacheStore saves body under key, stamped with the current time.
func (s *Suite) cacheStore(key uint64, body []byte) {
	if !s.cacheUsable() {
		return
	}
	val := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint64(val, uint64(time.Now().UnixNano()))
	s.rti.CacheSet(key, append(val, body...))
}
