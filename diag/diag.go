// Copyright 2023 Stealth Rocket, Inc.
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

// Package diag exposes rule-cache miss statistics over HTTP as a small
// debug endpoint: a single handler serving JSON counters.
package diag

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dispatchrun/unwindhop/rulecache"
)

// CacheStatsHandler serves cache's miss statistics as JSON. The cache is
// single-threaded, so the handler is meant for the same goroutine-confined
// setups the cache itself is used in (e.g. snapshotting between sample
// batches), not for concurrent scraping of a cache mid-unwind.
func CacheStatsHandler[R any](cache *rulecache.Cache[R]) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(cache.Stats); err != nil {
			serveError(w, http.StatusInternalServerError, err.Error())
		}
	})
}

func serveError(w http.ResponseWriter, status int, txt string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Go-Pprof", "1")
	w.Header().Del("Content-Disposition")
	w.WriteHeader(status)
	fmt.Fprintln(w, txt)
}
