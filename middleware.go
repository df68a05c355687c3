/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/acronis/go-appkit/log"
)

// GetKeyFunc is a function that is called for getting the admission key for an HTTP request.
// If bypass is true, the request is served without an admission check.
type GetKeyFunc func(r *http.Request) (key string, bypass bool, err error)

// Middleware returns an HTTP middleware performing one non-blocking admission per
// request. A denied request is rejected with 429 and a Retry-After header carrying the
// engine-suggested wait rounded up to whole seconds; a store or lock error is rejected
// with 500. If getKey is nil, the client address (without port) is used as the key.
func Middleware(rl *RateLimiter, getKey GetKeyFunc) func(next http.Handler) http.Handler {
	if getKey == nil {
		getKey = remoteAddrKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			key, bypass, err := getKey(r)
			if err != nil {
				rl.logger.Error("get rate limit key", log.Error(err))
				http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if bypass {
				next.ServeHTTP(rw, r)
				return
			}

			granted, wait, err := rl.TryAcquire(r.Context(), key, 1)
			if err != nil {
				rl.logger.Error("rate limit admission failed",
					log.String(LogFieldKey, key), log.Error(err))
				http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !granted {
				rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				http.Error(rw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(rw, r)
		})
	}
}

func remoteAddrKey(r *http.Request) (string, bool, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, false, nil
	}
	return host, false, nil
}
