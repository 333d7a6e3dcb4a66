//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//
package webui

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// MakeLogger creates a logger middleware suitable for using in goji
// multiplexer.
func MakeLogger() func(inner http.Handler) http.Handler {
	return func(inner http.Handler) http.Handler {
		mw := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path
			if r.URL.RawQuery != "" {
				path += "?" + r.URL.RawQuery
			}

			clientIP := r.RemoteAddr
			if ips, ok := r.Header["X-Real-Ip"]; ok {
				if len(ips) > 0 {
					clientIP = ips[0]
				}
			}

			glog.V(1).Infof("START | %s | %-7s %s", clientIP, r.Method, path)

			inner.ServeHTTP(w, r)

			latency := time.Since(start)
			glog.V(1).Infof("END %13v | %s | %-7s %s", latency, clientIP, r.Method, path)
		}
		return http.HandlerFunc(mw)
	}
}

// originAllowed reports whether a request comes from the page served by
// this server or from one of the extra origins. Requests without Origin are
// let through unless the browser marks them as cross-site.
func originAllowed(r *http.Request, extra []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		switch r.Header.Get("Sec-Fetch-Site") {
		case "", "same-origin", "none":
			return true
		}
		return false
	}
	origin = strings.TrimSuffix(origin, "/")
	for _, o := range extra {
		if strings.EqualFold(origin, strings.TrimSuffix(o, "/")) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// MakeCORS echoes allowed origins back and rejects state-changing requests
// from any other origin. Preflight requests are answered right away.
func MakeCORS(extra []string) func(inner http.Handler) http.Handler {
	return func(inner http.Handler) http.Handler {
		mw := func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")
			ok := originAllowed(r, extra)
			if origin := r.Header.Get("Origin"); origin != "" && ok {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
			}
			switch {
			case !ok && r.Method != http.MethodGet && r.Method != http.MethodHead:
				glog.Warningf("%s %s from %q rejected", r.Method, r.URL.Path, r.Header.Get("Origin"))
				httpReply(w, http.StatusForbidden, nil, errors.Errorf("cross-origin request is not allowed"))
				return
			case r.Method == http.MethodOptions:
				w.WriteHeader(http.StatusOK)
				return
			}
			inner.ServeHTTP(w, r)
		}
		return http.HandlerFunc(mw)
	}
}
