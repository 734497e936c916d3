package swcache

import (
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewProxy serves origin through the worker.
func NewProxy(origin *url.URL, worker *Worker) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(origin)
	proxy.Transport = worker
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		worker.logf("swcache: proxy %s %s failed: %v", r.Method, r.URL.Path, err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}
	return proxy
}
