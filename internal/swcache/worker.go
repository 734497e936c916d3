package swcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrPrecacheFailed = errors.New("precache failed")

const (
	offlineDataBody = `{"success":false,"error":"offline and no cached data"}`
	offlineText     = "offline: resource not cached"
)

type WorkerOptions struct {
	StaticCache  string
	DynamicCache string
	Precache     []string
	Policy       Policy
	Upstream     http.RoundTripper
	Origin       *url.URL
	Logger       Logger
	Now          func() time.Time
}

// Worker applies the per-class caching strategy to every GET request. It is an
// http.RoundTripper so it can sit behind httputil.ReverseProxy.
type Worker struct {
	storage      *Storage
	staticCache  string
	dynamicCache string
	precache     []string
	policy       Policy
	upstream     http.RoundTripper
	origin       *url.URL
	logger       Logger
	now          func() time.Time
}

func NewWorker(storage *Storage, opts WorkerOptions) (*Worker, error) {
	if storage == nil {
		return nil, fmt.Errorf("cache storage is required")
	}
	w := &Worker{
		storage:      storage,
		staticCache:  strings.TrimSpace(opts.StaticCache),
		dynamicCache: strings.TrimSpace(opts.DynamicCache),
		precache:     append([]string{}, opts.Precache...),
		policy:       opts.Policy.withDefaults(),
		upstream:     opts.Upstream,
		origin:       opts.Origin,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if w.staticCache == "" {
		w.staticCache = DefaultStaticCache
	}
	if w.dynamicCache == "" {
		w.dynamicCache = DefaultDynamicCache
	}
	if w.staticCache == w.dynamicCache {
		return nil, fmt.Errorf("static and dynamic cache names must differ")
	}
	if opts.Precache == nil {
		w.precache = append([]string{}, DefaultPrecache...)
	}
	if w.upstream == nil {
		w.upstream = http.DefaultTransport
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

func (w *Worker) Policy() Policy {
	return w.policy
}

func (w *Worker) CacheNames() (static, dynamic string) {
	return w.staticCache, w.dynamicCache
}

// Install fetches the precache manifest and stores it in the static cache.
// Nothing is stored unless every entry succeeds.
func (w *Worker) Install(ctx context.Context) error {
	fetched := make([]CachedResponse, 0, len(w.precache))
	for _, path := range w.precache {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.resolve(path), nil)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPrecacheFailed, path, err)
		}
		entry, err := w.network(req)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPrecacheFailed, path, err)
		}
		if entry.StatusCode < 200 || entry.StatusCode > 299 {
			return fmt.Errorf("%w: %s: http %d", ErrPrecacheFailed, path, entry.StatusCode)
		}
		fetched = append(fetched, entry)
	}
	cache, err := w.storage.Open(w.staticCache)
	if err != nil {
		return err
	}
	for _, entry := range fetched {
		if err := cache.Put(entry); err != nil {
			return err
		}
	}
	w.logf("swcache: installed %d precache entries into %s", len(fetched), w.staticCache)
	return nil
}

// Activate deletes every cache other than the current static and dynamic ones
// and returns the deleted names.
func (w *Worker) Activate() ([]string, error) {
	var deleted []string
	for _, name := range w.storage.Keys() {
		if name == w.staticCache || name == w.dynamicCache {
			continue
		}
		ok, err := w.storage.Delete(name)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	if len(deleted) > 0 {
		w.logf("swcache: activated, removed caches %v", deleted)
	}
	return deleted, nil
}

func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return w.upstream.RoundTrip(req)
	}
	switch w.policy.Classify(req.URL.Path) {
	case ClassData:
		return w.networkFirstData(req), nil
	case ClassProtected:
		return w.networkFirstProtected(req), nil
	default:
		return w.cacheFirst(req), nil
	}
}

func (w *Worker) networkFirstData(req *http.Request) *http.Response {
	key := requestKey(req)
	entry, err := w.network(req)
	if err == nil {
		if entry.StatusCode >= 200 && entry.StatusCode <= 299 {
			w.store(w.dynamicCache, entry)
		}
		return entry.Response(req)
	}
	w.logf("swcache: network failed for %s: %v", key, err)
	if cached, ok := w.storage.Match(key); ok {
		return cached.Response(req)
	}
	return w.synthesize(req, http.StatusServiceUnavailable, "application/json", offlineDataBody, nil)
}

func (w *Worker) networkFirstProtected(req *http.Request) *http.Response {
	key := requestKey(req)
	entry, err := w.network(req)
	if err == nil {
		if entry.StatusCode == http.StatusOK {
			w.store(w.dynamicCache, entry)
		}
		return entry.Response(req)
	}
	w.logf("swcache: network failed for %s: %v", key, err)
	if cached, ok := w.storage.Match(key); ok {
		return cached.Response(req)
	}
	return w.synthesize(req, http.StatusFound, "", "", http.Header{"Location": []string{w.policy.LoginPath}})
}

func (w *Worker) cacheFirst(req *http.Request) *http.Response {
	key := requestKey(req)
	if cached, ok := w.storage.Match(key); ok {
		return cached.Response(req)
	}
	entry, err := w.network(req)
	if err == nil {
		if entry.StatusCode >= 200 && entry.StatusCode <= 299 {
			w.store(w.dynamicCache, entry)
		}
		return entry.Response(req)
	}
	w.logf("swcache: network failed for %s: %v", key, err)
	if IsNavigation(req) {
		if cached, ok := w.storage.Match(key); ok {
			return cached.Response(req)
		}
		if cached, ok := w.storage.Match(w.policy.RootPath); ok {
			return cached.Response(req)
		}
	}
	return w.synthesize(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", offlineText, nil)
}

// network performs the upstream round trip and buffers the answer. Only
// transport failures are errors; every HTTP status is a response.
func (w *Worker) network(req *http.Request) (CachedResponse, error) {
	outreq := req.Clone(req.Context())
	if outreq.URL.Host == "" && w.origin != nil {
		outreq.URL.Scheme = w.origin.Scheme
		outreq.URL.Host = w.origin.Host
		outreq.Host = w.origin.Host
	}
	resp, err := w.upstream.RoundTrip(outreq)
	if err != nil {
		return CachedResponse{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CachedResponse{}, err
	}
	return CachedResponse{
		Key:        requestKey(req),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   w.now().UTC(),
	}, nil
}

func (w *Worker) store(cacheName string, entry CachedResponse) {
	cache, err := w.storage.Open(cacheName)
	if err != nil {
		w.logf("swcache: open cache %s failed: %v", cacheName, err)
		return
	}
	if err := cache.Put(entry); err != nil {
		w.logf("swcache: store %s in %s failed: %v", entry.Key, cacheName, err)
	}
}

func (w *Worker) synthesize(req *http.Request, status int, contentType, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	return CachedResponse{Key: requestKey(req), StatusCode: status, Header: header, Body: []byte(body)}.Response(req)
}

func (w *Worker) resolve(path string) string {
	if w.origin == nil {
		return path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return path
	}
	return w.origin.ResolveReference(ref).String()
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}

// requestKey identifies a request within the single origin the worker fronts.
func requestKey(req *http.Request) string {
	return req.URL.RequestURI()
}
