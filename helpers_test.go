package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/classify"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/snapshot"
)

var testLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.InfoLevel)

var errOffline = errors.New("network unreachable")

// testNetwork serves requests from a handler and counts them per path.
// When offline, every fetch fails.
type testNetwork struct {
	mutex   sync.Mutex
	handler http.Handler
	offline bool
	calls   map[string]int
	// called before every fetch, e.g. to change the store mid-request
	before func(r *http.Request)
}

func newTestNetwork(handler http.Handler) *testNetwork {
	return &testNetwork{handler: handler, calls: make(map[string]int)}
}

func (n *testNetwork) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	n.mutex.Lock()
	n.calls[r.URL.Path]++
	offline := n.offline
	before := n.before
	n.mutex.Unlock()
	if before != nil {
		before(r)
	}
	if offline {
		return nil, errOffline
	}
	return NewHandlerNetwork(n.handler).Fetch(ctx, r)
}

func (n *testNetwork) setOffline(offline bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.offline = offline
}

func (n *testNetwork) count(path string) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.calls[path]
}

func (n *testNetwork) total() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

// spyStorage counts reads and writes of entries.
type spyStorage struct {
	cache.Storage
	matches atomic.Int32
	puts    atomic.Int32
	putErr  error
}

func (s *spyStorage) Open(ctx context.Context, name string) (cache.Generation, error) {
	gen, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return spyGeneration{Generation: gen, s: s}, nil
}

type spyGeneration struct {
	cache.Generation
	s *spyStorage
}

func (g spyGeneration) Match(ctx context.Context, key string) ([]byte, bool, error) {
	g.s.matches.Add(1)
	return g.Generation.Match(ctx, key)
}

func (g spyGeneration) Put(ctx context.Context, key string, value []byte) error {
	g.s.puts.Add(1)
	if g.s.putErr != nil {
		return g.s.putErr
	}
	return g.Generation.Put(ctx, key, value)
}

func testSite() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>index</html>"))
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		w.Write([]byte("console.log('app')"))
	})
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("body{}"))
	})
	mux.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>settings</html>"))
	})
	mux.HandleFunc("/api/data", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("live " + r.Method))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/accepted", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("later"))
	})
	return mux
}

func newTestAgent(t *testing.T, storage cache.Storage, network Network, version string, manifest ...string) (*Agent, *Controller) {
	t.Helper()
	host := &Controller{}
	a, err := New(Config{
		Storage:  storage,
		Network:  network,
		Host:     host,
		Version:  version,
		Manifest: manifest,
		Classifier: classify.Classifier{
			ExcludedPrefixes: []string{"/api/"},
			ExcludedPaths:    []string{"/health"},
		},
		Logger: &testLogger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a, host
}

func getRequest(path string, mode classify.Mode) *http.Request {
	r, _ := http.NewRequest("GET", path, nil)
	if mode != "" {
		r.Header.Set("Sec-Fetch-Mode", string(mode))
	}
	return r
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	if res == nil {
		t.Fatal("Response is nil")
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// putSnapshot stores a snapshot directly in a generation.
func putSnapshot(t *testing.T, storage cache.Storage, version, path string, statusCode int, body string) {
	t.Helper()
	ctx := context.Background()
	gen, err := storage.Open(ctx, version)
	if err != nil {
		t.Fatal(err)
	}
	key, _ := cachekey.PathKey(path)
	b, err := snapshot.Encode(snapshot.Snapshot{
		Type:       snapshot.TypeBasic,
		StatusCode: statusCode,
		Header:     http.Header{"X-Stored": {"yes"}},
		Body:       []byte(body),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := gen.Put(ctx, key, b); err != nil {
		t.Fatal(err)
	}
}

func storedKeys(t *testing.T, storage cache.Storage, version string) []string {
	t.Helper()
	gen, err := storage.Open(context.Background(), version)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := gen.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return keys
}
