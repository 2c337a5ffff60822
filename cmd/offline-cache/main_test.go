package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/config"
)

func TestRouterAdminEndpoints(t *testing.T) {
	site := http.NewServeMux()
	site.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>index</html>"))
	})
	storage := cache.NewMemStorage()
	if _, err := storage.Open(context.Background(), "old"); err != nil {
		t.Fatal(err)
	}
	agent, err := offlinecache.New(offlinecache.Config{
		Storage:  storage,
		Network:  offlinecache.NewHandlerNetwork(site),
		Version:  "new",
		Manifest: []string{"/"},
	})
	if err != nil {
		t.Fatal(err)
	}
	handler := router(agent)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/.offline/activate", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("Activate before install returned %d", rec.Code)
	}

	for _, path := range []string{"/.offline/install", "/.offline/activate"} {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", path, nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s returned %d: %s", path, rec.Code, rec.Body.String())
		}
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/.offline/generations", nil))
	var generations []offlinecache.GenerationInfo
	if err := json.NewDecoder(rec.Body).Decode(&generations); err != nil {
		t.Fatal(err)
	}
	if len(generations) != 1 || generations[0].Name != "new" || !generations[0].Current {
		t.Fatalf("Generations are %+v", generations)
	}
	if len(generations[0].Paths) != 1 || generations[0].Paths[0] != "/" {
		t.Fatalf("Paths are %v", generations[0].Paths)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Header().Get("Cache-Status") != "Offline-Cache; hit" {
		t.Fatalf("Cache-Status is %q", rec.Header().Get("Cache-Status"))
	}
}

func TestApplyFlags(t *testing.T) {
	defer func() {
		addrFlag, hostFlag, portFlag, cacheVersionFlag = "", "", 0, ""
	}()
	addrFlag = "10.0.0.1"
	hostFlag = "example.com"
	portFlag = 9000
	cacheVersionFlag = "v7"

	cfg := config.Default()
	applyFlags(&cfg)
	if cfg.Origin != "https://10.0.0.1" || cfg.OriginHost != "example.com" {
		t.Fatalf("Origin is %s (%s)", cfg.Origin, cfg.OriginHost)
	}
	if cfg.Port != 9000 || cfg.Version != "v7" || cfg.Store != config.StoreSQLite {
		t.Fatalf("Config is %+v", cfg)
	}
}

func TestOpenStorage(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.StoreMemory
	storage, err := openStorage(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := storage.(*cache.MemStorage); !ok {
		t.Fatalf("Storage is %T", storage)
	}

	cfg.Store = config.StoreSQLite
	cfg.DB = t.TempDir() + "/cache.db"
	storage, err = openStorage(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer storage.Close()
	if _, ok := storage.(*cache.SQLiteStorage); !ok {
		t.Fatalf("Storage is %T", storage)
	}
}

func TestFailedStartKeepsServing(t *testing.T) {
	up := false
	site := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("<html>index</html>"))
	})
	agent, err := offlinecache.New(offlinecache.Config{
		Storage:  cache.NewMemStorage(),
		Network:  offlinecache.NewHandlerNetwork(site),
		Version:  "v1",
		Manifest: []string{"/"},
	})
	if err != nil {
		t.Fatal(err)
	}
	startAgent(context.Background(), agent)
	if agent.Controlling() {
		t.Fatal("Agent took control after failed install")
	}
	handler := router(agent)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Cache-Status") != "" {
		t.Fatalf("Pass-through returned %d %v", rec.Code, rec.Header())
	}

	up = true
	for _, path := range []string{"/.offline/install", "/.offline/activate"} {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", path, nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s returned %d: %s", path, rec.Code, rec.Body.String())
		}
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Header().Get("Cache-Status") != "Offline-Cache; hit" {
		t.Fatalf("Cache-Status is %q", rec.Header().Get("Cache-Status"))
	}
}
