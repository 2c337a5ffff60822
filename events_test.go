package offlinecache

import (
	"context"
	"errors"
	"net/http"
	"testing"

	perrors "github.com/jmgilman/go/errors"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/classify"
)

func TestDispatchLifecycle(t *testing.T) {
	storage := cache.NewMemStorage()
	network := newTestNetwork(testSite())
	putSnapshot(t, storage, "v1", "/", http.StatusOK, "old")
	a, host := newTestAgent(t, storage, network, "v2", "/", "/app.js")
	ctx := context.Background()

	if _, err := a.Dispatch(ctx, Event{Kind: EventInstall}).Wait(); err != nil {
		t.Fatal(err)
	}
	if !host.SkippedWaiting() {
		t.Fatal("Install did not skip waiting")
	}
	if _, err := a.Dispatch(ctx, Event{Kind: EventActivate}).Wait(); err != nil {
		t.Fatal(err)
	}
	if !host.Claimed() || !a.Controlling() {
		t.Fatal("Activate did not claim")
	}
	if names, _ := storage.Keys(ctx); len(names) != 1 || names[0] != "v2" {
		t.Fatalf("Generations are %v", names)
	}

	p := a.Dispatch(ctx, Event{Kind: EventFetch, Request: getRequest("/settings", classify.ModeNavigate)})
	res, err := p.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if !p.Handled() {
		t.Fatal("Fetch event not handled")
	}
	if body := readBody(t, res); body != "<html>index</html>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestDispatchActivateBeforeInstall(t *testing.T) {
	a, host := newTestAgent(t, cache.NewMemStorage(), newTestNetwork(testSite()), "v1")

	_, err := a.Dispatch(context.Background(), Event{Kind: EventActivate}).Wait()
	if !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("Error is %v", err)
	}
	if host.Claimed() {
		t.Fatal("Claimed without install")
	}
}

func TestDispatchIgnoredFetch(t *testing.T) {
	network := newTestNetwork(testSite())
	a, _ := newTestAgent(t, cache.NewMemStorage(), network, "v1")
	r, _ := http.NewRequest("POST", "/app.js", nil)

	p := a.Dispatch(context.Background(), Event{Kind: EventFetch, Request: r})
	<-p.Done()
	if p.Handled() {
		t.Fatal("POST was handled")
	}
	res, err := p.Wait()
	if res != nil || err != nil {
		t.Fatalf("Result is %v %v", res, err)
	}
	if network.total() != 0 {
		t.Fatal("Agent contacted the network for an ignored request")
	}
}

func TestDispatchFetchAbsent(t *testing.T) {
	network := newTestNetwork(testSite())
	network.setOffline(true)
	a, _ := newTestAgent(t, cache.NewMemStorage(), network, "v1")

	p := a.Dispatch(context.Background(), Event{Kind: EventFetch, Request: getRequest("/style.css", "")})
	res, err := p.Wait()
	if !errors.Is(err, ErrNoResponse) || res != nil {
		t.Fatalf("Result is %v %v", res, err)
	}
	if !p.Handled() {
		t.Fatal("Absent result must still resolve the event")
	}
}

func TestDispatchInvalidEvents(t *testing.T) {
	a, _ := newTestAgent(t, cache.NewMemStorage(), newTestNetwork(testSite()), "v1")
	ctx := context.Background()

	_, err := a.Dispatch(ctx, Event{Kind: EventFetch}).Wait()
	if perrors.GetCode(err) != perrors.CodeInvalidInput {
		t.Fatalf("Error is %v", err)
	}
	_, err = a.Dispatch(ctx, Event{Kind: EventKind(42)}).Wait()
	if perrors.GetCode(err) != perrors.CodeInvalidInput {
		t.Fatalf("Error is %v", err)
	}
}

type panickingNetwork struct{}

func (panickingNetwork) Fetch(context.Context, *http.Request) (*http.Response, error) {
	panic("boom")
}

func TestDispatchRecoversPanics(t *testing.T) {
	a, _ := newTestAgent(t, cache.NewMemStorage(), panickingNetwork{}, "v1")

	_, err := a.Dispatch(context.Background(), Event{Kind: EventFetch, Request: getRequest("/api/data", "")}).Wait()
	if perrors.GetCode(err) != perrors.CodeInternal {
		t.Fatalf("Error is %v", err)
	}
}

func TestEventKindString(t *testing.T) {
	if EventInstall.String() != "install" || EventFetch.String() != "fetch" || EventKind(9).String() != "event(9)" {
		t.Fatal("Unexpected event names")
	}
}
