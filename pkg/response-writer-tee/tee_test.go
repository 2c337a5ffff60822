package tee

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResultFromRecordedResponse(t *testing.T) {
	rs := NewResponseSaver()
	rs.Header().Set("Content-Type", "text/plain")
	rs.WriteHeader(http.StatusCreated)
	rs.Write([]byte("Hello world"))

	req := httptest.NewRequest("GET", "/", nil)
	res := rs.Result(req)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/plain" {
		t.Fatalf("Content-Type is %s", ct)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	if res.Request != req {
		t.Fatal("Request not set on result")
	}
}

func TestImplicitOK(t *testing.T) {
	rs := NewResponseSaver()
	if rs.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", rs.StatusCode())
	}
	rs.Write([]byte("x"))
	if res := rs.Result(nil); res.StatusCode != http.StatusOK || res.ContentLength != 1 {
		t.Fatalf("Result is %+v", res)
	}
}

func TestFirstStatusWins(t *testing.T) {
	rs := NewResponseSaver()
	rs.WriteHeader(http.StatusAccepted)
	rs.WriteHeader(http.StatusInternalServerError)
	rs.Write([]byte("later"))

	res := rs.Result(nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if res.Header.Get("Content-Length") != "5" {
		t.Fatalf("Content-Length is %s", res.Header.Get("Content-Length"))
	}
}
