package fetch_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"cararth/ingest-service/internal/fetch"
)

func newServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// ── Pages ──────────────────────────────────────────────────────────────────

func TestPage_Success(t *testing.T) {
	srv := newServer(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua == "" || ua == "Go-http-client/1.1" {
			t.Errorf("expected a browser user agent, got %q", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>listing</body></html>"))
	})
	defer srv.Close()

	f := fetch.New(5*time.Second, zap.NewNop())
	page, err := f.Page(context.Background(), srv.URL+"/item/1")
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if string(page.Body) != "<html><body>listing</body></html>" {
		t.Errorf("body = %q", page.Body)
	}
	if page.URL != srv.URL+"/item/1" {
		t.Errorf("url = %q", page.URL)
	}
	if page.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}
}

func TestPage_Non2xxIsTypedFailure(t *testing.T) {
	srv := newServer(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	defer srv.Close()

	_, err := fetch.New(5*time.Second, zap.NewNop()).Page(context.Background(), srv.URL)
	var fe *fetch.Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *fetch.Error, got %v", err)
	}
	if fe.Kind != fetch.KindStatus || fe.StatusCode != 404 {
		t.Errorf("kind=%s status=%d, want bad-status/404", fe.Kind, fe.StatusCode)
	}
}

func TestPage_NonHTMLContentRejected(t *testing.T) {
	srv := newServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"blocked":true}`))
	})
	defer srv.Close()

	_, err := fetch.New(5*time.Second, zap.NewNop()).Page(context.Background(), srv.URL)
	var fe *fetch.Error
	if !errors.As(err, &fe) || fe.Kind != fetch.KindContentType {
		t.Fatalf("expected wrong-content-type, got %v", err)
	}
}

func TestPage_TimeoutIsTyped(t *testing.T) {
	srv := newServer(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte("too late"))
	})
	defer srv.Close()

	_, err := fetch.New(50*time.Millisecond, zap.NewNop()).Page(context.Background(), srv.URL)
	var fe *fetch.Error
	if !errors.As(err, &fe) || fe.Kind != fetch.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestPage_ConnectionRefusedIsNetwork(t *testing.T) {
	srv := newServer(func(w http.ResponseWriter, r *http.Request) {})
	url := srv.URL
	srv.Close()

	_, err := fetch.New(time.Second, zap.NewNop()).Page(context.Background(), url)
	var fe *fetch.Error
	if !errors.As(err, &fe) || fe.Kind != fetch.KindNetwork {
		t.Fatalf("expected network failure, got %v", err)
	}
}

// ── Images ─────────────────────────────────────────────────────────────────

func TestImage_Success(t *testing.T) {
	payload := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x01, 0x02}
	srv := newServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(payload)
	})
	defer srv.Close()

	data, contentType, err := fetch.New(5*time.Second, zap.NewNop()).Image(context.Background(), srv.URL+"/a.jpg")
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("bytes = %v", data)
	}
	if contentType != "image/jpeg" {
		t.Errorf("content type = %q", contentType)
	}
}

func TestImage_ServerErrorIsTyped(t *testing.T) {
	srv := newServer(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	defer srv.Close()

	_, _, err := fetch.New(5*time.Second, zap.NewNop()).Image(context.Background(), srv.URL)
	var fe *fetch.Error
	if !errors.As(err, &fe) || fe.Kind != fetch.KindStatus || fe.StatusCode != 500 {
		t.Fatalf("expected bad-status/500, got %v", err)
	}
}

func TestImage_AnyContentTypeAccepted(t *testing.T) {
	// The gate judges image content types; the fetcher only moves bytes.
	srv := newServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte("bytes"))
	})
	defer srv.Close()

	_, contentType, err := fetch.New(5*time.Second, zap.NewNop()).Image(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if contentType != "application/octet-stream" {
		t.Errorf("content type = %q", contentType)
	}
}
