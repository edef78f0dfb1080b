package netutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestExtractDomain(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"www.google.co.uk:443", "google.co.uk"},
		{"https://sub.example.com/feed.txt", "example.com"},
		{"api.sina.com.cn", "sina.com.cn"},
		{"192.168.1.1:8080", "192.168.1.1"},
		{"localhost", "localhost"},
		{"[::1]:80", "::1"},
	}
	for _, c := range cases {
		if got := ExtractDomain(c.in); got != c.want {
			t.Errorf("ExtractDomain(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDirectDownloaderEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 200 with no body
	}))
	defer srv.Close()

	d := NewDirectDownloader(2 * time.Second)
	_, err := d.Download(context.Background(), srv.URL)
	if !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("err = %v, want ErrEmptyBody", err)
	}
}

func TestDirectDownloaderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDirectDownloader(2 * time.Second)
	_, err := d.Download(context.Background(), srv.URL)
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("err = %v, want HTTPStatusError 403", err)
	}
}

func TestRetryDownloaderRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		w.Write([]byte("vmess://abc"))
	}))
	defer srv.Close()

	r := &RetryDownloader{
		Inner:    NewDirectDownloader(2 * time.Second),
		Attempts: 3,
		Pause:    time.Millisecond,
	}
	body, err := r.Download(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "vmess://abc" {
		t.Fatalf("body = %q", body)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestRetryDownloaderExhausts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := &RetryDownloader{
		Inner:    NewDirectDownloader(2 * time.Second),
		Attempts: 3,
		Pause:    time.Millisecond,
	}
	if _, err := r.Download(context.Background(), srv.URL); err == nil {
		t.Fatal("want error after exhausting attempts")
	}
}
