package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/identity"
	"github.com/andr-235/parseVK-sub000/internal/pkg/logger"
)

func newHTTPTestFetcher(timeout time.Duration) (*HTTPFetcher, *identity.Provider) {
	ids := identity.NewProvider(identity.DefaultProfiles(), 1)
	c := NewClassifier([]int{403, 429}, []string{"captcha"})
	return NewHTTPFetcher(ids, c, nil, timeout, logger.Discard()), ids
}

func TestHTTPFetcherAppliesIdentity(t *testing.T) {
	var gotUA, gotLang string
	var gotCookie bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		_, err := r.Cookie("_ga")
		gotCookie = err == nil
		_, _ = w.Write([]byte("<html><body>listings</body></html>"))
	}))
	defer srv.Close()

	f, ids := newHTTPTestFetcher(5 * time.Second)
	html, err := f.Fetch(context.Background(), srv.URL+"/list")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(html, "listings") {
		t.Fatalf("html = %q", html)
	}
	active := ids.Active()
	if gotUA != active.UserAgent || gotLang != active.AcceptLanguage {
		t.Fatalf("identity not applied: ua=%q lang=%q", gotUA, gotLang)
	}
	if !gotCookie {
		t.Fatalf("seed cookie not sent")
	}
}

func TestHTTPFetcherClassifiesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limited":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/captcha":
			_, _ = w.Write([]byte("<html><div id=\"captcha\">prove it</div></html>"))
		}
	}))
	defer srv.Close()

	f, _ := newHTTPTestFetcher(5 * time.Second)
	ctx := context.Background()

	_, err := f.Fetch(ctx, srv.URL+"/limited")
	var rl *RateLimitedError
	if !errors.As(err, &rl) || rl.Status != 429 {
		t.Fatalf("limited: err = %v", err)
	}

	_, err = f.Fetch(ctx, srv.URL+"/missing")
	var ff *FetchFailedError
	if !errors.As(err, &ff) || ff.Status != 404 {
		t.Fatalf("missing: err = %v", err)
	}

	_, err = f.Fetch(ctx, srv.URL+"/captcha")
	if !errors.As(err, &rl) || !rl.Captcha {
		t.Fatalf("captcha: err = %v", err)
	}
}

func TestHTTPFetcherTimeoutIsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f, _ := newHTTPTestFetcher(50 * time.Millisecond)
	_, err := f.Fetch(context.Background(), srv.URL)
	var rl *RateLimitedError
	if !errors.As(err, &rl) || !rl.Timeout {
		t.Fatalf("err = %v, want timeout RateLimitedError", err)
	}
}
