package crawler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/andr-235/parseVK-sub000/internal/browser"
	"github.com/andr-235/parseVK-sub000/internal/fetch"
	"github.com/andr-235/parseVK-sub000/internal/model"
	"github.com/andr-235/parseVK-sub000/internal/parser"
	"github.com/andr-235/parseVK-sub000/internal/pkg/logger"
)

// fakeFetcher 按 URL 返回预设的 HTML 或错误，并记录请求顺序。
type fakeFetcher struct {
	mu        sync.Mutex
	pages     map[string]string
	errs      map[string]error
	requested []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, url)
	if err, ok := f.errs[url]; ok {
		return "", err
	}
	if html, ok := f.pages[url]; ok {
		return html, nil
	}
	return "", &fetch.FetchFailedError{URL: url, Status: 404}
}

// fakeParser 把 HTML 当作页面 key 查找预设的解析结果。
type fakeParser struct {
	pages map[string]*parser.Page
}

func (p *fakeParser) Parse(html, _ string) (*parser.Page, error) {
	page, ok := p.pages[html]
	if !ok {
		return nil, fmt.Errorf("unexpected page %q", html)
	}
	return page, nil
}

type fakeRegistry struct{ p parser.Parser }

func (r fakeRegistry) Get(model.Source) (parser.Parser, error) { return r.p, nil }

func raw(id string, published time.Time) model.RawListing {
	return model.RawListing{
		ExternalID:  id,
		Title:       "Listing " + id,
		URL:         "/item/" + id,
		PriceText:   "1 000 ₽",
		PublishedAt: strconv.FormatInt(published.Unix(), 10),
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestCrawler(f fetch.Fetcher, pages map[string]*parser.Page) (*Crawler, *sleepRecorder) {
	c := NewCrawler(f, fakeRegistry{p: &fakeParser{pages: pages}}, nil, time.UTC, logger.Discard())
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	c.now = func() time.Time { return time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC) }
	return c, rec
}

const testBase = "https://www.avito.ru/all/kvartiry?s=104"

func TestCrawlTwoPagesWithDuplicate(t *testing.T) {
	day := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)
	page2 := BuildPageURL(testBase, "p", 2)
	page3 := BuildPageURL(testBase, "p", 3)
	f := &fakeFetcher{pages: map[string]string{testBase: "p1", page2: "p2", page3: "p3"}}
	c, rec := newTestCrawler(f, map[string]*parser.Page{
		"p1": {Listings: []model.RawListing{raw("A", day), raw("B", day)}, HasNextPage: true},
		"p2": {Listings: []model.RawListing{raw("B", day), raw("C", day)}, HasNextPage: false},
		"p3": {Listings: []model.RawListing{raw("D", day)}},
	})

	got, err := c.Crawl(context.Background(), model.SourceAvito, testBase, "p", Options{MaxPages: 3, RequestDelay: time.Second})
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	ids := make([]string, 0, len(got))
	for _, l := range got {
		ids = append(ids, l.ExternalID)
	}
	if fmt.Sprint(ids) != "[A B C]" {
		t.Fatalf("ids = %v, want [A B C]", ids)
	}
	if len(f.requested) != 2 || f.requested[0] != testBase || f.requested[1] != page2 {
		t.Fatalf("requested = %v", f.requested)
	}
	// 只在两页之间等待一次
	if len(rec.delays) != 1 || rec.delays[0] != time.Second {
		t.Fatalf("delays = %v", rec.delays)
	}
	if got[0].URL != "https://www.avito.ru/item/A" {
		t.Fatalf("url not resolved: %s", got[0].URL)
	}
}

func TestCrawlCutoffStopsEarly(t *testing.T) {
	cutoff := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	newer := cutoff.Add(24 * time.Hour)
	older := cutoff.Add(-time.Hour)
	page2 := BuildPageURL(testBase, "p", 2)

	f := &fakeFetcher{pages: map[string]string{testBase: "p1", page2: "p2"}}
	c, _ := newTestCrawler(f, map[string]*parser.Page{
		"p1": {Listings: []model.RawListing{raw("1", newer), raw("2", cutoff), raw("3", older), raw("4", newer)}, HasNextPage: true},
		"p2": {Listings: []model.RawListing{raw("5", newer)}},
	})

	got, err := c.Crawl(context.Background(), model.SourceAvito, testBase, "p", Options{MaxPages: 5, PublishedAfter: &cutoff})
	if err != nil {
		t.Fatalf("crawl: %v", err)
	}
	if len(got) != 2 || got[0].ExternalID != "1" || got[1].ExternalID != "2" {
		t.Fatalf("got = %+v", got)
	}
	for _, l := range got {
		if l.PublishedAt.Before(cutoff) {
			t.Fatalf("listing %s older than cutoff", l.ExternalID)
		}
	}
	if len(f.requested) != 1 {
		t.Fatalf("cutoff must stop pagination, requested = %v", f.requested)
	}
}

func TestCrawlRespectsMaxPages(t *testing.T) {
	day := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)
	pages := map[string]string{}
	parsed := map[string]*parser.Page{}
	for i := 1; i <= 4; i++ {
		key := "p" + strconv.Itoa(i)
		pages[BuildPageURL(testBase, "p", i)] = key
		parsed[key] = &parser.Page{Listings: []model.RawListing{raw(key, day)}, HasNextPage: true}
	}
	f := &fakeFetcher{pages: pages}
	c, rec := newTestCrawler(f, parsed)

	got, err := c.Crawl(context.Background(), model.SourceAvito, testBase, "p", Options{MaxPages: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || len(f.requested) != 2 {
		t.Fatalf("got %d listings from %d requests", len(got), len(f.requested))
	}
	if len(rec.delays) != 0 {
		t.Fatalf("zero request delay must not sleep, got %v", rec.delays)
	}
}

func TestCrawlDropsUnparsableDates(t *testing.T) {
	day := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)
	bad := raw("bad", day)
	bad.PublishedAt = "когда-то"
	f := &fakeFetcher{pages: map[string]string{testBase: "p1"}}
	c, _ := newTestCrawler(f, map[string]*parser.Page{
		"p1": {Listings: []model.RawListing{bad, raw("ok", day)}},
	})

	got, err := c.Crawl(context.Background(), model.SourceAvito, testBase, "p", Options{MaxPages: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ExternalID != "ok" {
		t.Fatalf("got = %+v", got)
	}
}

func TestCrawlRateLimitedReturnsPartial(t *testing.T) {
	day := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)
	page2 := BuildPageURL(testBase, "p", 2)
	f := &fakeFetcher{
		pages: map[string]string{testBase: "p1"},
		errs:  map[string]error{page2: &fetch.RateLimitedError{URL: page2, Status: 429, Attempts: 3}},
	}
	c, _ := newTestCrawler(f, map[string]*parser.Page{
		"p1": {Listings: []model.RawListing{raw("A", day)}, HasNextPage: true},
	})

	got, err := c.Crawl(context.Background(), model.SourceAvito, testBase, "p", Options{MaxPages: 3})
	if err != nil {
		t.Fatalf("rate limiting must not be fatal: %v", err)
	}
	if len(got) != 1 || len(f.requested) != 2 {
		t.Fatalf("got %d listings, requested %v", len(got), f.requested)
	}
}

func TestCrawlParseErrorReturnsPartial(t *testing.T) {
	day := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)
	page2 := BuildPageURL(testBase, "p", 2)
	f := &fakeFetcher{pages: map[string]string{testBase: "p1", page2: "garbage"}}
	c, _ := newTestCrawler(f, map[string]*parser.Page{
		"p1": {Listings: []model.RawListing{raw("A", day)}, HasNextPage: true},
	})

	got, err := c.Crawl(context.Background(), model.SourceAvito, testBase, "p", Options{MaxPages: 3})
	if err != nil || len(got) != 1 {
		t.Fatalf("got %d, err %v", len(got), err)
	}
}

func TestCrawlLaunchErrorIsFatal(t *testing.T) {
	day := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)
	page2 := BuildPageURL(testBase, "p", 2)
	f := &fakeFetcher{
		pages: map[string]string{testBase: "p1"},
		errs:  map[string]error{page2: fmt.Errorf("%w: chrome missing", browser.ErrLaunch)},
	}
	c, _ := newTestCrawler(f, map[string]*parser.Page{
		"p1": {Listings: []model.RawListing{raw("A", day)}, HasNextPage: true},
	})

	got, err := c.Crawl(context.Background(), model.SourceAvito, testBase, "p", Options{MaxPages: 3})
	if !errors.Is(err, browser.ErrLaunch) {
		t.Fatalf("err = %v, want ErrLaunch", err)
	}
	if len(got) != 1 {
		t.Fatalf("partial results lost: %d", len(got))
	}
}

func TestCrawlCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeFetcher{errs: map[string]error{testBase: context.Canceled}}
	c, _ := newTestCrawler(f, map[string]*parser.Page{})

	_, err := c.Crawl(ctx, model.SourceAvito, testBase, "p", Options{MaxPages: 2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestBuildPageURL(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		param string
		page  int
		want  string
	}{
		{"first page unchanged", "https://www.avito.ru/all/kvartiry?s=104", "p", 1, "https://www.avito.ru/all/kvartiry?s=104"},
		{"adds param", "https://www.avito.ru/all/kvartiry?s=104", "p", 2, "https://www.avito.ru/all/kvartiry?p=2&s=104"},
		{"no query", "https://www.farpost.ru/vladivostok/realty/", "page", 3, "https://www.farpost.ru/vladivostok/realty/?page=3"},
		{"replaces existing", "https://www.farpost.ru/x?page=7", "page", 2, "https://www.farpost.ru/x?page=2"},
		{"relative falls back", "/list?q=1", "page", 2, "/list?q=1&page=2"},
		{"relative without query", "list", "page", 4, "list?page=4"},
		{"empty param", "https://a.ru/", "", 2, "https://a.ru/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildPageURL(tt.base, tt.param, tt.page); got != tt.want {
				t.Fatalf("BuildPageURL(%q, %q, %d) = %q, want %q", tt.base, tt.param, tt.page, got, tt.want)
			}
		})
	}
}
