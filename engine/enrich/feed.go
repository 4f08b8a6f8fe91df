package enrich

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/WessleyAI/wessley-qa/pkg/fn"
)

// FeedItem is one parsed RSS item or Atom entry.
type FeedItem struct {
	Title       string
	Description string
	Link        string
	Published   string
}

// FeedConfig configures a FeedEnricher.
type FeedConfig struct {
	URLs       []string
	HTTPClient *http.Client
	CacheTTL   time.Duration // default 10m
	MaxItems   int           // default 3
	Logger     *slog.Logger
}

// FeedEnricher scores recent feed items against the question's keywords.
type FeedEnricher struct {
	urls        []string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	cache       *expirable.LRU[string, []FeedItem]
	maxItems    int
	logger      *slog.Logger
}

func NewFeedEnricher(cfg FeedConfig) *FeedEnricher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FeedEnricher{
		urls:        cfg.URLs,
		httpClient:  cfg.HTTPClient,
		rateLimiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 4),
		cache:       expirable.NewLRU[string, []FeedItem](len(cfg.URLs)+1, nil, cfg.CacheTTL),
		maxItems:    cfg.MaxItems,
		logger:      cfg.Logger,
	}
}

type scoredItem struct {
	item  FeedItem
	score int
	order int
}

func (f *FeedEnricher) Enrich(ctx context.Context, question string) (string, error) {
	keywords := Keywords(question)
	if len(keywords) == 0 || len(f.urls) == 0 {
		return "", nil
	}

	var (
		scored []scoredItem
		errs   []error
	)
	for _, u := range f.urls {
		items, err := f.items(ctx, u).Unwrap()
		if err != nil {
			f.logger.Warn("enrich: feed unavailable", "url", u, "err", err)
			errs = append(errs, err)
			continue
		}
		for _, it := range items {
			if s := score(it, keywords); s > 0 {
				scored = append(scored, scoredItem{item: it, score: s, order: len(scored)})
			}
		}
	}
	if len(errs) == len(f.urls) {
		return "", fmt.Errorf("enrich: all feeds failed: %w", errors.Join(errs...))
	}
	if len(scored) == 0 {
		return "", nil
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > f.maxItems {
		scored = scored[:f.maxItems]
	}

	var b strings.Builder
	b.WriteString("Recent news:\n")
	for _, s := range scored {
		fmt.Fprintf(&b, "- %s", s.item.Title)
		if s.item.Description != "" {
			fmt.Fprintf(&b, ": %s", s.item.Description)
		}
		if s.item.Link != "" {
			fmt.Fprintf(&b, " (%s)", s.item.Link)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// items returns the parsed feed, from cache when fresh.
func (f *FeedEnricher) items(ctx context.Context, url string) fn.Result[[]FeedItem] {
	if cached, ok := f.cache.Get(url); ok {
		return fn.Ok(cached)
	}
	if err := f.rateLimiter.Wait(ctx); err != nil {
		return fn.Err[[]FeedItem](err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fn.Err[[]FeedItem](err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fn.Err[[]FeedItem](fmt.Errorf("fetch feed: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fn.Err[[]FeedItem](fmt.Errorf("fetch feed: HTTP %d", resp.StatusCode))
	}

	items, err := ParseFeed(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fn.Err[[]FeedItem](err)
	}
	f.cache.Add(url, items)
	return fn.Ok(items)
}

// rssDoc covers RSS 2.0 (<rss><channel><item>) and Atom (<feed><entry>).
type rssDoc struct {
	XMLName xml.Name
	Items   []rssItem   `xml:"channel>item"`
	Entries []atomEntry `xml:"entry"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	Link        string `xml:"link"`
	PubDate     string `xml:"pubDate"`
}

type atomEntry struct {
	Title   string `xml:"title"`
	Summary string `xml:"summary"`
	Content string `xml:"content"`
	Updated string `xml:"updated"`
	Links   []struct {
		Href string `xml:"href,attr"`
	} `xml:"link"`
}

const maxFeedItems = 50

// ParseFeed decodes an RSS or Atom document, keeping at most 50 items.
func ParseFeed(r io.Reader) ([]FeedItem, error) {
	var doc rssDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	var out []FeedItem
	for _, it := range doc.Items {
		out = append(out, FeedItem{
			Title:       cleanText(it.Title, 200),
			Description: cleanText(it.Description, 300),
			Link:        strings.TrimSpace(it.Link),
			Published:   it.PubDate,
		})
	}
	for _, e := range doc.Entries {
		desc := e.Summary
		if desc == "" {
			desc = e.Content
		}
		item := FeedItem{
			Title:       cleanText(e.Title, 200),
			Description: cleanText(desc, 300),
			Published:   e.Updated,
		}
		if len(e.Links) > 0 {
			item.Link = e.Links[0].Href
		}
		out = append(out, item)
	}
	if len(out) > maxFeedItems {
		out = out[:maxFeedItems]
	}
	return out, nil
}

var (
	tagRe   = regexp.MustCompile(`<[^>]*>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

func cleanText(s string, max int) string {
	s = html.UnescapeString(tagRe.ReplaceAllString(s, " "))
	s = strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
	if utf8.RuneCountInString(s) > max {
		s = string([]rune(s)[:max]) + "…"
	}
	return s
}

func score(it FeedItem, keywords []string) int {
	text := strings.ToLower(it.Title + " " + it.Description)
	n := 0
	for _, k := range keywords {
		if strings.Contains(text, k) {
			n++
		}
	}
	return n
}
