package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	neturl "net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

const (
	defaultMaxChars  = 5000
	defaultUserAgent = "agentd/1.0 (fetch_url)"
)

type FetchConfig struct {
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
	MaxBytes   int64
	UserAgent  string
}

func (c FetchConfig) withDefaults() FetchConfig {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 2 << 20
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}

// FetchResult is what fetch_url returns.
type FetchResult struct {
	URL       string `json:"url"`
	Status    int    `json:"status"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Fetcher implements fetch_url: a rate-limited GET whose HTML body is reduced to text.
type Fetcher struct {
	mu      sync.Mutex
	cfg     FetchConfig
	limiter *rate.Limiter
	client  *http.Client
}

func NewFetcher(cfg FetchConfig, client *http.Client) *Fetcher {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		client:  client,
	}
}

// Apply updates limits at runtime.
func (f *Fetcher) Apply(cfg FetchConfig) {
	cfg = cfg.withDefaults()
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
	f.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	f.limiter.SetBurst(cfg.Burst)
}

func (f *Fetcher) config() FetchConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// Handle is the task handler. kwargs: url (required), max_chars, timeout.
func (f *Fetcher) Handle(ctx context.Context, kw map[string]any) (any, error) {
	cfg := f.config()
	raw, err := stringArg(kw, "url", "")
	if err != nil {
		return nil, err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("url is required")
	}
	u, err := neturl.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must use http or https, got %q", u.Scheme)
	}
	maxChars, err := intArg(kw, "max_chars", defaultMaxChars)
	if err != nil {
		return nil, err
	}
	timeout, err := durationArg(kw, "timeout", cfg.Timeout)
	if err != nil {
		return nil, err
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(truncate(string(body), 200)))
	}

	res := FetchResult{URL: resp.Request.URL.String(), Status: resp.StatusCode}
	text := string(body)
	if isHTML(resp.Header.Get("Content-Type"), body) {
		res.Title, text, err = htmlToText(body)
		if err != nil {
			return nil, fmt.Errorf("parse html: %w", err)
		}
	}
	res.Content = truncate(text, maxChars)
	res.Truncated = len(res.Content) < len(text)
	return res, nil
}

func isHTML(contentType string, body []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt == "text/html" || mt == "application/xhtml+xml"
	}
	return strings.Contains(http.DetectContentType(body), "text/html")
}

// htmlToText drops non-content elements and joins block text line by line.
func htmlToText(body []byte) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	doc.Find("script, style, noscript, nav, footer, header, aside, iframe, svg").Remove()
	title = collapse(doc.Find("title").First().Text())

	var b strings.Builder
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td").Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are reached on their own.
		if s.Find("p, li, pre, blockquote").Length() > 0 {
			return
		}
		if t := collapse(s.Text()); t != "" {
			b.WriteString(t)
			b.WriteByte('\n')
		}
	})
	text = strings.TrimSpace(b.String())
	if text == "" {
		text = collapse(doc.Find("body").Text())
	}
	return title, text, nil
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
