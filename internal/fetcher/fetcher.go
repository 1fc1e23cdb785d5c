// Package fetcher は商品ページを取得して Markdown に変換します。
//
// リーダーサービス（GET <base><url> で Markdown を返すサービス）が設定されていればそれを使い、
// なければ HTML を直接取得して goquery と html-to-markdown で変換します。
package fetcher

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout は1リクエストのタイムアウトです。
	DefaultTimeout = 30 * time.Second
	// DefaultRateLimit は秒間リクエスト数の上限です。
	DefaultRateLimit = 5
	// DefaultMaxBytes は読み込む本文の上限です。
	DefaultMaxBytes = 5 << 20

	userAgent = "flow-forge/1.0 (+product research)"
)

var (
	// ErrInvalidURL は http/https 以外の URL に対して返されます。
	ErrInvalidURL = errors.New("invalid url")
	// ErrUnsupportedContent は HTML・テキスト以外のレスポンスに対して返されます。
	ErrUnsupportedContent = errors.New("unsupported content type")
	// ErrEmptyContent は変換結果が空の場合に返されます。
	ErrEmptyContent = errors.New("page has no readable content")
)

// StatusError は取得先が 2xx 以外を返した場合のエラーです。
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

// Permanent は再試行しても結果が変わらないステータスかどうかを返します。
func (e *StatusError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent は err が再試行不要な取得エラーかどうかを返します。
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Permanent()
	}
	return errors.Is(err, ErrInvalidURL) || errors.Is(err, ErrUnsupportedContent) || errors.Is(err, ErrEmptyContent)
}

// Page は取得結果です。
type Page struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Markdown    string    `json:"markdown"`
	ContentType string    `json:"contentType"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// Cache は取得結果のキャッシュです。storage.Cache が実装します。
type Cache interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Fetcher は URL を取得して Markdown に変換します。
type Fetcher struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	readerURL  string
	readerKey  string
	cache      Cache
	cacheTTL   time.Duration
	maxBytes   int64
	logger     zerolog.Logger
}

// Option は Fetcher の設定です。
type Option func(*Fetcher)

// WithReader はリーダーサービスを使うように設定します。
func WithReader(baseURL, apiKey string) Option {
	return func(f *Fetcher) {
		f.readerURL = baseURL
		f.readerKey = apiKey
	}
}

// WithHTTPClient は HTTP クライアントを差し替えます。
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.httpClient = c
	}
}

// WithRateLimit は秒間リクエスト数の上限を設定します。
func WithRateLimit(requestsPerSecond int) Option {
	return func(f *Fetcher) {
		if requestsPerSecond > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithCache は取得結果を ttl の間キャッシュします。
func WithCache(c Cache, ttl time.Duration) Option {
	return func(f *Fetcher) {
		f.cache = c
		f.cacheTTL = ttl
	}
}

// WithMaxBytes は読み込む本文の上限を設定します。
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		f.maxBytes = n
	}
}

// WithLogger はロガーを設定します。
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// New は Fetcher を作成します。
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		maxBytes:   DefaultMaxBytes,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch は rawURL を取得します。キャッシュがあればそれを返します。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	target, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}

	key := cacheKey(target)
	if f.cache != nil {
		var cached Page
		ok, err := f.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			f.logger.Warn().Err(err).Str("url", target).Msg("fetch cache read failed")
		} else if ok {
			return &cached, nil
		}
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var page *Page
	if f.readerURL != "" {
		page, err = f.fetchReader(ctx, target)
	} else {
		page, err = f.fetchDirect(ctx, target)
	}
	if err != nil {
		return nil, err
	}

	f.logger.Debug().
		Str("url", target).
		Str("title", page.Title).
		Int("markdown_length", len(page.Markdown)).
		Msg("page fetched")

	if f.cache != nil {
		if err := f.cache.SetJSON(ctx, key, page, f.cacheTTL); err != nil {
			f.logger.Warn().Err(err).Str("url", target).Msg("fetch cache write failed")
		}
	}
	return page, nil
}

func (f *Fetcher) fetchReader(ctx context.Context, target string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.readerURL+target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.readerKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.readerKey)
	}
	req.Header.Set("Accept", "text/plain")

	body, _, err := f.do(req, target)
	if err != nil {
		return nil, err
	}
	title, markdown := splitReaderResponse(string(body))
	if strings.TrimSpace(markdown) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyContent, target)
	}
	return &Page{
		URL:         target,
		Title:       title,
		Markdown:    markdown,
		ContentType: "text/markdown",
		FetchedAt:   time.Now().UTC(),
	}, nil
}

func (f *Fetcher) fetchDirect(ctx context.Context, target string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9")

	body, finalURL, err := f.do(req, target)
	if err != nil {
		return nil, err
	}

	mt := mimetype.Detect(body)
	page := &Page{URL: target, ContentType: mt.String(), FetchedAt: time.Now().UTC()}
	switch {
	case isKind(mt, "text/html"):
		page.Title, page.Markdown, err = htmlToMarkdown(body, finalURL)
		if err != nil {
			return nil, err
		}
	case isKind(mt, "text/plain"):
		page.Markdown = strings.TrimSpace(string(body))
	default:
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedContent, mt.String(), target)
	}
	if strings.TrimSpace(page.Markdown) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyContent, target)
	}
	return page, nil
}

// do はリクエストを実行し、本文と最終的な URL を返します。
func (f *Fetcher) do(req *http.Request, target string) ([]byte, string, error) {
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", &StatusError{URL: target, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", target, err)
	}
	return body, resp.Request.URL.String(), nil
}

func htmlToMarkdown(body []byte, pageURL string) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	title := extractTitle(doc)

	doc.Find("script, style, noscript, iframe, svg, nav, footer, aside, form").Remove()
	content := doc.Find("main, article, #content, #main").First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	html, err := goquery.OuterHtml(content)
	if err != nil {
		return "", "", fmt.Errorf("render html: %w", err)
	}

	domain := ""
	if u, err := url.Parse(pageURL); err == nil {
		domain = u.Scheme + "://" + u.Host
	}
	converter := md.NewConverter(domain, true, nil)
	markdown, err := converter.ConvertString(html)
	if err != nil {
		return "", "", fmt.Errorf("convert html to markdown: %w", err)
	}
	return title, strings.TrimSpace(markdown), nil
}

func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// splitReaderResponse はリーダーサービスの "Title: ..." ヘッダ行を取り除きます。
func splitReaderResponse(body string) (string, string) {
	var title string
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "Title:"):
			title = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
		case strings.HasPrefix(line, "URL Source:"), strings.HasPrefix(line, "Published Time:"), strings.TrimSpace(line) == "":
		case strings.HasPrefix(line, "Markdown Content:"):
			return title, strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
		default:
			return title, strings.TrimSpace(strings.Join(lines[i:], "\n"))
		}
	}
	return title, ""
}

func isKind(mt *mimetype.MIME, kind string) bool {
	for m := mt; m != nil; m = m.Parent() {
		if m.Is(kind) {
			return true
		}
	}
	return false
}

func parseTarget(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	u.Fragment = ""
	return u.String(), nil
}

func cacheKey(target string) string {
	sum := sha1.Sum([]byte(target))
	return "fetch:" + hex.EncodeToString(sum[:])
}

// URLHash は URL の SHA-1 を16進文字列で返します。ジョブIDなどの安定した識別子に使います。
func URLHash(rawURL string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(rawURL)))
	return hex.EncodeToString(sum[:])
}
