package article

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/flow-forge/internal/config"
	"github.com/yourusername/flow-forge/internal/content"
	"github.com/yourusername/flow-forge/internal/fetcher"
	"github.com/yourusername/flow-forge/internal/flow"
	"github.com/yourusername/flow-forge/internal/jobs"
	"github.com/yourusername/flow-forge/internal/llm"
)

const (
	summarySystemPrompt = "あなたは製品リサーチャーです。与えられたWebページの内容だけを根拠に、製品の特徴・価格・対象ユーザーを日本語で簡潔にまとめてください。"
	articleSystemPrompt = "あなたは編集者です。与えられた製品要約だけを使って、比較紹介記事をMarkdownで書いてください。"

	// maxPageChars は要約プロンプトに含める1ページあたりの文字数上限です。
	maxPageChars = 8000
)

// ScrapeResult は scrape-website の完了値です。
type ScrapeResult struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Length int    `json:"length"`
}

// ProductResult は update-product の完了値です。
type ProductResult struct {
	ProductID string `json:"productId"`
	Pages     int    `json:"pages"`
	Failed    int    `json:"failed"`
}

// ArticleResult は generate-article と update-article の完了値です。
type ArticleResult struct {
	ArticleID string   `json:"articleId"`
	Products  []string `json:"products"`
	Length    int      `json:"length"`
}

// ScreenshotResult は screenshot の完了値です。
type ScreenshotResult struct {
	Path string `json:"path"`
}

type handlers struct {
	deps     Deps
	producer *flow.Producer
	logger   zerolog.Logger
}

// Register はパイプラインのキューをレジストリに登録します。
func Register(registry *jobs.Registry, producer *flow.Producer, deps Deps, cfg *config.Config, logger zerolog.Logger) error {
	h := &handlers{deps: deps, producer: producer, logger: logger}

	lease := cfg.LeaseDuration()
	screenshotLease := time.Duration(cfg.ScreenshotTimeoutSeconds)*time.Second + 15*time.Second
	if screenshotLease < lease {
		screenshotLease = lease
	}
	queues := []jobs.QueueConfig{
		{Name: QueueUpdateArticle, Concurrency: cfg.ArticleConcurrency, Handler: h.updateArticle},
		{Name: QueueGenerateArticle, Concurrency: cfg.ArticleConcurrency, Handler: h.generateArticle},
		{Name: QueueUpdateProduct, Concurrency: cfg.ProductConcurrency, Handler: h.updateProduct},
		{Name: QueueScreenshot, Concurrency: cfg.ScreenshotConcurrency, Handler: h.screenshot, LeaseDuration: screenshotLease},
		{Name: QueueScrapeWebsite, Concurrency: cfg.ScrapeConcurrency, Handler: h.scrapeWebsite},
	}
	for _, qc := range queues {
		if qc.LeaseDuration == 0 {
			qc.LeaseDuration = lease
		}
		qc.Attempts = cfg.JobAttempts
		qc.Backoff = cfg.JobBackoff()
		qc.MaxStalled = cfg.MaxStalled
		if err := registry.Register(qc); err != nil {
			return err
		}
	}
	return nil
}

// decode はリースのペイロードを T として取り出します。壊れたペイロードは再試行しません。
func decode[T Payload](lease *jobs.Lease) (T, error) {
	var zero T
	p, err := DecodePayload(lease.Job.Queue, lease.Job.Payload)
	if err != nil {
		return zero, jobs.Fatal(err)
	}
	v, ok := p.(T)
	if !ok {
		return zero, jobs.Fatal(fmt.Errorf("queue %s carries %T", lease.Job.Queue, p))
	}
	return v, nil
}

// classify は協調先のエラーを再試行可否で分類します。
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case fetcher.IsPermanent(err), errors.Is(err, llm.ErrRefused),
		errors.Is(err, ErrArticleNotFound), errors.Is(err, ErrProductNotFound), errors.Is(err, ErrNoProducts):
		return jobs.Fatal(err)
	default:
		return err
	}
}

// finalAttempt は今回の実行が最後の試行かどうかを返します。
func finalAttempt(err error, job *jobs.Job) bool {
	if jobs.IsFatal(err) {
		return true
	}
	attempts := job.Opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	// AttemptsMade はこの実行の失敗をまだ含まない
	return job.AttemptsMade+1 >= attempts
}

func (h *handlers) scrapeWebsite(ctx context.Context, lease *jobs.Lease) (any, error) {
	p, err := decode[*ScrapeWebsitePayload](lease)
	if err != nil {
		return nil, err
	}
	if _, err := h.requireProduct(ctx, p.ProductID); err != nil {
		return nil, err
	}

	page, err := h.deps.Fetcher.Fetch(ctx, p.URL)
	if err != nil {
		return nil, classify(err)
	}
	if err := h.deps.Content.SaveWebsite(ctx, &content.Website{
		ProductID: p.ProductID,
		URL:       p.URL,
		Title:     page.Title,
		Markdown:  page.Markdown,
		FetchedAt: page.FetchedAt,
	}); err != nil {
		return nil, err
	}
	return ScrapeResult{URL: p.URL, Title: page.Title, Length: len(page.Markdown)}, nil
}

func (h *handlers) screenshot(ctx context.Context, lease *jobs.Lease) (any, error) {
	p, err := decode[*ScreenshotPayload](lease)
	if err != nil {
		return nil, err
	}
	product, err := h.requireProduct(ctx, p.ProductID)
	if err != nil {
		return nil, err
	}
	target := p.URL
	if target == "" {
		target = product.URL
	}
	if target == "" {
		return nil, jobs.Fatal(fmt.Errorf("product %s has no url", p.ProductID))
	}

	png, err := h.deps.Screenshots.Capture(ctx, target)
	if err != nil {
		return nil, classify(err)
	}
	path := "screenshots/" + p.ProductID + ".png"
	if err := h.deps.Blobs.Save(ctx, path, png); err != nil {
		return nil, err
	}
	if err := h.deps.Content.SetProductScreenshot(ctx, p.ProductID, path); err != nil {
		return nil, err
	}
	return ScreenshotResult{Path: path}, nil
}

func (h *handlers) updateProduct(ctx context.Context, lease *jobs.Lease) (any, error) {
	p, err := decode[*UpdateProductPayload](lease)
	if err != nil {
		return nil, err
	}
	fan := flow.FanOut[*UpdateProductPayload]{
		Producer: h.producer,
		Discover: h.discoverPages,
		Finish:   h.summarizeProduct,
	}
	out, err := fan.Run(ctx, lease, p)
	return out, classify(err)
}

// discoverPages は商品の関連URLごとに scrape-website の子を作ります。
func (h *handlers) discoverPages(ctx context.Context, lease *jobs.Lease, p *UpdateProductPayload) ([]flow.Node, error) {
	product, err := h.requireProduct(ctx, p.ProductID)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(product.RelevantURLs)+1)
	seen := make(map[string]struct{})
	for _, u := range append([]string{product.URL}, product.RelevantURLs...) {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}

	nodes := make([]flow.Node, 0, len(urls))
	for _, u := range urls {
		nodes = append(nodes, flow.Node{
			Queue:   QueueScrapeWebsite,
			ID:      ScrapeJobID(p.ProductID, u),
			Payload: ScrapeWebsitePayload{ProductID: p.ProductID, URL: u},
			Opts:    jobs.Options{IgnoreDependencyOnFailure: true},
		})
	}
	h.logger.Info().
		Str("job_id", lease.Job.ID).
		Str("product_id", p.ProductID).
		Int("pages", len(nodes)).
		Msg("scheduling page scrapes")
	return nodes, nil
}

// summarizeProduct は保存済みのページから商品要約を作ります。
func (h *handlers) summarizeProduct(ctx context.Context, lease *jobs.Lease, p *UpdateProductPayload, results flow.Results) (any, error) {
	product, err := h.requireProduct(ctx, p.ProductID)
	if err != nil {
		return nil, err
	}
	sites, err := h.deps.Content.Websites(ctx, p.ProductID)
	if err != nil {
		return nil, err
	}
	failed := 0
	for ref := range results.Failed {
		if strings.HasPrefix(ref, QueueScrapeWebsite+":") {
			failed++
		}
	}
	if len(sites) == 0 {
		return nil, jobs.Fatal(fmt.Errorf("no pages could be scraped for product %s", p.ProductID))
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "製品名: %s\n", product.Name)
	for _, site := range sites {
		text := site.Markdown
		if r := []rune(text); len(r) > maxPageChars {
			text = string(r[:maxPageChars])
		}
		fmt.Fprintf(&prompt, "\n---\nURL: %s\nタイトル: %s\n\n%s\n", site.URL, site.Title, text)
	}

	summary, err := h.deps.LLM.Complete(ctx, summarySystemPrompt, prompt.String())
	if err != nil {
		return nil, err
	}
	if err := h.deps.Content.SetProductSummary(ctx, p.ProductID, summary); err != nil {
		return nil, err
	}
	return ProductResult{ProductID: p.ProductID, Pages: len(sites), Failed: failed}, nil
}

func (h *handlers) generateArticle(ctx context.Context, lease *jobs.Lease) (out any, err error) {
	p, err := decode[*GenerateArticlePayload](lease)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil && finalAttempt(err, lease.Job) {
			h.markFailed(ctx, p.ArticleID, err)
		}
	}()

	article, err := h.deps.Content.GetArticle(ctx, p.ArticleID)
	if err != nil {
		return nil, err
	}
	if article == nil {
		return nil, jobs.Fatal(fmt.Errorf("%w: %s", ErrArticleNotFound, p.ArticleID))
	}
	products, err := h.deps.Content.ArticleProducts(ctx, p.ArticleID)
	if err != nil {
		return nil, err
	}

	var (
		prompt strings.Builder
		used   []string
	)
	fmt.Fprintf(&prompt, "記事タイトル: %s\nテーマ: %s\n", article.Title, article.Topic)
	for _, product := range products {
		if strings.TrimSpace(product.Summary) == "" {
			continue
		}
		used = append(used, product.ID)
		fmt.Fprintf(&prompt, "\n## %s\n%s\n", product.Name, product.Summary)
		if product.ScreenshotPath != "" {
			fmt.Fprintf(&prompt, "スクリーンショット: %s\n", product.ScreenshotPath)
		}
	}
	if len(used) == 0 {
		return nil, jobs.Fatal(fmt.Errorf("no product summaries available for article %s", p.ArticleID))
	}

	body, err := h.deps.LLM.Complete(ctx, articleSystemPrompt, prompt.String())
	if err != nil {
		return nil, classify(err)
	}
	if err := h.deps.Content.SetArticleStatus(ctx, p.ArticleID, content.ArticleGenerating, body, ""); err != nil {
		return nil, err
	}
	sort.Strings(used)
	return ArticleResult{ArticleID: p.ArticleID, Products: used, Length: len(body)}, nil
}

func (h *handlers) updateArticle(ctx context.Context, lease *jobs.Lease) (any, error) {
	p, err := decode[*UpdateArticlePayload](lease)
	if err != nil {
		return nil, err
	}
	values, err := lease.ChildrenValues(ctx)
	if err != nil {
		return nil, err
	}
	var result ArticleResult
	generated := jobs.Ref{Queue: QueueGenerateArticle, ID: GenerateArticleJobID(p.ArticleID)}
	if err := (flow.Results{Values: values}).Decode(generated, &result); err != nil {
		return nil, jobs.Fatal(err)
	}
	if err := h.deps.Content.SetArticleStatus(ctx, p.ArticleID, content.ArticleReady, "", ""); err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, jobs.Fatal(err)
		}
		return nil, err
	}
	h.logger.Info().
		Str("job_id", lease.Job.ID).
		Str("article_id", p.ArticleID).
		Int("length", result.Length).
		Msg("article ready")
	return result, nil
}

// markFailed は記事を失敗状態にします。ここでの失敗はジョブの結果に影響させません。
func (h *handlers) markFailed(ctx context.Context, articleID string, cause error) {
	if err := h.deps.Content.SetArticleStatus(context.WithoutCancel(ctx), articleID, content.ArticleFailed, "", cause.Error()); err != nil {
		h.logger.Warn().Err(err).Str("article_id", articleID).Msg("failed to mark article as failed")
	}
}

func (h *handlers) requireProduct(ctx context.Context, id string) (*content.Product, error) {
	product, err := h.deps.Content.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, jobs.Fatal(fmt.Errorf("%w: %s", ErrProductNotFound, id))
	}
	return product, nil
}
