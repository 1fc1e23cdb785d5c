package article

import (
	"context"

	"github.com/yourusername/flow-forge/internal/content"
	"github.com/yourusername/flow-forge/internal/fetcher"
)

// ContentStore は content.Store のうちパイプラインが使う操作です。
type ContentStore interface {
	GetArticle(ctx context.Context, id string) (*content.Article, error)
	SetArticleStatus(ctx context.Context, id string, status content.ArticleStatus, body, errMsg string) error
	ArticleProducts(ctx context.Context, articleID string) ([]*content.Product, error)
	GetProduct(ctx context.Context, id string) (*content.Product, error)
	SetProductSummary(ctx context.Context, id, summary string) error
	SetProductScreenshot(ctx context.Context, id, path string) error
	SaveWebsite(ctx context.Context, w *content.Website) error
	Websites(ctx context.Context, productID string) ([]*content.Website, error)
}

// PageFetcher はURLを取得して Markdown にします。
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Page, error)
}

// Screenshotter はページのスクリーンショットを撮ります。
type Screenshotter interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// Completer は LLM に補完を依頼します。
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// BlobStore はスクリーンショットの保存先です。
type BlobStore interface {
	Save(ctx context.Context, path string, data []byte) error
}

// Deps はハンドラーの依存です。
type Deps struct {
	Content     ContentStore
	Fetcher     PageFetcher
	Screenshots Screenshotter
	LLM         Completer
	Blobs       BlobStore
}
