// Package article は記事生成と商品情報抽出のジョブフローを定義します。
//
// 記事1件のフローは次の木になります。
//
//	update-article(A)
//	└── generate-article(A)
//	    ├── update-product(P1)
//	    │   └── screenshot(P1)
//	    └── update-product(P2) ...
//
// update-product は実行時に関連URLごとの scrape-website を子として追加します。
package article

import (
	"encoding/json"
	"fmt"

	"github.com/yourusername/flow-forge/internal/fetcher"
	"github.com/yourusername/flow-forge/internal/flow"
)

// キュー名
const (
	QueueUpdateArticle   = "update-article"
	QueueGenerateArticle = "generate-article"
	QueueUpdateProduct   = "update-product"
	QueueScreenshot      = "screenshot"
	QueueScrapeWebsite   = "scrape-website"
)

// Queues はパイプラインが使う全キューです。
var Queues = []string{
	QueueUpdateArticle,
	QueueGenerateArticle,
	QueueUpdateProduct,
	QueueScreenshot,
	QueueScrapeWebsite,
}

// Payload はパイプラインのジョブペイロードです。実装はこのパッケージの構造体に限られます。
type Payload interface {
	queue() string
}

// UpdateArticlePayload はフローのルートです。記事の状態を確定させます。
type UpdateArticlePayload struct {
	ArticleID string `json:"articleId"`
}

// GenerateArticlePayload は商品要約から記事本文を生成します。
type GenerateArticlePayload struct {
	ArticleID string `json:"articleId"`
}

// UpdateProductPayload は関連ページをスクレイピングして商品要約を更新します。
type UpdateProductPayload struct {
	flow.StepState
	ProductID string `json:"productId"`
	ArticleID string `json:"articleId,omitempty"`
}

// ScreenshotPayload は商品ページのスクリーンショットを撮ります。
type ScreenshotPayload struct {
	ProductID string `json:"productId"`
	URL       string `json:"url,omitempty"`
}

// ScrapeWebsitePayload は1ページを取得して保存します。
type ScrapeWebsitePayload struct {
	ProductID string `json:"productId"`
	URL       string `json:"url"`
}

func (UpdateArticlePayload) queue() string   { return QueueUpdateArticle }
func (GenerateArticlePayload) queue() string { return QueueGenerateArticle }
func (UpdateProductPayload) queue() string   { return QueueUpdateProduct }
func (ScreenshotPayload) queue() string      { return QueueScreenshot }
func (ScrapeWebsitePayload) queue() string   { return QueueScrapeWebsite }

// DecodePayload はキュー名に応じた型でペイロードを展開します。
func DecodePayload(queue string, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch queue {
	case QueueUpdateArticle:
		var v UpdateArticlePayload
		err = json.Unmarshal(raw, &v)
		if err == nil && v.ArticleID == "" {
			err = fmt.Errorf("articleId is required")
		}
		p = &v
	case QueueGenerateArticle:
		var v GenerateArticlePayload
		err = json.Unmarshal(raw, &v)
		if err == nil && v.ArticleID == "" {
			err = fmt.Errorf("articleId is required")
		}
		p = &v
	case QueueUpdateProduct:
		var v UpdateProductPayload
		err = json.Unmarshal(raw, &v)
		if err == nil && v.ProductID == "" {
			err = fmt.Errorf("productId is required")
		}
		p = &v
	case QueueScreenshot:
		var v ScreenshotPayload
		err = json.Unmarshal(raw, &v)
		if err == nil && v.ProductID == "" {
			err = fmt.Errorf("productId is required")
		}
		p = &v
	case QueueScrapeWebsite:
		var v ScrapeWebsitePayload
		err = json.Unmarshal(raw, &v)
		if err == nil && (v.ProductID == "" || v.URL == "") {
			err = fmt.Errorf("productId and url are required")
		}
		p = &v
	default:
		return nil, fmt.Errorf("unknown queue %q", queue)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", queue, err)
	}
	return p, nil
}

// ジョブID。同じ記事・商品に対するフローは常に同じIDになります。

func UpdateArticleJobID(articleID string) string   { return "update-article-" + articleID }
func GenerateArticleJobID(articleID string) string { return "generate-article-" + articleID }
func UpdateProductJobID(productID string) string   { return "update-product-" + productID }
func ScreenshotJobID(productID string) string      { return "screenshot-" + productID }

// ScrapeJobID は商品とURLの組から決まるIDです。
func ScrapeJobID(productID, url string) string {
	return "scrape-" + productID + "-" + fetcher.URLHash(url)[:12]
}
