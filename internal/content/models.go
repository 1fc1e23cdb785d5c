package content

import "time"

// ArticleStatus は記事生成の進行状況です。
type ArticleStatus string

const (
	ArticleDraft      ArticleStatus = "draft"
	ArticleGenerating ArticleStatus = "generating"
	ArticleReady      ArticleStatus = "ready"
	ArticleFailed     ArticleStatus = "failed"
)

// Article は商品紹介記事です。
type Article struct {
	ID           string        `json:"id" yaml:"id"`
	Title        string        `json:"title" yaml:"title"`
	Topic        string        `json:"topic" yaml:"topic"`
	Status       ArticleStatus `json:"status" yaml:"-"`
	Body         string        `json:"body,omitempty" yaml:"-"`
	ErrorMessage string        `json:"errorMessage,omitempty" yaml:"-"`
	ProductIDs   []string      `json:"productIds" yaml:"products"`
	CreatedAt    time.Time     `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time     `json:"updatedAt" yaml:"-"`
}

// Product は記事で紹介する商品です。RelevantURLs はスクレイピング対象のページです。
type Product struct {
	ID             string    `json:"id" yaml:"id"`
	Name           string    `json:"name" yaml:"name"`
	URL            string    `json:"url" yaml:"url"`
	RelevantURLs   []string  `json:"relevantUrls" yaml:"relevantUrls"`
	Summary        string    `json:"summary,omitempty" yaml:"-"`
	ScreenshotPath string    `json:"screenshotPath,omitempty" yaml:"-"`
	CreatedAt      time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt      time.Time `json:"updatedAt" yaml:"-"`
}

// Website はスクレイピングしたページの Markdown です。
type Website struct {
	ID        int64     `json:"id"`
	ProductID string    `json:"productId"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Markdown  string    `json:"markdown"`
	FetchedAt time.Time `json:"fetchedAt"`
}
