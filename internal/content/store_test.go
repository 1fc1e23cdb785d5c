package content

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "data", "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

const seedYAML = `
products:
  - id: p1
    name: Alpha
    url: https://alpha.example
    relevantUrls:
      - https://alpha.example/features
      - https://alpha.example/pricing
  - id: p2
    name: Beta
    url: https://beta.example
articles:
  - id: a1
    title: Best tools
    topic: productivity
    products: [p2, p1]
`

func TestSeedAndReadBack(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	res, err := store.Seed(ctx, strings.NewReader(seedYAML))
	require.NoError(t, err)
	assert.Equal(t, SeedResult{Products: 2, Articles: 1}, res)

	article, err := store.GetArticle(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, article)
	assert.Equal(t, "Best tools", article.Title)
	assert.Equal(t, ArticleDraft, article.Status)
	assert.Equal(t, []string{"p2", "p1"}, article.ProductIDs)

	products, err := store.ArticleProducts(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "p2", products[0].ID)
	assert.Empty(t, products[0].RelevantURLs)
	assert.Equal(t, []string{"https://alpha.example/features", "https://alpha.example/pricing"}, products[1].RelevantURLs)

	all, err := store.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSeedRejectsUnknownFields(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Seed(context.Background(), strings.NewReader("products:\n  - id: p1\n    price: 3\n"))
	assert.Error(t, err)
}

func TestMissingRowsReturnNil(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	article, err := store.GetArticle(ctx, "none")
	require.NoError(t, err)
	assert.Nil(t, article)

	product, err := store.GetProduct(ctx, "none")
	require.NoError(t, err)
	assert.Nil(t, product)

	assert.ErrorIs(t, store.SetProductSummary(ctx, "none", "x"), ErrNotFound)
	assert.ErrorIs(t, store.SetArticleStatus(ctx, "none", ArticleReady, "", ""), ErrNotFound)
}

func TestArticleStatusKeepsBodyWhenEmpty(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveArticle(ctx, &Article{ID: "a", Title: "T"}))

	require.NoError(t, store.SetArticleStatus(ctx, "a", ArticleReady, "# Body", ""))
	require.NoError(t, store.SetArticleStatus(ctx, "a", ArticleFailed, "", "llm refused"))

	article, err := store.GetArticle(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, ArticleFailed, article.Status)
	assert.Equal(t, "# Body", article.Body)
	assert.Equal(t, "llm refused", article.ErrorMessage)

	// 再保存しても本文と状態は残る
	require.NoError(t, store.SaveArticle(ctx, &Article{ID: "a", Title: "T2"}))
	article, err = store.GetArticle(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "T2", article.Title)
	assert.Equal(t, ArticleFailed, article.Status)
	assert.Equal(t, "# Body", article.Body)
}

func TestProductUpdatesAndWebsites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveProduct(ctx, &Product{ID: "p", Name: "P"}))
	require.NoError(t, store.SetProductSummary(ctx, "p", "summary"))
	require.NoError(t, store.SetProductScreenshot(ctx, "p", "screenshots/p.png"))

	// 再保存しても要約は保持される
	require.NoError(t, store.SaveProduct(ctx, &Product{ID: "p", Name: "P2"}))
	p, err := store.GetProduct(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "P2", p.Name)
	assert.Equal(t, "summary", p.Summary)
	assert.Equal(t, "screenshots/p.png", p.ScreenshotPath)

	w := &Website{ProductID: "p", URL: "https://b.example", Title: "B", Markdown: "one"}
	require.NoError(t, store.SaveWebsite(ctx, w))
	firstID := w.ID
	require.NoError(t, store.SaveWebsite(ctx, &Website{ProductID: "p", URL: "https://a.example", Markdown: "a"}))
	again := &Website{ProductID: "p", URL: "https://b.example", Title: "B", Markdown: "two"}
	require.NoError(t, store.SaveWebsite(ctx, again))
	assert.Equal(t, firstID, again.ID)

	sites, err := store.Websites(ctx, "p")
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "https://a.example", sites[0].URL)
	assert.Equal(t, "two", sites[1].Markdown)
	assert.False(t, sites[1].FetchedAt.IsZero())
}

func TestWebsiteRequiresProduct(t *testing.T) {
	store := openTestStore(t)
	err := store.SaveWebsite(context.Background(), &Website{ProductID: "ghost", URL: "https://x.example"})
	assert.Error(t, err)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveProduct(context.Background(), &Product{ID: "p", Name: "P"}))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	p, err := store.GetProduct(context.Background(), "p")
	require.NoError(t, err)
	require.NotNil(t, p)
}
