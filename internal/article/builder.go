package article

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/flow-forge/internal/content"
	"github.com/yourusername/flow-forge/internal/flow"
	"github.com/yourusername/flow-forge/internal/jobs"
)

var (
	// ErrArticleNotFound は記事が存在しない場合に返されます。
	ErrArticleNotFound = errors.New("article not found")
	// ErrProductNotFound は商品が存在しない場合に返されます。
	ErrProductNotFound = errors.New("product not found")
	// ErrNoProducts は紹介する商品がない記事に対して返されます。
	ErrNoProducts = errors.New("article has no products")
)

// Builder は記事・商品のフローを組み立てて投入します。
type Builder struct {
	producer *flow.Producer
	content  ContentStore
}

// NewBuilder は Builder を作成します。
func NewBuilder(producer *flow.Producer, store ContentStore) *Builder {
	return &Builder{producer: producer, content: store}
}

// ArticleFlow は記事1件分のフローを組み立てます。
func (b *Builder) ArticleFlow(ctx context.Context, articleID string) (flow.Node, error) {
	article, err := b.content.GetArticle(ctx, articleID)
	if err != nil {
		return flow.Node{}, err
	}
	if article == nil {
		return flow.Node{}, fmt.Errorf("%w: %s", ErrArticleNotFound, articleID)
	}
	products, err := b.content.ArticleProducts(ctx, articleID)
	if err != nil {
		return flow.Node{}, err
	}
	if len(products) == 0 {
		return flow.Node{}, fmt.Errorf("%w: %s", ErrNoProducts, articleID)
	}

	children := make([]flow.Node, 0, len(products))
	for _, p := range products {
		children = append(children, productNode(p, articleID))
	}
	return flow.Node{
		Queue:   QueueUpdateArticle,
		ID:      UpdateArticleJobID(articleID),
		Payload: UpdateArticlePayload{ArticleID: articleID},
		Children: []flow.Node{{
			Queue:    QueueGenerateArticle,
			ID:       GenerateArticleJobID(articleID),
			Payload:  GenerateArticlePayload{ArticleID: articleID},
			Opts:     jobs.Options{FailParentOnFailure: true},
			Children: children,
		}},
	}, nil
}

// productNode は update-product(P) -> screenshot(P) の部分木です。
func productNode(p *content.Product, articleID string) flow.Node {
	return flow.Node{
		Queue:   QueueUpdateProduct,
		ID:      UpdateProductJobID(p.ID),
		Payload: UpdateProductPayload{ProductID: p.ID, ArticleID: articleID},
		Opts:    jobs.Options{IgnoreDependencyOnFailure: true},
		Children: []flow.Node{{
			Queue:   QueueScreenshot,
			ID:      ScreenshotJobID(p.ID),
			Payload: ScreenshotPayload{ProductID: p.ID, URL: p.URL},
			Opts:    jobs.Options{IgnoreDependencyOnFailure: true},
		}},
	}
}

// SubmitArticle は記事のフローを投入し、記事を生成中にします。
// 同じ記事のフローが実行中であれば既存のルートを返します。
func (b *Builder) SubmitArticle(ctx context.Context, articleID string) (*flow.Tree, error) {
	root, err := b.ArticleFlow(ctx, articleID)
	if err != nil {
		return nil, err
	}
	tree, err := b.producer.Add(ctx, root, flow.AddOptions{Idempotent: true})
	if err != nil {
		return nil, err
	}
	if tree.Job.State != jobs.StateCompleted && tree.Job.State != jobs.StateFailed {
		if err := b.content.SetArticleStatus(ctx, articleID, content.ArticleGenerating, "", ""); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

// SubmitProducts は商品ごとに独立したフローをまとめて投入します。
func (b *Builder) SubmitProducts(ctx context.Context, productIDs []string) ([]*flow.Tree, error) {
	if len(productIDs) == 0 {
		return nil, fmt.Errorf("no products to extract")
	}
	seen := make(map[string]struct{}, len(productIDs))
	roots := make([]flow.Node, 0, len(productIDs))
	for _, id := range productIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		p, err := b.content.GetProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, id)
		}
		roots = append(roots, productNode(p, ""))
	}
	return b.producer.AddBulk(ctx, roots, flow.AddOptions{Idempotent: true})
}
