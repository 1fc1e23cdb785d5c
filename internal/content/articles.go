package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveArticle は記事を作成または更新し、紹介する商品の並びを置き換えます。
// 既存記事の本文と状態は変更しません。
func (s *Store) SaveArticle(ctx context.Context, a *Article) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("article id is required")
	}
	now := timestamp(time.Now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO articles (id, title, topic, status, body, created_at, updated_at)
             VALUES (?, ?, ?, ?, '', ?, ?)
             ON CONFLICT(id) DO UPDATE SET title = excluded.title, topic = excluded.topic, updated_at = excluded.updated_at`,
			a.ID, a.Title, a.Topic, ArticleDraft, now, now,
		)
		if err != nil {
			return fmt.Errorf("upsert article %s: %w", a.ID, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM article_products WHERE article_id = ?", a.ID); err != nil {
			return fmt.Errorf("clear article products: %w", err)
		}
		for i, pid := range a.ProductIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO article_products (article_id, product_id, position) VALUES (?, ?, ?)",
				a.ID, pid, i,
			); err != nil {
				return fmt.Errorf("link product %s to article %s: %w", pid, a.ID, err)
			}
		}
		return nil
	})
}

// GetArticle は記事を取得します。存在しない場合は nil, nil を返します。
func (s *Store) GetArticle(ctx context.Context, id string) (*Article, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, topic, status, body, error_message, created_at, updated_at
         FROM articles WHERE id = ?`, id)

	var (
		a                    Article
		errMsg               sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.Title, &a.Topic, &a.Status, &a.Body, &errMsg, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get article %s: %w", id, err)
	}
	a.ErrorMessage = errMsg.String
	a.CreatedAt = parseTimestamp(createdAt)
	a.UpdatedAt = parseTimestamp(updatedAt)

	rows, err := s.db.QueryContext(ctx,
		"SELECT product_id FROM article_products WHERE article_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("list article products: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("scan article product: %w", err)
		}
		a.ProductIDs = append(a.ProductIDs, pid)
	}
	return &a, rows.Err()
}

// SetArticleStatus は記事の状態を更新します。body が空の場合は本文を変更しません。
func (s *Store) SetArticleStatus(ctx context.Context, id string, status ArticleStatus, body, errMsg string) error {
	res, err := s.exec(ctx,
		`UPDATE articles SET status = ?, body = CASE WHEN ? = '' THEN body ELSE ? END,
             error_message = ?, updated_at = ? WHERE id = ?`,
		status, body, body, nullableString(errMsg), timestamp(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("update article %s: %w", id, err)
	}
	return requireRow(res, "article", id)
}

// ArticleProducts は記事で紹介する商品を掲載順に返します。
func (s *Store) ArticleProducts(ctx context.Context, articleID string) ([]*Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products p
         JOIN article_products ap ON ap.product_id = p.id
         WHERE ap.article_id = ? ORDER BY ap.position`, articleID)
	if err != nil {
		return nil, fmt.Errorf("list products of article %s: %w", articleID, err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}
