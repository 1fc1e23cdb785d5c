package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const productColumns = "p.id, p.name, p.url, p.relevant_urls, p.summary, p.screenshot_path, p.created_at, p.updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*Product, error) {
	var (
		p                    Product
		urlsJSON             string
		screenshot           sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.URL, &urlsJSON, &p.Summary, &screenshot, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if urlsJSON != "" {
		if err := json.Unmarshal([]byte(urlsJSON), &p.RelevantURLs); err != nil {
			return nil, fmt.Errorf("decode relevant urls of %s: %w", p.ID, err)
		}
	}
	p.ScreenshotPath = screenshot.String
	p.CreatedAt = parseTimestamp(createdAt)
	p.UpdatedAt = parseTimestamp(updatedAt)
	return &p, nil
}

// SaveProduct は商品を作成または更新します。要約とスクリーンショットは保持されます。
func (s *Store) SaveProduct(ctx context.Context, p *Product) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("product id is required")
	}
	urls := p.RelevantURLs
	if urls == nil {
		urls = []string{}
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("marshal relevant urls: %w", err)
	}
	now := timestamp(time.Now())
	_, err = s.exec(ctx,
		`INSERT INTO products (id, name, url, relevant_urls, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET name = excluded.name, url = excluded.url,
             relevant_urls = excluded.relevant_urls, updated_at = excluded.updated_at`,
		p.ID, p.Name, p.URL, string(urlsJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", p.ID, err)
	}
	return nil
}

// GetProduct は商品を取得します。存在しない場合は nil, nil を返します。
func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+productColumns+" FROM products p WHERE p.id = ?", id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	return p, nil
}

// ListProducts は全商品を ID 順に返します。
func (s *Store) ListProducts(ctx context.Context) ([]*Product, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+productColumns+" FROM products p ORDER BY p.id")
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
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

// SetProductSummary は LLM が生成した要約を保存します。
func (s *Store) SetProductSummary(ctx context.Context, id, summary string) error {
	res, err := s.exec(ctx,
		"UPDATE products SET summary = ?, updated_at = ? WHERE id = ?",
		summary, timestamp(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update product summary %s: %w", id, err)
	}
	return requireRow(res, "product", id)
}

// SetProductScreenshot はスクリーンショットの保存先を記録します。
func (s *Store) SetProductScreenshot(ctx context.Context, id, path string) error {
	res, err := s.exec(ctx,
		"UPDATE products SET screenshot_path = ?, updated_at = ? WHERE id = ?",
		nullableString(path), timestamp(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update product screenshot %s: %w", id, err)
	}
	return requireRow(res, "product", id)
}

// SaveWebsite はスクレイピング結果を保存します。同じ商品と URL の組は上書きされます。
func (s *Store) SaveWebsite(ctx context.Context, w *Website) error {
	if w.FetchedAt.IsZero() {
		w.FetchedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO websites (product_id, url, title, markdown, fetched_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(product_id, url) DO UPDATE SET title = excluded.title,
             markdown = excluded.markdown, fetched_at = excluded.fetched_at`,
		w.ProductID, w.URL, w.Title, w.Markdown, timestamp(w.FetchedAt),
	)
	if err != nil {
		return fmt.Errorf("save website %s: %w", w.URL, err)
	}
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM websites WHERE product_id = ? AND url = ?", w.ProductID, w.URL,
	).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("read website id: %w", err)
	}
	return nil
}

// Websites は商品についてスクレイピング済みのページを URL 順に返します。
func (s *Store) Websites(ctx context.Context, productID string) ([]*Website, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, url, title, markdown, fetched_at
         FROM websites WHERE product_id = ? ORDER BY url`, productID)
	if err != nil {
		return nil, fmt.Errorf("list websites of %s: %w", productID, err)
	}
	defer rows.Close()

	var sites []*Website
	for rows.Next() {
		var (
			w         Website
			fetchedAt string
		)
		if err := rows.Scan(&w.ID, &w.ProductID, &w.URL, &w.Title, &w.Markdown, &fetchedAt); err != nil {
			return nil, fmt.Errorf("scan website: %w", err)
		}
		w.FetchedAt = parseTimestamp(fetchedAt)
		sites = append(sites, &w)
	}
	return sites, rows.Err()
}
