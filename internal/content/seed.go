package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile は YAML で記述した初期データです。
//
//	products:
//	  - id: p1
//	    name: Example
//	    url: https://example.com
//	    relevantUrls: [https://example.com/features]
//	articles:
//	  - id: a1
//	    title: Best tools
//	    products: [p1]
type SeedFile struct {
	Products []Product `yaml:"products"`
	Articles []Article `yaml:"articles"`
}

// SeedResult は投入件数です。
type SeedResult struct {
	Products int
	Articles int
}

// Seed は r から YAML を読み込み、商品、記事の順に保存します。
func (s *Store) Seed(ctx context.Context, r io.Reader) (SeedResult, error) {
	var file SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return SeedResult{}, fmt.Errorf("decode seed file: %w", err)
	}

	var res SeedResult
	for i := range file.Products {
		if err := s.SaveProduct(ctx, &file.Products[i]); err != nil {
			return res, err
		}
		res.Products++
	}
	for i := range file.Articles {
		if err := s.SaveArticle(ctx, &file.Articles[i]); err != nil {
			return res, err
		}
		res.Articles++
	}
	return res, nil
}

// SeedPath は path の YAML ファイルを Seed します。
func (s *Store) SeedPath(ctx context.Context, path string) (SeedResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return SeedResult{}, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return s.Seed(ctx, f)
}
