package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// Screenshotter はヘッドレス Chrome でページ全体のスクリーンショットを撮ります。
type Screenshotter struct {
	execPath string
	timeout  time.Duration
	quality  int
	logger   zerolog.Logger
}

// NewScreenshotter は Screenshotter を作成します。execPath が空なら Chrome を自動検出します。
func NewScreenshotter(execPath string, timeout time.Duration, logger zerolog.Logger) *Screenshotter {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Screenshotter{execPath: execPath, timeout: timeout, quality: 100, logger: logger}
}

// Capture は rawURL を開いて PNG を返します（quality 100 未満では JPEG になる）。ブラウザは呼び出しごとに起動します。
func (s *Screenshotter) Capture(ctx context.Context, rawURL string) ([]byte, error) {
	target, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1280, 800),
		chromedp.UserAgent(userAgent),
	)
	if s.execPath != "" {
		opts = append(opts, chromedp.ExecPath(s.execPath))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	start := time.Now()
	var buf []byte
	if err := chromedp.Run(browserCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.FullScreenshot(&buf, s.quality),
	); err != nil {
		return nil, fmt.Errorf("capture %s: %w", target, err)
	}

	s.logger.Debug().
		Str("url", target).
		Int("bytes", len(buf)).
		Dur("elapsed", time.Since(start)).
		Msg("screenshot captured")
	return buf, nil
}
