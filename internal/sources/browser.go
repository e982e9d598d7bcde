package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// PageRunner loads a page and evaluates a script against it, decoding the
// script's return value into out.
type PageRunner interface {
	Evaluate(ctx context.Context, pageURL, waitSelector, script string, out interface{}) error
	Close()
}

// ChromeRunner drives a shared headless Chrome. Each call opens its own tab
// and at most `workers` tabs are live at once; callers block until a slot
// frees up or their context ends.
type ChromeRunner struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	slots       chan struct{}
	timeout     time.Duration
	logger      *zap.Logger
	closeOnce   sync.Once
}

// NewChromeRunner starts the browser lazily on first use. execPath may be
// empty to let chromedp find Chrome on PATH.
func NewChromeRunner(execPath string, workers int, logger *zap.Logger) *ChromeRunner {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(userAgent),
	)
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)
	return &ChromeRunner{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		browserStop: browserStop,
		slots:       make(chan struct{}, workers),
		timeout:     45 * time.Second,
		logger:      logger,
	}
}

func (r *ChromeRunner) Evaluate(ctx context.Context, pageURL, waitSelector, script string, out interface{}) error {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.slots }()

	tabCtx, tabCancel := chromedp.NewContext(r.browserCtx)
	defer tabCancel()
	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, r.timeout)
	defer timeoutCancel()

	// The tab outlives ctx's parent chain, so propagate cancellation by hand.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	started := time.Now()
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady(waitSelector, chromedp.ByQuery),
		chromedp.Evaluate(script, out),
	)
	r.logger.Debug("Browser page evaluated",
		zap.String("url", pageURL),
		zap.Duration("duration", time.Since(started)),
		zap.Error(err),
	)
	if err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	return nil
}

// Close shuts the browser down.
func (r *ChromeRunner) Close() {
	r.closeOnce.Do(func() {
		r.browserStop()
		r.allocCancel()
	})
}
