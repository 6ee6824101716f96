// Package browser drives Chrome through chromedp and exposes it as the frame-path
// browser the automation engine works against.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/portalbatch/internal/common"
	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
)

const (
	defaultStartupTimeout = 30 * time.Second
	closeTimeout          = 10 * time.Second
)

// Factory launches one Chrome instance per session
type Factory struct {
	config common.BrowserConfig
	logger arbor.ILogger
}

var _ interfaces.BrowserFactory = (*Factory)(nil)

// NewFactory creates a browser factory
func NewFactory(config common.BrowserConfig, logger arbor.ILogger) *Factory {
	return &Factory{config: config, logger: logger}
}

// allocatorOptions builds the exec allocator flags for config
func allocatorOptions(config common.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", config.Headless),
		chromedp.Flag("disable-gpu", config.DisableGPU),
		chromedp.Flag("no-sandbox", config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", config.IgnoreCertificateErrors),
		chromedp.Flag("disable-popup-blocking", true),
	)
	if config.WindowWidth > 0 && config.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(config.WindowWidth, config.WindowHeight))
	}
	if config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(config.UserAgent))
	}
	if config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(config.ExecPath))
	}
	return opts
}

// Launch starts Chrome and checks it answers before handing it out
func (f *Factory) Launch(ctx context.Context) (interfaces.Browser, error) {
	startTime := time.Now()

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(f.config)...)
	tabCtx, tabCancel := chromedp.NewContext(allocatorCtx)

	b := &Browser{
		tab:             tabCtx,
		tabCancel:       tabCancel,
		allocatorCancel: allocatorCancel,
		limiter:         newLimiter(f.config.ActionsPerSecond),
		logger:          f.logger,
	}

	// The first Run allocates the browser and must use the tab context itself
	if err := chromedp.Run(tabCtx); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	startup := common.MustDuration(f.config.StartupTimeout, defaultStartupTimeout)
	testCtx, testCancel := context.WithTimeout(ctx, startup)
	defer testCancel()

	// Run startup test
	runCtx, cancel := b.bind(testCtx)
	defer cancel()
	var title string
	if err := chromedp.Run(runCtx, chromedp.Navigate("about:blank"), chromedp.Title(&title)); err != nil {
		b.Close()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	f.logger.Debug().
		Bool("headless", f.config.Headless).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser launched")
	return b, nil
}

func newLimiter(actionsPerSecond float64) *rate.Limiter {
	if actionsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(actionsPerSecond), 1)
}

// Browser is one Chrome tab
type Browser struct {
	tab             context.Context
	tabCancel       context.CancelFunc
	allocatorCancel context.CancelFunc
	limiter         *rate.Limiter
	logger          arbor.ILogger

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

var _ interfaces.Browser = (*Browser)(nil)

// bind derives a context from the tab that also ends when ctx ends. Cancelling it
// aborts the running action without closing the tab.
func (b *Browser) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(b.tab)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		inner := cancel
		cancel = func() {
			cancelDeadline()
			inner()
		}
	}
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	if b.isClosed() {
		return fmt.Errorf("browser closed: %w", models.ErrSessionFailure)
	}
	runCtx, cancel := b.bind(ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// pace waits for the input limiter
func (b *Browser) pace(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Navigate loads url in the tab and waits for the load event
func (b *Browser) Navigate(ctx context.Context, url string) error {
	if err := b.pace(ctx); err != nil {
		return err
	}
	if err := b.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// URL returns the top-level location
func (b *Browser) URL(ctx context.Context) (string, error) {
	var location string
	if err := b.run(ctx, chromedp.Location(&location)); err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", evaluateError("location", err)
	}
	return location, nil
}

// Root returns the top-level document
func (b *Browser) Root(ctx context.Context) (interfaces.Document, error) {
	if b.isClosed() {
		return nil, fmt.Errorf("browser closed: %w", models.ErrSessionFailure)
	}
	return &Document{browser: b, path: models.FramePath{}}, nil
}

// Fingerprint hashes the URL and markup of every reachable frame
func (b *Browser) Fingerprint(ctx context.Context) (string, error) {
	res, err := b.call(ctx, request{Op: "fingerprint"})
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

// Screenshot captures the visible viewport as PNG
func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := b.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// HTML returns the top-level markup followed by each reachable frame's markup
func (b *Browser) HTML(ctx context.Context) (string, error) {
	res, err := b.call(ctx, request{Op: "dump"})
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

// SetDownloadDir routes downloads to dir, creating it if needed
func (b *Browser) SetDownloadDir(ctx context.Context, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return fmt.Errorf("failed to create download directory %s: %w", abs, err)
	}
	action := cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllow).
		WithDownloadPath(abs).
		WithEventsEnabled(true)
	if err := b.run(ctx, action); err != nil {
		return fmt.Errorf("failed to set download behavior: %w", err)
	}
	return nil
}

// Close shuts the tab and the Chrome process. Safe to call more than once.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := chromedp.Cancel(b.tab); err != nil {
				b.logger.Debug().Err(err).Msg("Graceful browser close failed")
			}
		}()
		select {
		case <-done:
		case <-time.After(closeTimeout):
			b.logger.Warn().Dur("timeout", closeTimeout).Msg("Browser close timed out")
		}
		b.tabCancel()
		b.allocatorCancel()
	})
	return nil
}

func (b *Browser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
