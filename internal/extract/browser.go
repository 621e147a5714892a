package extract

import (
	"context"
	"fmt"
	"sync"

	"autoposter/internal/domain"
	logx "autoposter/pkg/logx"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

type BrowserConfig struct {
	// RemoteURL is the DevTools websocket of an existing Chrome. Empty
	// launches a local headless instance on first use.
	RemoteURL string
	// Bin overrides the Chrome binary for local launches.
	Bin     string
	Stealth bool
}

// BrowserFetcher renders pages in headless Chrome, one tab per fetch.
// The browser is started lazily and reused.
type BrowserFetcher struct {
	cfg BrowserConfig
	log logx.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

func NewBrowserFetcher(cfg BrowserConfig, log logx.Logger) *BrowserFetcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &BrowserFetcher{cfg: cfg, log: log.With(logx.String("comp", "extract.browser"))}
}

func (b *BrowserFetcher) ensure() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).NoSandbox(true).
			Set("disable-blink-features", "AutomationControlled")
		if b.cfg.Bin != "" {
			l = l.Bin(b.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.log.Info("launched local chrome", logx.String("url", wsURL))
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		b.killLocked()
		return nil, fmt.Errorf("connect chrome: %w", err)
	}
	b.browser = br
	return br, nil
}

func (b *BrowserFetcher) newPage(br *rod.Browser) (*rod.Page, error) {
	if b.cfg.Stealth {
		return stealth.Page(br)
	}
	return br.Page(proto.TargetCreateTarget{})
}

func (b *BrowserFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	br, err := b.ensure()
	if err != nil {
		return nil, &domain.ExtractionError{Kind: domain.ExtractionNetwork, URL: url, Err: err}
	}
	page, err := b.newPage(br)
	if err != nil {
		// A dead browser is dropped so the next fetch relaunches it.
		b.reset()
		return nil, &domain.ExtractionError{Kind: domain.ExtractionNetwork, URL: url, Err: fmt.Errorf("open tab: %w", err)}
	}
	defer func() { _ = page.Close() }()

	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return nil, &domain.ExtractionError{Kind: kindFor(ctx), URL: url, Err: fmt.Errorf("navigate: %w", err)}
	}
	if err := p.WaitLoad(); err != nil {
		return nil, &domain.ExtractionError{Kind: kindFor(ctx), URL: url, Err: fmt.Errorf("wait load: %w", err)}
	}
	doc, err := p.HTML()
	if err != nil {
		return nil, &domain.ExtractionError{Kind: kindFor(ctx), URL: url, Err: fmt.Errorf("read dom: %w", err)}
	}
	return []byte(doc), nil
}

func kindFor(ctx context.Context) domain.ExtractionKind {
	if ctx.Err() != nil {
		return domain.ExtractionTimeout
	}
	return domain.ExtractionNetwork
}

func (b *BrowserFetcher) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		_ = b.browser.Close()
		b.browser = nil
	}
	b.killLocked()
}

func (b *BrowserFetcher) killLocked() {
	if b.lnch != nil {
		b.lnch.Kill()
		b.lnch = nil
	}
}

// Close shuts the browser down. A later Fetch starts a new one.
func (b *BrowserFetcher) Close() error {
	b.reset()
	return nil
}
