package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"uniapply-backend/internal/components/assert"
	"uniapply-backend/internal/components/telemetry"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	report_rod_launch  = "rod.launch"
	report_rod_dispose = "rod.dispose"
)

// ProxyDirect in PageOptions.Proxy opens a page without a proxy.
const ProxyDirect = "direct"

type RodConfig struct {
	// ControlURL connects to an already running browser instead of launching one.
	ControlURL string `json:"control_url"`
	Bin        string `json:"bin"`
	Headless   bool   `json:"headless"`
	NoSandbox  bool   `json:"no_sandbox"`
	// Proxies are handed out round-robin, one per page.
	Proxies []string `json:"proxies"`
}

// ValidateProxies rejects proxy urls chrome cannot use per browser context.
func ValidateProxies(proxies []string) error {
	for _, p := range proxies {
		u, err := url.Parse(p)
		if err != nil || u.Host == "" {
			return fmt.Errorf("proxy %q is not a url", p)
		}
		if u.User != nil {
			return fmt.Errorf("proxy %q carries credentials, chrome only accepts ip allowlisted proxies per context", u.Redacted())
		}
	}
	return nil
}

// RodDriver shares one chrome process between sessions, every page gets its
// own browser context so cookies and storage never cross sessions.
type RodDriver struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	tel      telemetry.API

	mu      sync.Mutex
	proxies []string
	next    int
}

func NewRodDriver(ctx context.Context, cfg RodConfig, tel telemetry.API) (*RodDriver, error) {
	assert.NotNil(tel, "telemetry")
	tel = telemetry.NewScopedAPI("browser", tel)

	err := ValidateProxies(cfg.Proxies)
	if err != nil {
		return nil, err
	}

	d := &RodDriver{tel: tel, proxies: cfg.Proxies}

	controlURL := cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().
			Headless(cfg.Headless).
			Set("disable-blink-features", "AutomationControlled").
			Set("lang", "en-GB")
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		if cfg.NoSandbox {
			l = l.NoSandbox(true)
		}
		controlURL, err = l.Launch()
		if err != nil {
			tel.ReportBroken(report_rod_launch, err)
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		d.launcher = l
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	err = browser.Connect()
	if err != nil {
		if d.launcher != nil {
			d.launcher.Kill()
		}
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	d.browser = browser
	return d, nil
}

func (d *RodDriver) nextProxy() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.proxies) == 0 {
		return ""
	}
	p := d.proxies[d.next%len(d.proxies)]
	d.next++
	return p
}

func (d *RodDriver) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	proxy := opts.Proxy
	switch proxy {
	case "":
		proxy = d.nextProxy()
	case ProxyDirect:
		proxy = ""
	}

	browser := d.browser.Context(ctx)
	bctx, err := proto.TargetCreateBrowserContext{
		DisposeOnDetach: true,
		ProxyServer:     proxy,
	}.Call(browser)
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	dispose := func() {
		err := proto.TargetDisposeBrowserContext{BrowserContextID: bctx.BrowserContextID}.Call(d.browser)
		if err != nil {
			d.tel.ReportWarning(report_rod_dispose, err)
		}
	}

	target, err := proto.TargetCreateTarget{
		URL:              "about:blank",
		BrowserContextID: bctx.BrowserContextID,
	}.Call(browser)
	if err != nil {
		dispose()
		return nil, fmt.Errorf("create target: %w", err)
	}
	page, err := d.browser.PageFromTarget(target.TargetID)
	if err != nil {
		dispose()
		return nil, fmt.Errorf("attach target: %w", err)
	}

	err = proto.EmulationSetDeviceMetricsOverride{
		Width:             1366,
		Height:            900,
		DeviceScaleFactor: 1,
	}.Call(page)
	if err != nil {
		d.tel.ReportWarning("rod.viewport", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &rodPage{page: page, timeout: timeout, dispose: dispose}, nil
}

func (d *RodDriver) Close() error {
	err := d.browser.Close()
	if d.launcher != nil {
		d.launcher.Kill()
	}
	return err
}

type rodPage struct {
	page    *rod.Page
	timeout time.Duration
	dispose func()
	once    sync.Once
}

// bounded returns the page bound to ctx and the page timeout.
func (p *rodPage) bounded(ctx context.Context) (*rod.Page, context.CancelFunc) {
	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	return p.page.Context(tctx), cancel
}

func notFound(ctx context.Context, selector string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, selector)
	}
	return err
}

func (p *rodPage) element(ctx context.Context, selector string) (*rod.Element, context.CancelFunc, error) {
	page, cancel := p.bounded(ctx)
	el, err := page.Element(selector)
	if err != nil {
		cancel()
		return nil, nil, notFound(ctx, selector, err)
	}
	return el, cancel, nil
}

func (p *rodPage) ApplyOverrides(ctx context.Context, o Overrides) error {
	page, cancel := p.bounded(ctx)
	defer cancel()

	_, err := page.EvalOnNewDocument(OverrideScript(o))
	if err != nil {
		return fmt.Errorf("override script: %w", err)
	}
	err = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      o.UserAgent,
		AcceptLanguage: o.AcceptLanguage,
		Platform:       o.Platform,
	})
	if err != nil {
		return fmt.Errorf("user agent override: %w", err)
	}
	return nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page, cancel := p.bounded(ctx)
	defer cancel()

	err := page.Navigate(url)
	if err != nil {
		return err
	}
	return page.WaitLoad()
}

func (p *rodPage) Fill(ctx context.Context, selector, value string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()

	err = el.SelectAllText()
	if err != nil {
		return err
	}
	return el.Input(value)
}

func (p *rodPage) Select(ctx context.Context, selector, value string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	return el.Select([]string{value}, true, rod.SelectorTypeText)
}

func (p *rodPage) Check(ctx context.Context, selector string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()

	res, err := el.Eval(`() => this.checked`)
	if err != nil {
		return err
	}
	if res.Value.Bool() {
		return nil
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Advance(ctx context.Context, selector string) error {
	err := p.Click(ctx, selector)
	if err != nil {
		return err
	}
	page, cancel := p.bounded(ctx)
	defer cancel()
	return page.WaitStable(500 * time.Millisecond)
}

func (p *rodPage) WaitVisible(ctx context.Context, selector string) error {
	el, cancel, err := p.element(ctx, selector)
	if err != nil {
		return err
	}
	defer cancel()
	return notFound(ctx, selector, el.WaitVisible())
}

func (p *rodPage) Has(ctx context.Context, selector string) (bool, error) {
	page, cancel := p.bounded(ctx)
	defer cancel()
	has, _, err := page.Has(selector)
	return has, err
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	page, cancel := p.bounded(ctx)
	defer cancel()
	return page.HTML()
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	page, cancel := p.bounded(ctx)
	defer cancel()
	info, err := page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	page, cancel := p.bounded(ctx)
	defer cancel()
	return page.Screenshot(true, nil)
}

func (p *rodPage) Close() error {
	var err error
	p.once.Do(func() {
		err = p.page.Close()
		p.dispose()
	})
	if err != nil && strings.Contains(err.Error(), "No target with given id") {
		return nil
	}
	return err
}
