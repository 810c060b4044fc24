// Package browser is the page surface sessions drive, with a go-rod
// implementation and a recording fake in browsertest.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned (wrapped) when a selector matches nothing within the
// page timeout.
var ErrNotFound = errors.New("selector not found")

// Overrides are the page properties applied before the first navigation.
type Overrides struct {
	UserAgent      string
	AcceptLanguage string
	Languages      []string
	Platform       string
}

// DefaultOverrides passes for a desktop Chrome with a British locale.
var DefaultOverrides = Overrides{
	UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	AcceptLanguage: "en-GB,en;q=0.9",
	Languages:      []string{"en-GB", "en"},
	Platform:       "Win32",
}

// Page is one isolated tab, every blocking call honours ctx and the page
// timeout it was opened with.
type Page interface {
	// ApplyOverrides must be called before the first Navigate, the overrides
	// only apply to documents loaded afterwards.
	ApplyOverrides(ctx context.Context, o Overrides) error
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Select(ctx context.Context, selector, value string) error
	Check(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	// Advance clicks selector and waits for the resulting page to settle.
	Advance(ctx context.Context, selector string) error
	WaitVisible(ctx context.Context, selector string) error
	// Has reports whether selector matches right now, it does not wait.
	Has(ctx context.Context, selector string) (bool, error)
	HTML(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

type PageOptions struct {
	// Proxy overrides the driver's proxy pool for this page, "direct" disables it.
	Proxy   string
	Timeout time.Duration
}

// Driver opens isolated pages, pages opened by one driver share nothing but
// the browser process.
type Driver interface {
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	Close() error
}

func jsStringList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

// OverrideScript is evaluated on every new document before any page script.
func OverrideScript(o Overrides) string {
	languages := o.Languages
	if len(languages) == 0 {
		languages = DefaultOverrides.Languages
	}
	platform := o.Platform
	if platform == "" {
		platform = DefaultOverrides.Platform
	}
	return fmt.Sprintf(`(() => {
	const define = (obj, prop, value) => {
		try {
			Object.defineProperty(obj, prop, { get: () => value, configurable: true });
		} catch (e) {}
	};
	define(Navigator.prototype, "webdriver", undefined);
	define(Navigator.prototype, "languages", Object.freeze(%s));
	define(Navigator.prototype, "language", %q);
	define(Navigator.prototype, "platform", %q);
	define(Navigator.prototype, "plugins", [1, 2, 3, 4, 5]);
	define(Navigator.prototype, "hardwareConcurrency", 8);
	if (!window.chrome) {
		window.chrome = { runtime: {} };
	}
	const query = window.navigator.permissions && window.navigator.permissions.query;
	if (query) {
		window.navigator.permissions.query = (p) =>
			p && p.name === "notifications"
				? Promise.resolve({ state: Notification.permission })
				: query.call(window.navigator.permissions, p);
	}
})();`, jsStringList(languages), languages[0], platform)
}
