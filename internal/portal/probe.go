package portal

import (
	"context"
	"fmt"
	"time"

	"uniapply-backend/internal/components/assert"
	"uniapply-backend/internal/components/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const report_prober_probe = "prober.probe"

// ProbeError is returned when a portal answered but not with 2xx/3xx.
type ProbeError struct {
	Portal string
	Status int
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("portal %s answered with status %d", e.Portal, e.Status)
}

// Prober checks that a portal is reachable before a browser slot is spent on it.
type Prober struct {
	http *resty.Client
	tel  telemetry.API
}

type ProberOption func(p *resty.Client)

// WithProbeTimeout overrides the default 15 second timeout.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(c *resty.Client) {
		c.SetTimeout(d)
	}
}

func NewProber(tel telemetry.API, opts ...ProberOption) Prober {
	assert.NotNil(tel, "telemetry")
	tel = telemetry.NewScopedAPI("portal", tel)

	client := resty.New()
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	client.SetHeader("accept-language", "en-GB,en;q=0.9")
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	client.SetTimeout(15 * time.Second)

	// probes are cheap but portals are not ours, keep it polite
	rateLimiter := rate.NewLimiter(2, 2)
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})
	for _, opt := range opts {
		opt(client)
	}

	telemetry.InstrumentResty(client, tel)

	return Prober{http: client, tel: tel}
}

// Probe GETs the portal login page, any 2xx or 3xx answer counts as reachable.
func (p Prober) Probe(ctx context.Context, def Definition) error {
	target, err := def.URL(def.LoginPath)
	if err != nil {
		return err
	}
	res, err := p.http.R().SetContext(ctx).Get(target)
	if err != nil {
		return fmt.Errorf("probe %s: %w", def.ID, err)
	}
	if res.StatusCode() >= 400 {
		err := &ProbeError{Portal: def.ID, Status: res.StatusCode()}
		p.tel.ReportWarning(report_prober_probe, err)
		return err
	}
	return nil
}
