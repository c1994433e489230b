package syncer

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/feathernotes/feathersync/internal/provider"
)

const (
	// probeTimeout bounds the reachability check before a pass.
	probeTimeout = 5 * time.Second

	// driveProbeURL is the host probed for Drive reachability. The Drive
	// adapter has no user-supplied server URL to probe.
	driveProbeURL = "https://www.googleapis.com"
)

// Prober answers whether the provider host is reachable. The check is
// transport-level only; auth failures still count as reachable.
type Prober interface {
	Online(ctx context.Context, target string) bool
}

type httpProber struct {
	client *resty.Client
}

func newHTTPProber() *httpProber {
	return &httpProber{client: resty.New().SetTimeout(probeTimeout)}
}

// Online reports whether target answered at all. Any HTTP response means
// the network path works; only transport failures mean offline.
func (p *httpProber) Online(ctx context.Context, target string) bool {
	if target == "" {
		return false
	}

	_, err := p.client.R().SetContext(ctx).Head(target)

	return err == nil
}

// probeTarget picks the reachability URL for a provider.
func probeTarget(providerID string, cfg provider.Config) string {
	if providerID == provider.ProviderDrive {
		return driveProbeURL
	}

	return cfg.ServerURL
}
