package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

//go:generate mockgen -destination=mock_prober_test.go -package=connectivity . Prober

// Prober performs one reachability check against target. A nil error
// means the target was reached. Probe must honor ctx cancellation.
type Prober interface {
	Probe(ctx context.Context, target string) error
}

// DialProber opens and immediately closes a connection to a host:port.
type DialProber struct {
	// Network defaults to "tcp".
	Network string
}

// Probe dials target.
func (p DialProber) Probe(ctx context.Context, target string) error {
	network := p.Network
	if network == "" {
		network = "tcp"
	}

	var d net.Dialer

	conn, err := d.DialContext(ctx, network, target)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", target, err)
	}

	return conn.Close()
}

// HTTPProber issues a HEAD request and treats any non-5xx response as
// reachable. Targets without a scheme are probed over https.
type HTTPProber struct {
	client *resty.Client
}

// NewHTTPProber returns an HTTPProber. A nil client gets a default one.
func NewHTTPProber(client *resty.Client) *HTTPProber {
	if client == nil {
		client = resty.New()
	}

	return &HTTPProber{client: client}
}

// Probe sends HEAD to target.
func (p *HTTPProber) Probe(ctx context.Context, target string) error {
	url := target
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Head(url)
	if err != nil {
		return fmt.Errorf("probing %s: %w", url, err)
	}

	if body := resp.RawBody(); body != nil {
		body.Close()
	}

	if resp.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("probing %s: http %d", url, resp.StatusCode())
	}

	return nil
}
