// Package minerapi is a small client for the HTTP API exposed by Bitaxe
// family miners (AxeOS firmware).
package minerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/HerbHall/miningops/internal/version"
)

// API paths served by AxeOS.
const (
	InfoPath    = "/api/system/info"
	MetricsPath = "/api/system/metrics"
)

// maxBody bounds how much of a response is read. AxeOS info documents are a
// few KiB.
const maxBody = 1 << 20

// Info is the identity subset of the info document used by discovery.
type Info struct {
	Model    string
	Hostname string
	Raw      map[string]any
}

// Client issues requests against miners on a fixed port. Timeouts are taken
// from the request context.
type Client struct {
	httpClient *http.Client
	port       int
}

// NewClient creates a client for miners listening on port (80 for stock
// firmware).
func NewClient(port int) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 1
	transport.IdleConnTimeout = 90 * time.Second
	transport.DisableCompression = true

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			// Miners never redirect; following one would leave the subnet.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		port: port,
	}
}

// URL returns the absolute URL of path on the miner at addr.
func (c *Client) URL(addr netip.Addr, path string) string {
	host := addr.String()
	if c.port != 80 {
		host = net.JoinHostPort(host, strconv.Itoa(c.port))
	}
	return "http://" + host + path
}

// Info fetches the info document and verifies that it identifies a miner
// by carrying both deviceModel and hashRate.
func (c *Client) Info(ctx context.Context, addr netip.Addr) (*Info, error) {
	doc, err := c.getJSON(ctx, addr, InfoPath)
	if err != nil {
		return nil, err
	}
	_, hasModel := doc["deviceModel"]
	_, hasHashrate := doc["hashRate"]
	if !hasModel || !hasHashrate {
		return nil, fmt.Errorf("%s: %w", addr, ErrNotMiner)
	}
	info := &Info{Raw: doc}
	info.Model, _ = doc["deviceModel"].(string)
	info.Hostname, _ = doc["hostname"].(string)
	return info, nil
}

// Metrics fetches the extended metrics document.
func (c *Client) Metrics(ctx context.Context, addr netip.Addr) (map[string]any, error) {
	return c.getJSON(ctx, addr, MetricsPath)
}

func (c *Client) getJSON(ctx context.Context, addr netip.Addr, path string) (map[string]any, error) {
	url := c.URL(addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: %w: %d", url, ErrUnexpectedStatus, resp.StatusCode)
	}

	var doc map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w: %v", url, ErrMalformedResponse, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decode %s: %w: not an object", url, ErrMalformedResponse)
	}
	return doc, nil
}
