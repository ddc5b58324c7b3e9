package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	xproxy "golang.org/x/net/proxy"
)

// TransportConfig tunes the per-node transport. Zero values use defaults.
type TransportConfig struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	MaxIdleConnsPerHost   int
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ResponseHeaderTimeout <= 0 {
		c.ResponseHeaderTimeout = 20 * time.Second
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 8
	}
	return c
}

// NewClient builds an HTTP client egressing through address. Supported forms:
// "direct" (no proxy), http://host:port, https://host:port, and
// socks5://[user:pass@]host:port. A bare host:port is treated as http.
func NewClient(address string, cfg TransportConfig) (*http.Client, error) {
	cfg = cfg.withDefaults()
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}

	value := strings.TrimSpace(address)
	if value != "" && value != DirectAddress {
		if !strings.Contains(value, "://") {
			value = "http://" + value
		}
		parsed, err := url.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("parse proxy address: %w", err)
		}
		if parsed.Host == "" {
			return nil, fmt.Errorf("proxy address %q has no host", redactAddress(address))
		}
		switch strings.ToLower(parsed.Scheme) {
		case "http", "https":
			transport.Proxy = http.ProxyURL(parsed)
		case "socks5", "socks5h":
			socks, err := xproxy.FromURL(parsed, dialer)
			if err != nil {
				return nil, fmt.Errorf("socks5 dialer: %w", err)
			}
			contextDialer, ok := socks.(xproxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks5 dialer for %q does not support contexts", redactAddress(address))
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return contextDialer.DialContext(ctx, network, addr)
			}
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
		}
	}

	return &http.Client{Transport: otelhttp.NewTransport(transport)}, nil
}

// redactAddress hides proxy credentials for logs, metrics and snapshots.
func redactAddress(address string) string {
	if !strings.Contains(address, "@") || !strings.Contains(address, "://") {
		return address
	}
	parsed, err := url.Parse(address)
	if err != nil || parsed.User == nil {
		return address
	}
	parsed.User = url.User("***")
	return parsed.String()
}
