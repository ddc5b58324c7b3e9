package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var errInvalidSeed = errors.New("invalid seed range")

type seedOptions struct {
	Host     string
	FromPort int
	Count    int
	Scheme   string
}

func seedAddresses(opts seedOptions) ([]string, error) {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		return nil, fmt.Errorf("%w: host is required", errInvalidSeed)
	}
	scheme := strings.ToLower(strings.TrimSpace(opts.Scheme))
	switch scheme {
	case "http", "https", "socks5":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", errInvalidSeed, opts.Scheme)
	}
	if opts.Count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", errInvalidSeed)
	}
	if opts.FromPort <= 0 || opts.FromPort+opts.Count-1 > 65535 {
		return nil, fmt.Errorf("%w: ports %d..%d out of range", errInvalidSeed, opts.FromPort, opts.FromPort+opts.Count-1)
	}

	addresses := make([]string, 0, opts.Count)
	for port := opts.FromPort; port < opts.FromPort+opts.Count; port++ {
		addresses = append(addresses, scheme+"://"+net.JoinHostPort(host, strconv.Itoa(port)))
	}
	return addresses, nil
}
