// Package proxy owns the pool of outbound egress points used for every
// upstream archive request. Each node tracks its own health; callers lease
// the healthiest eligible node and report how the request went.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"archivestream/searchservice/internal/domain"
	"archivestream/searchservice/internal/metrics"
)

const (
	// DirectAddress is the local egress used when no proxy is configured.
	DirectAddress = "direct"

	defaultPerNodeLimit     = 3
	defaultPenalty          = 5 * time.Second
	defaultRateLimitPenalty = 30 * time.Second
	defaultRefreshInterval  = 5 * time.Minute
	maxPenaltyMultiplier    = 5
	failureScoreWeight      = 10
)

var ErrClosed = errors.New("proxy rotator closed")

// AddressSource is the durable list of proxy addresses.
type AddressSource interface {
	ListActiveProxyAddresses(ctx context.Context) ([]string, error)
}

// Node is a leased egress point. Health fields are guarded by the owning
// Rotator and must not be read directly by callers.
type Node struct {
	address string
	client  *http.Client

	activeRequests int
	failureCount   int
	cooldownUntil  time.Time
	totalSuccess   int64
	totalFail      int64
	retired        bool
	lastLease      uint64
}

func (n *Node) Address() string { return n.address }

// Client returns the HTTP client whose transport egresses through this node.
func (n *Node) Client() *http.Client { return n.client }

type waiter struct {
	ch chan *Node
}

type Rotator struct {
	mu       sync.Mutex
	nodes    []*Node
	byAddr   map[string]*Node
	waiters  []*waiter
	timer    *time.Timer
	timerAt  time.Time
	leaseSeq uint64
	closed   bool

	source           AddressSource
	perNodeLimit     int
	penalty          time.Duration
	rateLimitPenalty time.Duration
	refreshInterval  time.Duration
	defaultAddress   string
	newClient        func(address string) (*http.Client, error)
	now              func() time.Time
	logger           *slog.Logger
}

type Option func(*Rotator)

func WithPerNodeLimit(limit int) Option {
	return func(r *Rotator) {
		if limit > 0 {
			r.perNodeLimit = limit
		}
	}
}

// WithPenalties sets the base cooldown for generic failures and for HTTP 429.
func WithPenalties(generic, rateLimited time.Duration) Option {
	return func(r *Rotator) {
		if generic > 0 {
			r.penalty = generic
		}
		if rateLimited > 0 {
			r.rateLimitPenalty = rateLimited
		}
	}
}

func WithRefreshInterval(interval time.Duration) Option {
	return func(r *Rotator) {
		if interval > 0 {
			r.refreshInterval = interval
		}
	}
}

func WithDefaultAddress(address string) Option {
	return func(r *Rotator) {
		if value := strings.TrimSpace(address); value != "" {
			r.defaultAddress = value
		}
	}
}

// WithClientFactory replaces how a node's HTTP client is built from its
// address.
func WithClientFactory(factory func(address string) (*http.Client, error)) Option {
	return func(r *Rotator) {
		if factory != nil {
			r.newClient = factory
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Rotator) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Rotator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRotator builds an empty pool. Call Load, Refresh or Run to populate it.
func NewRotator(source AddressSource, opts ...Option) *Rotator {
	r := &Rotator{
		byAddr:           make(map[string]*Node),
		source:           source,
		perNodeLimit:     defaultPerNodeLimit,
		penalty:          defaultPenalty,
		rateLimitPenalty: defaultRateLimitPenalty,
		refreshInterval:  defaultRefreshInterval,
		defaultAddress:   DirectAddress,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.newClient == nil {
		r.newClient = func(address string) (*http.Client, error) {
			return NewClient(address, TransportConfig{})
		}
	}
	return r
}

// Acquire blocks until a node is eligible and leases it. Requests are served
// first-come first-served.
func (r *Rotator) Acquire(ctx context.Context) (*Node, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if len(r.waiters) == 0 {
		if node := r.pickLocked(r.now()); node != nil {
			r.leaseLocked(node)
			r.mu.Unlock()
			return node, nil
		}
	}
	w := &waiter{ch: make(chan *Node, 1)}
	r.waiters = append(r.waiters, w)
	metrics.ProxyWaiters.Set(float64(len(r.waiters)))
	r.processLocked()
	r.mu.Unlock()

	select {
	case node, ok := <-w.ch:
		if !ok {
			return nil, ErrClosed
		}
		return node, nil
	case <-ctx.Done():
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.removeWaiterLocked(w) {
			return nil, ctx.Err()
		}
		// Handed a node concurrently with cancellation; give it back.
		if node, ok := <-w.ch; ok && node != nil {
			r.releaseLocked(node)
			r.processLocked()
		}
		return nil, ctx.Err()
	}
}

// Release returns a lease taken by Acquire.
func (r *Rotator) Release(node *Node) {
	if node == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(node)
	r.processLocked()
}

// ReportSuccess decays the node's failure counter by one.
func (r *Rotator) ReportSuccess(node *Node) {
	if node == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if node.failureCount > 0 {
		node.failureCount--
	}
	node.totalSuccess++
	r.observeLocked(node)
	r.processLocked()
}

// ReportFailure punishes the node with a cooldown scaled by its failure
// count (capped at 5x). Rate-limited failures use the longer base penalty.
func (r *Rotator) ReportFailure(node *Node, rateLimited bool) {
	if node == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	node.failureCount++
	node.totalFail++
	node.cooldownUntil = r.now().Add(r.cooldownFor(node.failureCount, rateLimited))
	r.observeLocked(node)
	r.processLocked()
}

func (r *Rotator) cooldownFor(failures int, rateLimited bool) time.Duration {
	base := r.penalty
	if rateLimited {
		base = r.rateLimitPenalty
	}
	multiplier := failures
	if multiplier > maxPenaltyMultiplier {
		multiplier = maxPenaltyMultiplier
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return base * time.Duration(multiplier)
}

// Load replaces pool membership with addresses, keeping in-memory health for
// addresses already known. Nodes missing from the list are dropped at once
// when idle, or retired and dropped on their last Release otherwise. A list
// with no usable address falls back to the default egress.
func (r *Rotator) Load(addresses []string) {
	requested := dedupeAddresses(addresses)
	built := make(map[string]*Node, len(requested))
	wanted := r.usableAddresses(requested, built)
	if len(wanted) == 0 {
		if len(requested) > 0 {
			r.logger.Warn("no usable proxy address, using default egress",
				slog.Int("rejected", len(requested)),
				slog.String("default", redactAddress(r.defaultAddress)),
			)
		}
		wanted = r.usableAddresses([]string{r.defaultAddress}, built)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	keep := make(map[string]struct{}, len(wanted))
	next := make([]*Node, 0, len(wanted))
	for _, address := range wanted {
		node, ok := r.byAddr[address]
		if !ok {
			node, ok = built[address]
			if !ok {
				continue
			}
			r.byAddr[address] = node
		}
		node.retired = false
		keep[address] = struct{}{}
		next = append(next, node)
	}
	for _, node := range r.nodes {
		if _, ok := keep[node.address]; ok {
			continue
		}
		if node.activeRequests > 0 {
			node.retired = true
			next = append(next, node)
			continue
		}
		r.dropLocked(node)
	}
	r.nodes = next
	for _, node := range r.nodes {
		r.observeLocked(node)
	}
	r.processLocked()
}

// usableAddresses returns the addresses that are already pooled or that get
// a client, storing new nodes in built.
func (r *Rotator) usableAddresses(addresses []string, built map[string]*Node) []string {
	usable := make([]string, 0, len(addresses))
	for _, address := range addresses {
		r.mu.Lock()
		_, known := r.byAddr[address]
		r.mu.Unlock()
		if known {
			usable = append(usable, address)
			continue
		}
		client, err := r.newClient(address)
		if err != nil {
			r.logger.Warn("proxy address rejected",
				slog.String("address", redactAddress(address)),
				slog.String("error", err.Error()),
			)
			continue
		}
		built[address] = &Node{address: address, client: client}
		usable = append(usable, address)
	}
	return usable
}

// Refresh reloads the pool from the durable address list. A failing source
// keeps the current pool, or the default egress when the pool is empty.
func (r *Rotator) Refresh(ctx context.Context) error {
	if r.source == nil {
		r.mu.Lock()
		empty := len(r.nodes) == 0
		r.mu.Unlock()
		if empty {
			r.Load(nil)
		}
		return nil
	}
	addresses, err := r.source.ListActiveProxyAddresses(ctx)
	if err != nil {
		r.mu.Lock()
		empty := len(r.nodes) == 0
		r.mu.Unlock()
		if empty {
			r.Load(nil)
		}
		return err
	}
	r.Load(addresses)
	return nil
}

// Run refreshes immediately and then on every refresh interval until ctx is
// done.
func (r *Rotator) Run(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("proxy pool refresh failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("proxy pool refresh failed", slog.String("error", err.Error()))
				continue
			}
			r.logger.Debug("proxy pool refreshed", slog.Int("nodes", r.Size()))
		}
	}
}

// Close fails every pending and future Acquire.
func (r *Rotator) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, w := range r.waiters {
		close(w.ch)
	}
	r.waiters = nil
	metrics.ProxyWaiters.Set(0)
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Rotator) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

func (r *Rotator) Snapshot() []domain.ProxyNodeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	items := make([]domain.ProxyNodeStatus, 0, len(r.nodes))
	for _, node := range r.nodes {
		item := domain.ProxyNodeStatus{
			Address:        redactAddress(node.address),
			ActiveRequests: node.activeRequests,
			FailureCount:   node.failureCount,
			TotalSuccess:   node.totalSuccess,
			TotalFail:      node.totalFail,
			Retired:        node.retired,
		}
		if node.cooldownUntil.After(now) {
			until := node.cooldownUntil
			item.CooldownUntil = &until
		}
		items = append(items, item)
	}
	return items
}

// pickLocked returns the eligible node with the lowest
// failureCount*10+activeRequests score, preferring the least recently leased
// node on ties.
func (r *Rotator) pickLocked(now time.Time) *Node {
	var best *Node
	bestScore := 0
	for _, node := range r.nodes {
		if node.retired || node.cooldownUntil.After(now) || node.activeRequests >= r.perNodeLimit {
			continue
		}
		score := node.failureCount*failureScoreWeight + node.activeRequests
		if best == nil || score < bestScore || (score == bestScore && node.lastLease < best.lastLease) {
			best = node
			bestScore = score
		}
	}
	return best
}

func (r *Rotator) leaseLocked(node *Node) {
	r.leaseSeq++
	node.lastLease = r.leaseSeq
	node.activeRequests++
	r.observeLocked(node)
}

func (r *Rotator) releaseLocked(node *Node) {
	if node.activeRequests > 0 {
		node.activeRequests--
	}
	r.observeLocked(node)
	if node.retired && node.activeRequests == 0 {
		r.dropLocked(node)
		for i, candidate := range r.nodes {
			if candidate == node {
				r.nodes = append(r.nodes[:i], r.nodes[i+1:]...)
				break
			}
		}
	}
}

func (r *Rotator) dropLocked(node *Node) {
	if current, ok := r.byAddr[node.address]; ok && current == node {
		delete(r.byAddr, node.address)
	}
	label := redactAddress(node.address)
	metrics.ProxyActiveRequests.DeleteLabelValues(label)
	metrics.ProxyFailureCount.DeleteLabelValues(label)
}

// processLocked hands eligible nodes to waiters in arrival order and, while
// anyone is still waiting, arms a timer for the earliest cooldown expiry.
func (r *Rotator) processLocked() {
	if r.closed {
		return
	}
	now := r.now()
	for len(r.waiters) > 0 {
		node := r.pickLocked(now)
		if node == nil {
			break
		}
		r.leaseLocked(node)
		w := r.waiters[0]
		r.waiters[0] = nil
		r.waiters = r.waiters[1:]
		w.ch <- node
	}
	metrics.ProxyWaiters.Set(float64(len(r.waiters)))
	if len(r.waiters) == 0 {
		return
	}
	r.armTimerLocked(now)
}

func (r *Rotator) armTimerLocked(now time.Time) {
	var earliest time.Time
	for _, node := range r.nodes {
		if node.retired || !node.cooldownUntil.After(now) {
			continue
		}
		if earliest.IsZero() || node.cooldownUntil.Before(earliest) {
			earliest = node.cooldownUntil
		}
	}
	if earliest.IsZero() {
		return
	}
	if r.timer != nil {
		if r.timerAt.Equal(earliest) {
			return
		}
		r.timer.Stop()
	}
	r.timerAt = earliest
	r.timer = time.AfterFunc(earliest.Sub(now), func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.timer = nil
		r.timerAt = time.Time{}
		r.processLocked()
	})
}

func (r *Rotator) removeWaiterLocked(target *waiter) bool {
	for i, w := range r.waiters {
		if w == target {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			metrics.ProxyWaiters.Set(float64(len(r.waiters)))
			return true
		}
	}
	return false
}

func (r *Rotator) observeLocked(node *Node) {
	label := redactAddress(node.address)
	metrics.ProxyActiveRequests.WithLabelValues(label).Set(float64(node.activeRequests))
	metrics.ProxyFailureCount.WithLabelValues(label).Set(float64(node.failureCount))
}

func dedupeAddresses(addresses []string) []string {
	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, raw := range addresses {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
