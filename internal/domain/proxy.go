package domain

import "time"

// ProxyAddress is the durable row for an egress point. Health metrics are
// never persisted.
type ProxyAddress struct {
	Address    string     `json:"address"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

type ProxyNodeStatus struct {
	Address        string     `json:"address"`
	ActiveRequests int        `json:"activeRequests"`
	FailureCount   int        `json:"failureCount"`
	CooldownUntil  *time.Time `json:"cooldownUntil,omitempty"`
	TotalSuccess   int64      `json:"totalSuccess"`
	TotalFail      int64      `json:"totalFail"`
	Retired        bool       `json:"retired,omitempty"`
}
