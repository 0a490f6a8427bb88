// Package proxy manages a rotating pool of outbound egress proxies with
// health state.
package proxy

import (
	"fmt"
	"net/url"
	"time"
)

// Record describes one egress proxy. Records are identified by a stable ID
// assigned when they enter the pool, never by re-parsing a formatted URL:
// two proxies may share host:port with different credentials.
type Record struct {
	ID           string        `json:"id"`
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Username     string        `json:"username,omitempty"`
	Password     string        `json:"password,omitempty"`
	Protocol     string        `json:"protocol"`
	Country      string        `json:"country,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	Active       bool          `json:"is_active"`
	LastUsed     time.Time     `json:"last_used,omitempty"`
	LastChecked  time.Time     `json:"last_checked,omitempty"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
}

// Addr returns the host:port pair.
func (r *Record) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// URL renders the proxy as an egress URL usable by an http.Transport,
// including credentials when present.
func (r *Record) URL() *url.URL {
	u := &url.URL{
		Scheme: r.Protocol,
		Host:   r.Addr(),
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if r.Username != "" {
		u.User = url.UserPassword(r.Username, r.Password)
	}
	return u
}

// Weight returns the selection weight for the weighted strategy: the
// observed success rate, with untested proxies defaulting to 1.0.
func (r *Record) Weight() float64 {
	total := r.SuccessCount + r.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(r.SuccessCount) / float64(total)
}
