package websocket

import (
	"sync"
	"sync/atomic"
)

// LimitReason describes why a connection was refused before upgrade.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
)

// ConnectionLimits caps concurrent WebSocket connections per instance and per client IP.
// A zero max disables that limit.
type ConnectionLimits struct {
	current  atomic.Int64
	max      int64
	mu       sync.Mutex
	ips      map[string]int
	maxPerIP int
}

func NewConnectionLimits(maxConnections int64, maxPerIP int) *ConnectionLimits {
	return &ConnectionLimits{
		max:      maxConnections,
		ips:      make(map[string]int),
		maxPerIP: maxPerIP,
	}
}

// Acquire reserves a slot for ip. On failure nothing is reserved.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.acquireGlobal() {
		return false, LimitReasonGlobal
	}
	if !l.acquireIP(ip) {
		l.current.Add(-1)
		return false, LimitReasonPerIP
	}
	return true, ""
}

// Release frees the slot taken by a successful Acquire.
func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	if count := l.ips[ip]; count > 1 {
		l.ips[ip] = count - 1
	} else {
		delete(l.ips, ip)
	}
	l.mu.Unlock()

	l.current.Add(-1)
}

// Current returns the number of reserved slots.
func (l *ConnectionLimits) Current() int64 {
	return l.current.Load()
}

// Count returns the number of slots held by ip.
func (l *ConnectionLimits) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ips[ip]
}

func (l *ConnectionLimits) acquireGlobal() bool {
	for {
		current := l.current.Load()
		if l.max > 0 && current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *ConnectionLimits) acquireIP(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxPerIP > 0 && l.ips[ip] >= l.maxPerIP {
		return false
	}
	l.ips[ip]++
	return true
}
