// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token-bucket connection rate limiting for the
// public listener, tracked per source address.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket holding capacity tokens, refilled at
// refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := time.Now()
	added := int64(now.Sub(tb.lastRefill).Seconds() * float64(tb.refillRate))
	if added > 0 {
		tb.tokens = min(tb.tokens+added, tb.capacity)
		tb.lastRefill = now
	}
}

// ConnLimiter rate-limits new connections per source host. A zero burst
// disables limiting entirely.
type ConnLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*entry
	burst    int64
	rate     int64
	maxHosts int
}

type entry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// NewConnLimiter creates a per-host connection limiter allowing rate new
// connections per second with the given burst. maxHosts bounds the
// tracking map; 0 selects 10000.
func NewConnLimiter(rate, burst int64, maxHosts int) *ConnLimiter {
	if maxHosts <= 0 {
		maxHosts = 10000
	}
	return &ConnLimiter{
		buckets:  make(map[string]*entry),
		burst:    burst,
		rate:     rate,
		maxHosts: maxHosts,
	}
}

// Allow reports whether a new connection from host should be accepted.
func (l *ConnLimiter) Allow(host string) bool {
	if l == nil || l.burst <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.buckets[host]
	if !ok {
		if len(l.buckets) >= l.maxHosts {
			l.evictStale()
		}
		e = &entry{bucket: NewTokenBucket(l.burst, l.rate)}
		l.buckets[host] = e
	}
	e.lastSeen = time.Now()
	return e.bucket.Allow()
}

// evictStale drops hosts not seen for a minute; if none qualify the whole
// map is reset, which only re-grants a burst to active hosts.
func (l *ConnLimiter) evictStale() {
	cutoff := time.Now().Add(-time.Minute)
	for host, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, host)
		}
	}
	if len(l.buckets) >= l.maxHosts {
		l.buckets = make(map[string]*entry)
	}
}
