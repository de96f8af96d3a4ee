// Package ratelimit is per-client token bucket limiting for the management
// API, with background eviction of idle clients.
//
// State is in memory and per instance. It blunts a single client hammering
// login or upload; distributed abuse belongs upstream.
package ratelimit
