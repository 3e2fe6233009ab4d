// Package middleware provides HTTP middleware for the admin command surface.
//
// # Overview
//
// The master has no multi-tenant account system: the only HTTP surface is
// AdminEndpoint's command socket, reachable only by whoever can open the
// Unix socket file. This package's one remaining concern is protecting
// that surface from an accidental flood of commands, not authenticating
// callers.
//
// # Middleware Components
//
// RateLimitMiddleware: in-memory token-bucket rate limiting, keyed by peer
// address (there being no user/bot account distinction on this socket):
//
//	limiter := middleware.NewRateLimitMiddleware()
//	router.Use(limiter.Handler)
//
// # Rate Limiting
//
// Default: 100 req/min, 10 burst. PerUserRateLimitConfig and
// PerBotRateLimitConfig remain available for a caller that wants a more
// generous bucket (e.g. a bulk IMPORT client) by constructing its own
// RateLimiter.
//
// # Related Packages
//
//   - pkg/adminendpoint: the only consumer of this middleware
//   - pkg/httputil: the JSON response helpers AdminEndpoint pairs this with
package middleware
