// Package middleware provides HTTP middleware components for the askben server.
//
// Available middleware:
//   - RateLimiter: Per-client rate limiting using token bucket algorithm
//   - APIKeyAuth: Shared-secret authentication via X-API-Key or Bearer token
//   - RequestID: Assigns a request ID and stores it in the request context
//
// Usage:
//
//	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	defer rl.Close()
//	handler = rl.Middleware(handler)
package middleware
