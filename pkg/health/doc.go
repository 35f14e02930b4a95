/*
Package health provides an HTTP health check mechanism for monitoring
container readiness.

Health checks enable automatic detection of unready or unhealthy service
containers before they are handed traffic, and detection of containers
that go bad after they start.

# Architecture

	┌──────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	│  • Type() CheckType                                          │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	         ▼
	    ┌────────┐
	    │  HTTP  │
	    │Checker │
	    └────────┘
	         │
	         ▼
	      GET /
	      /health

# HTTP Health Checks

HTTP checks perform HTTP requests to verify application health:

	Check Type: HTTP
	Configuration:
	├── URL: http://container-ip:8080/health
	├── Method: GET, POST, HEAD
	├── Headers: Custom HTTP headers
	├── Expected Status: 200-399 (configurable)
	└── Timeout: 10 seconds

# Core Components

## Checker Interface

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

## Result Structure

	type Result struct {
		Healthy   bool          // Check passed?
		Message   string        // Human-readable message
		CheckedAt time.Time     // When check ran
		Duration  time.Duration // How long check took
	}

## Status Tracking

	type Status struct {
		ConsecutiveFailures  int    // Failure streak
		ConsecutiveSuccesses int    // Success streak
		LastCheck            time.Time
		LastResult           Result
		Healthy              bool   // Current health state
		StartedAt            time.Time
	}

The status implements hysteresis: multiple failures are required before
marking unhealthy, preventing flapping from transient issues.

## Configuration

	type Config struct {
		Interval    time.Duration  // Time between checks (default: 30s)
		Timeout     time.Duration  // Max check duration (default: 10s)
		Retries     int            // Failures before unhealthy (default: 3)
		StartPeriod time.Duration  // Grace period for slow startup (default: 0)
	}

# Usage

	checker := health.NewHTTPChecker("http://192.168.1.10:8080/health")
	checker.WithTimeout(5 * time.Second)

	result := checker.Check(ctx)
	if result.Healthy {
		fmt.Printf("healthy: %s (%v)\n", result.Message, result.Duration)
	}

A service slot's readiness probe uses an HTTPChecker polled at a fixed
interval after the container starts, before the slot is reported as Running.

# Design Patterns

## Builder Pattern

	checker := NewHTTPChecker(url).
		WithMethod("GET").
		WithTimeout(5 * time.Second)

## Hysteresis Pattern

	Healthy → 1 failure → Still healthy
	Healthy → 2 failures → Still healthy
	Healthy → 3 failures → Unhealthy!

	Unhealthy → 1 success → Healthy!

## Context-Based Cancellation

All checks respect context deadlines.

# Best Practices

  - Keep health endpoints lightweight and unauthenticated on internal networks.
  - Set Timeout to roughly 2x the expected response time.
  - Set StartPeriod to roughly 2x the service's startup time.
*/
package health
