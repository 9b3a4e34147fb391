package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// DomainPinger covers adapters exposing a Ping probe (event bus, Booru
// client, tagger client).
type DomainPinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns four readiness checks: db, redis, booru,
// and tagger.
func BuildReadinessChecks(pool Pinger, bus, booru, tagger DomainPinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if bus == nil {
			return fmt.Errorf("redis not configured")
		}
		return bus.Ping(ctx)
	}
	booruCheck := func(ctx context.Context) error {
		if booru == nil {
			return fmt.Errorf("booru not configured")
		}
		return booru.Ping(ctx)
	}
	taggerCheck := func(ctx context.Context) error {
		if tagger == nil {
			return fmt.Errorf("tagger not configured")
		}
		return tagger.Ping(ctx)
	}
	return dbCheck, redisCheck, booruCheck, taggerCheck
}
