package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal connectivity probe shared by the database pool and
// the queue manager.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck is one named dependency probe.
type ReadinessCheck struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Check builds a readiness check from a Pinger; a nil Pinger always fails so
// a misconfigured process is never marked ready.
func Check(name string, p Pinger) ReadinessCheck {
	return ReadinessCheck{
		Name: name,
		Fn: func(ctx context.Context) error {
			if p == nil {
				return fmt.Errorf("%s not configured", name)
			}
			return p.Ping(ctx)
		},
	}
}
