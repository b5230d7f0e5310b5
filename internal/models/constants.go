package models

import "time"

const (
	// DefaultFailureThreshold is the number of consecutive failed health checks
	// after which a session is considered dead.
	DefaultFailureThreshold = 3

	// DefaultPairingTTL bounds how long a pairing handle waits for confirmation.
	DefaultPairingTTL = 5 * time.Minute

	// DefaultCheckInterval is the cadence of the session health-check tick.
	DefaultCheckInterval = 5 * time.Minute

	// DefaultReconcileInterval is the cadence of the full session reconciliation.
	DefaultReconcileInterval = time.Hour

	// DefaultTokenSafetyMargin is how close to expiry a cached token is refreshed.
	DefaultTokenSafetyMargin = 60 * time.Second

	// DefaultMaxAttempts caps delivery attempts of message and sync jobs.
	DefaultMaxAttempts = 5

	// DefaultTickBudget bounds a single scheduled run.
	DefaultTickBudget = 30 * time.Second

	// DefaultBatchSize is the number of due jobs loaded per tick.
	DefaultBatchSize = 50
)
