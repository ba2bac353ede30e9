// Package providers contains dependency injection providers for the tag engine server.
package providers

import "time"

const (
	// shutdownTimeout is the maximum time to wait for graceful shutdown of services.
	shutdownTimeout = 30 * time.Second

	// startupTimeout bounds connecting the data source and initializing its schema.
	startupTimeout = 2 * time.Minute
)
