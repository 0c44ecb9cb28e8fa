package httpapi

import "time"

// Config defines HTTP API settings.
type Config struct {
	Addr     string
	Port     int
	VitePort int
}

const shutdownTimeout = 5 * time.Second
