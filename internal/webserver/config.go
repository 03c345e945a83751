package webserver

import "time"

const (
	defaultRequestTimeout  = 15 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultHistoryLimit    = 50
	maxHistoryLimit        = 200
)

// Config carries the HTTP facade settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	// JWTSigningKey verifies the HS256 bearer tokens issued by the auth
	// service.
	JWTSigningKey string
	JWTIssuer     string
	// CallbackBaseURL is the public base URL providers deliver webhooks to.
	CallbackBaseURL string
	RequestTimeout  time.Duration
}

func (config Config) requestTimeout() time.Duration {
	if config.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return config.RequestTimeout
}
