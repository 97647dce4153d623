package config

import (
	"echolink-backend/pkg/env"
)

// Store backends
const (
	StoreBackendMemory    = "memory"
	StoreBackendFirestore = "firestore"
)

// Config holds call-service runtime configuration
type Config struct {
	Env       string
	Port      string
	JWTSecret string

	// Shared signaling store
	StoreBackend        string
	FirestoreProjectID  string
	FirestoreCollection string

	// ICE servers handed to media sessions
	STUNServers []string
}

// Load reads configuration from the environment. Secrets support the Docker
// _FILE convention.
func Load() *Config {
	return &Config{
		Env:                 env.GetString("ENV", "development"),
		Port:                env.GetString("PORT", "8084"),
		JWTSecret:           env.GetStringFromFile("JWT_SECRET", ""),
		StoreBackend:        env.GetString("STORE_BACKEND", StoreBackendMemory),
		FirestoreProjectID:  env.GetString("FIRESTORE_PROJECT_ID", ""),
		FirestoreCollection: env.GetString("FIRESTORE_COLLECTION", "calls"),
		STUNServers:         []string{env.GetString("STUN_SERVER", "stun:stun.l.google.com:19302")},
	}
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
