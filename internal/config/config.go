package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for the application
type Config struct {
	Port           string
	LogLevel       string
	Environment    string
	AllowedOrigins []string

	// Identity provider settings
	ProjectID          string
	IssuerHost         string
	JWKSURL            string
	TokenEndpoint      string
	AdminAPIBaseURL    string
	ServiceAccountJSON string // raw JSON, or a path to the key file

	DatabaseURL string
	RedisURL    string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		Environment:        getEnv("ENVIRONMENT", "production"),
		AllowedOrigins:     parseOrigins(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		ProjectID:          getEnv("AUTH_PROJECT_ID", ""),
		IssuerHost:         getEnv("AUTH_ISSUER_HOST", "securetoken.google.com"),
		JWKSURL:            getEnv("AUTH_JWKS_URL", "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"),
		TokenEndpoint:      getEnv("AUTH_TOKEN_ENDPOINT", "https://oauth2.googleapis.com/token"),
		AdminAPIBaseURL:    getEnv("AUTH_ADMIN_API_URL", "https://identitytoolkit.googleapis.com/v1/projects"),
		ServiceAccountJSON: getEnv("AUTH_SERVICE_ACCOUNT", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
	}

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("AUTH_PROJECT_ID is required")
	}

	// Allow passing the service account key as a file path
	if sa := cfg.ServiceAccountJSON; sa != "" && !strings.HasPrefix(strings.TrimSpace(sa), "{") {
		data, err := os.ReadFile(sa)
		if err != nil {
			return nil, fmt.Errorf("unable to read service account file %s: %w", sa, err)
		}
		cfg.ServiceAccountJSON = string(data)
	}

	return cfg, nil
}

// getEnv gets an environment variable with a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parseOrigins parses comma-separated origins into a slice
func parseOrigins(origins string) []string {
	if origins == "" {
		return []string{}
	}

	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
