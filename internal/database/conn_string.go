package database

import (
	"fmt"
	"net/url"

	"github.com/KatantDev/centrifuge-go/internal/config"
)

// BuildConnString renders a DBConfig as a postgres:// URL accepted by pgx.
// The password is URL-escaped so credentials with reserved characters
// survive the round trip; an unset ssl_mode falls back to "prefer".
func BuildConnString(cfg config.DBConfig) string {
	password := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, password, cfg.Host, cfg.Port, cfg.Name, sslMode)
}
