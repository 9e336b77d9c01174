package database

import (
	"fmt"
	"net/url"

	"github.com/rickgao/sp500-pipeline/internal/config"
)

// BuildConnString builds a PostgreSQL connection URL from config.
// applicationName is reported in pg_stat_activity; empty omits it.
func BuildConnString(cfg config.DBConfig, applicationName string) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	if applicationName != "" {
		query.Set("application_name", applicationName)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: query.Encode(),
	}
	return u.String()
}
