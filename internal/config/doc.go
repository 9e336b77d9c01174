// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation,
// so credentials (quote API key, database passwords) never live in the file itself.
// A .env file in the working directory is loaded into the environment first when present.
package config
