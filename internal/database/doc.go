// Package database builds connections for the pipeline's two databases:
//
//   - Warehouse: PostgreSQL-compatible, reached through pgxpool for COPY and merge
//   - Ledger: run-state records through gorm (PostgreSQL in production, SQLite locally)
package database
