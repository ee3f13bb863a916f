// Package storage persists the execution journal: one record per finished
// task execution.
//
// Drivers:
//   - file: append-only JSON Lines
//   - sqlite: embedded SQLite database (modernc.org/sqlite)
//   - mysql: MySQL through gorm
package storage
