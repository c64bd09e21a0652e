package storage

import "embed"

// Migrations holds the golang-migrate SQL files of the ledger schema
// 台帳スキーマのマイグレーションSQL
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of the SQL files inside Migrations
const MigrationsDir = "migrations"
