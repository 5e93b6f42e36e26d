package auth

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	GroupWhiteIP      = "whiteIP"
	GroupGemini       = "gemini"
	KeyGeminiAPIKey   = "GEMINI_API_KEY"
	SettingStatusLive = 1
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies the embedded settings schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migrateDB(ctx, db)
}

func migrateDB(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSettings reads active rows of the settings table.
type PostgresSettings struct {
	db querier
}

func NewPostgresSettings(pool *pgxpool.Pool) *PostgresSettings {
	return &PostgresSettings{db: pool}
}

type settingRow struct {
	GroupName string `db:"group_name"`
	Key       string `db:"key"`
	Value     string `db:"value"`
}

const selectSettings = `SELECT group_name, key, value FROM settings
WHERE status = $1 AND group_name = ANY($2)
ORDER BY id`

func (p *PostgresSettings) LoadSettings(ctx context.Context) (Settings, error) {
	rows, err := p.db.Query(ctx, selectSettings, SettingStatusLive, []string{GroupWhiteIP, GroupGemini})
	if err != nil {
		return Settings{}, fmt.Errorf("query settings: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[settingRow])
	if err != nil {
		return Settings{}, fmt.Errorf("scan settings: %w", err)
	}
	return foldSettings(collected), nil
}

func foldSettings(rows []settingRow) Settings {
	var s Settings
	for _, row := range rows {
		value := strings.TrimSpace(row.Value)
		if value == "" {
			continue
		}
		switch row.GroupName {
		case GroupWhiteIP:
			s.AllowedIPs = append(s.AllowedIPs, NormalizeIP(value))
		case GroupGemini:
			if row.Key == KeyGeminiAPIKey {
				s.GeminiAPIKey = value
			}
		}
	}
	return s
}
