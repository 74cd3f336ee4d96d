package cfgexport

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/paulschiretz/pgl-moodle/pkg/database"
)

// Source provides the raw settings of a site.
type Source interface {
	// GlobalSettings returns the global settings ordered by name.
	GlobalSettings(ctx context.Context) ([]ConfigEntry, error)
	// PluginSettings returns the plugin settings ordered by plugin, then name.
	PluginSettings(ctx context.Context) ([]ConfigEntry, error)
}

// SQLSource reads settings from the {prefix}config and {prefix}config_plugins tables.
type SQLSource struct {
	db     *sql.DB
	prefix string
}

var _ Source = (*SQLSource)(nil)

// NewSQLSource returns a source reading the tables of the site using prefix.
func NewSQLSource(db *sql.DB, prefix string) (*SQLSource, error) {
	if !database.ValidPrefix(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	return &SQLSource{db: db, prefix: prefix}, nil
}

func (s *SQLSource) GlobalSettings(ctx context.Context) ([]ConfigEntry, error) {
	query := "SELECT name, value FROM " + s.prefix + "config ORDER BY name ASC"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %sconfig: %w", s.prefix, err)
	}
	defer rows.Close()

	var entries []ConfigEntry
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to read %sconfig row: %w", s.prefix, err)
		}
		entries = append(entries, ConfigEntry{Scope: CoreScope, Name: name, Value: value.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %sconfig: %w", s.prefix, err)
	}
	return entries, nil
}

func (s *SQLSource) PluginSettings(ctx context.Context) ([]ConfigEntry, error) {
	query := "SELECT plugin, name, value FROM " + s.prefix + "config_plugins ORDER BY plugin ASC, name ASC"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %sconfig_plugins: %w", s.prefix, err)
	}
	defer rows.Close()

	var entries []ConfigEntry
	for rows.Next() {
		var plugin, name string
		var value sql.NullString
		if err := rows.Scan(&plugin, &name, &value); err != nil {
			return nil, fmt.Errorf("failed to read %sconfig_plugins row: %w", s.prefix, err)
		}
		entries = append(entries, ConfigEntry{Scope: plugin, Name: name, Value: value.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %sconfig_plugins: %w", s.prefix, err)
	}
	return entries, nil
}
