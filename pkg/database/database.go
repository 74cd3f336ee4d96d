// Package database opens database/sql handles for the database engines a Moodle
// site can run on.
package database

import (
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// Family groups the Moodle dbtype values by wire protocol.
type Family int

const (
	MySQL Family = iota
	Postgres
)

var familyToString = map[Family]string{MySQL: "mysql", Postgres: "postgres"}

func (f Family) String() string {
	if s, ok := familyToString[f]; ok {
		return s
	}
	return fmt.Sprintf("unknown_family(%d)", f)
}

// dbTypes maps Moodle's $CFG->dbtype values to a family.
var dbTypes = map[string]Family{
	"mysqli":      MySQL,
	"mariadb":     MySQL,
	"auroramysql": MySQL,
	"pgsql":       Postgres,
}

// ParseType returns the family for a Moodle dbtype.
func ParseType(dbType string) (Family, error) {
	if f, ok := dbTypes[strings.ToLower(dbType)]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("unsupported database type %q (supported: mysqli, mariadb, auroramysql, pgsql)", dbType)
}

// Settings are the connection parameters for a site database.
type Settings struct {
	Family   Family
	Host     string
	Port     int
	Socket   string
	Name     string
	User     string
	Password string
}

// DefaultPort returns the port used when Settings.Port is zero.
func (s Settings) DefaultPort() int {
	if s.Port != 0 {
		return s.Port
	}
	if s.Family == Postgres {
		return 5432
	}
	return 3306
}

// Open returns a handle for s. No connection is made until the first query.
func Open(s Settings) (*sql.DB, error) {
	var db *sql.DB
	switch s.Family {
	case MySQL:
		connector, err := mysql.NewConnector(mysqlConfig(s))
		if err != nil {
			return nil, fmt.Errorf("invalid mysql settings: %w", err)
		}
		db = sql.OpenDB(connector)
	case Postgres:
		cc, err := pgxConfig(s)
		if err != nil {
			return nil, err
		}
		db = stdlib.OpenDB(*cc)
	default:
		return nil, fmt.Errorf("unsupported database family: %s", s.Family)
	}
	// The exporter runs two sequential queries.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func mysqlConfig(s Settings) *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = s.User
	cfg.Passwd = s.Password
	cfg.DBName = s.Name
	if s.Socket != "" {
		cfg.Net = "unix"
		cfg.Addr = s.Socket
	} else {
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(s.Host, strconv.Itoa(s.DefaultPort()))
	}
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg
}

func pgxConfig(s Settings) (*pgx.ConnConfig, error) {
	cc, err := pgx.ParseConfig("")
	if err != nil {
		return nil, fmt.Errorf("invalid postgres settings: %w", err)
	}
	// libpq treats a directory as the unix socket location.
	cc.Host = s.Host
	if s.Socket != "" {
		cc.Host = s.Socket
	}
	port := s.DefaultPort()
	if port > 65535 {
		return nil, fmt.Errorf("invalid postgres port %d", port)
	}
	cc.Port = uint16(port)
	cc.Database = s.Name
	cc.User = s.User
	cc.Password = s.Password
	cc.Fallbacks = nil
	return cc, nil
}

// ValidPrefix reports whether prefix is safe to splice into a table name.
func ValidPrefix(prefix string) bool {
	for _, r := range prefix {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// Redacted returns s with the password masked, for logging.
func (s Settings) Redacted() Settings {
	if s.Password != "" {
		s.Password = "********"
	}
	return s
}
