// Package siteconfig reads the handful of settings pgl-moodle needs from a
// Moodle config.php. Only literal assignments are understood:
//
//	$CFG->dbhost = 'localhost';
//	$CFG->dboptions = array('dbport' => 3306, 'dbsocket' => '/run/mysqld.sock');
//
// Anything computed at runtime (getenv, constants, concatenation) is ignored
// and has to be supplied through the pgl-moodle config file instead.
package siteconfig

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// FileName is the name of the site configuration inside a Moodle directory.
const FileName = "config.php"

// Site holds the values extracted from config.php. Empty fields were not found.
type Site struct {
	DBType   string
	DBHost   string
	DBName   string
	DBUser   string
	DBPass   string
	Prefix   string
	DataRoot string
	WWWRoot  string
	DBPort   int
	DBSocket string
}

var (
	// $CFG->name = 'value'; or "value"
	assignRe = regexp.MustCompile(`^\s*\$CFG->(\w+)\s*=\s*(?:'((?:[^'\\]|\\.)*)'|"((?:[^"\\]|\\.)*)")\s*;`)
	// 'dbport' => 3306 / '3306' inside the dboptions array
	dbPortRe   = regexp.MustCompile(`'dbport'\s*=>\s*'?(\d*)'?`)
	dbSocketRe = regexp.MustCompile(`'dbsocket'\s*=>\s*'((?:[^'\\]|\\.)*)'`)
)

// Load parses the config.php at path.
func Load(path string) (Site, error) {
	f, err := os.Open(path)
	if err != nil {
		return Site{}, err
	}
	defer f.Close()

	var site Site
	inOptions := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		if strings.Contains(line, "$CFG->dboptions") {
			inOptions = true
		}
		if inOptions {
			if m := dbPortRe.FindStringSubmatch(line); m != nil && m[1] != "" {
				port, err := strconv.Atoi(m[1])
				if err != nil {
					return Site{}, fmt.Errorf("invalid dbport in %s: %w", path, err)
				}
				site.DBPort = port
			}
			if m := dbSocketRe.FindStringSubmatch(line); m != nil {
				site.DBSocket = unquoteSingle(m[1])
			}
			if strings.Contains(line, ");") || strings.Contains(line, "];") {
				inOptions = false
			}
			continue
		}

		m := assignRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		var value string
		if strings.HasPrefix(strings.TrimSpace(line[strings.Index(line, "=")+1:]), "'") {
			value = unquoteSingle(m[2])
		} else {
			value = unquoteDouble(m[3])
		}

		switch m[1] {
		case "dbtype":
			site.DBType = value
		case "dbhost":
			site.DBHost = value
		case "dbname":
			site.DBName = value
		case "dbuser":
			site.DBUser = value
		case "dbpass":
			site.DBPass = value
		case "prefix":
			site.Prefix = value
		case "dataroot":
			site.DataRoot = value
		case "wwwroot":
			site.WWWRoot = value
		}
	}
	if err := scanner.Err(); err != nil {
		return Site{}, fmt.Errorf("could not read %s: %w", path, err)
	}
	return site, nil
}

// unquoteSingle resolves the two escapes PHP knows in single-quoted strings.
func unquoteSingle(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '\\' || s[i+1] == '\'') {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// unquoteDouble resolves the simple escapes of double-quoted strings. Variable
// interpolation is not evaluated.
func unquoteDouble(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\', '"', '$':
				i++
				b.WriteByte(s[i])
				continue
			case 'n':
				i++
				b.WriteByte('\n')
				continue
			case 't':
				i++
				b.WriteByte('\t')
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
