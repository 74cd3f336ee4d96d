package dbdump

import (
	"strconv"

	"github.com/paulschiretz/pgl-moodle/pkg/database"
)

// DefaultBinary returns the dump tool for a database family.
func DefaultBinary(f database.Family) string {
	if f == database.Postgres {
		return "pg_dump"
	}
	return "mysqldump"
}

// BuildCommand returns the program, arguments and extra environment for dumping
// the database described by p. The password is only ever placed in the environment.
func BuildCommand(p *Plan) (string, []string, []string) {
	s := p.Database
	name := p.DumpBinary
	if name == "" {
		name = DefaultBinary(s.Family)
	}

	var args, env []string
	switch s.Family {
	case database.Postgres:
		if s.Socket != "" {
			args = append(args, "--host="+s.Socket)
		} else if s.Host != "" {
			args = append(args, "--host="+s.Host)
		}
		args = append(args, "--port="+strconv.Itoa(s.DefaultPort()))
		if s.User != "" {
			args = append(args, "--username="+s.User)
		}
		args = append(args, "--no-password")
		args = append(args, p.ExtraArgs...)
		args = append(args, "--dbname="+s.Name)
		if s.Password != "" {
			env = append(env, "PGPASSWORD="+s.Password)
		}
	default:
		if s.Socket != "" {
			args = append(args, "--socket="+s.Socket)
		} else {
			if s.Host != "" {
				args = append(args, "--host="+s.Host)
			}
			args = append(args, "--port="+strconv.Itoa(s.DefaultPort()))
		}
		if s.User != "" {
			args = append(args, "--user="+s.User)
		}
		args = append(args, p.ExtraArgs...)
		args = append(args, s.Name)
		if s.Password != "" {
			env = append(env, "MYSQL_PWD="+s.Password)
		}
	}
	return name, args, env
}
