package cfgexport

import (
	"regexp"
	"strings"
)

const eol = "\n"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Render writes lines as a PHP file that Moodle can include from config.php.
func Render(lines []Line) []byte {
	var b strings.Builder
	b.WriteString("<?php" + eol + eol)
	// A plugin may itself be named "core", so block membership decides the
	// form of an assignment, not its scope.
	inBlock := false
	for _, l := range lines {
		switch l.Kind {
		case BlockOpen:
			b.WriteString("$CFG->forced_plugin_settings[" + QuoteKey(l.Scope) + "] = [")
			inBlock = true
		case BlockClose:
			b.WriteString("];")
			inBlock = false
		default:
			if inBlock {
				b.WriteString("    " + QuoteKey(l.Name) + " => " + QuoteValue(l.Value) + ",")
			} else {
				b.WriteString(globalTarget(l.Name) + " = " + QuoteValue(l.Value) + ";")
			}
		}
		b.WriteString(eol)
	}
	return []byte(b.String())
}

func globalTarget(name string) string {
	if identRe.MatchString(name) {
		return "$CFG->" + name
	}
	return "$CFG->{" + QuoteKey(name) + "}"
}

var valueReplacer = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	`$`, `\$`,
	"\x00", `\000`,
)

// QuoteValue returns s as a double-quoted PHP string literal. Backslashes are
// always doubled, so no other escape sequence can form.
func QuoteValue(s string) string {
	return `"` + valueReplacer.Replace(s) + `"`
}

var keyReplacer = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// QuoteKey returns s as a single-quoted PHP string literal.
func QuoteKey(s string) string {
	return `'` + keyReplacer.Replace(s) + `'`
}
