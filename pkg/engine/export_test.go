package engine

import "io"

// SetStdout redirects the backup report for tests.
func SetStdout(r *Runner, w io.Writer) {
	r.stdout = w
}
