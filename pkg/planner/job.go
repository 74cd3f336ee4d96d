package planner

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-moodle/pkg/util"
)

// Job identifies one of the utilities the engine can run.
type Job int

const (
	Backup Job = iota
	Export
	Upgrade
)

var jobToString = map[Job]string{
	Backup:  "backup",
	Export:  "export",
	Upgrade: "upgrade",
}
var stringToJob = map[string]Job{}

func init() {
	stringToJob = util.InvertMap(jobToString)
}

// String returns the string representation of a Job.
func (j Job) String() string {
	if str, ok := jobToString[j]; ok {
		return str
	}
	return fmt.Sprintf("unknown_job(%d)", j)
}

// ParseJob parses a string and returns the corresponding Job.
func ParseJob(s string) (Job, error) {
	if job, ok := stringToJob[s]; ok {
		return job, nil
	}
	return 0, fmt.Errorf("invalid job: %q. Must be 'backup', 'export' or 'upgrade'", s)
}

// MarshalJSON implements the json.Marshaler interface for Job.
func (j Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Job.
func (j *Job) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("job should be a string, got %s", data)
	}
	job, err := ParseJob(s)
	if err != nil {
		return err
	}
	*j = job
	return nil
}
