package job

import (
	"errors"
	"fmt"
)

// ErrMissingJobName means the CLI blob carried no JOB_NAME.
var ErrMissingJobName = errors.New("undefined job name to execute")

// UnknownJobError means the job name is outside the closed enumeration.
type UnknownJobError struct {
	Name string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("unknown job to execute %q", e.Name)
}

// MissingParamError means a job was dispatched without a required parameter.
type MissingParamError struct {
	Job   string
	Param string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("job %s requires parameter %s", e.Job, e.Param)
}
