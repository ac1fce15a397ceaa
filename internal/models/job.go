package models

import "time"

// Job is a unit of scan work launched on exactly one node.
type Job struct {
	ID string `json:"id"`

	// Module is the entrypoint the executor image runs.
	Module string `json:"module"`

	// Args are passed to the module as --key=value flags.
	Args map[string]string `json:"args,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the job is launchable.
func (j *Job) Validate() error {
	validation := &ValidationErrors{}
	if j.Module == "" {
		validation.Add("module", ErrInvalidJobModule)
	}
	for key := range j.Args {
		if key == "" {
			validation.AddMessage("args", "argument names must not be empty")
			break
		}
	}
	return validation.Err()
}
