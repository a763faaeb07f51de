package pipeline

import (
	"fmt"
	"strings"

	"github.com/me/pipe/internal/pool"
	"github.com/me/pipe/internal/script"
	"github.com/me/pipe/internal/trigger"
	"github.com/me/pipe/pkg/model"
)

// ValidationError lists every problem found in a pipeline file.
type ValidationError struct {
	Errors []model.FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.String()
	}
	return fmt.Sprintf("invalid pipeline: %s", strings.Join(parts, "; "))
}

// APIError converts the error for the status API.
func (e *ValidationError) APIError() *model.APIError {
	return model.NewValidationError("invalid pipeline", e.Errors...)
}

// Validate checks the semantic correctness of f. It returns nil or a
// *ValidationError.
func Validate(f *File) error {
	var errs []model.FieldError
	add := func(field, format string, args ...any) {
		errs = append(errs, model.FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if len(f.Jobs) == 0 {
		add("jobs", "at least one job is required")
	}
	if s := f.Settings; s.Tick != nil && *s.Tick < 0 {
		add("settings.tick", "must not be negative")
	}
	if s := f.Settings; s.PollInterval != nil && *s.PollInterval <= 0 {
		add("settings.poll_interval", "must be positive")
	}
	if s := f.Settings; s.Workers != nil && *s.Workers <= 0 {
		add("settings.workers", "must be positive")
	}

	// Monitor targets must be top-level, non-cron, non-monitor jobs.
	targets := make(map[string]*Job)
	for i := range f.Jobs {
		j := &f.Jobs[i]
		if j.Name != "" && j.Cron == "" && j.Monitor == "" {
			targets[j.Name] = j
		}
	}

	seen := make(map[string]string)
	f.Walk(func(path string, j *Job, top bool) {
		if j.Name == "" {
			add(path+".name", "name is required")
		} else if prev, dup := seen[j.Name]; dup {
			add(path+".name", "duplicate name %q (first used at %s)", j.Name, prev)
		} else {
			seen[j.Name] = path
		}

		kinds := j.Kinds()
		switch len(kinds) {
		case 0:
			add(path, "job needs one of argv, monitor, script, call or sleep")
		case 1:
		default:
			add(path, "job mixes %s; pick one", strings.Join(kinds, ", "))
		}

		if len(j.Argv) == 0 {
			if j.Timeout != 0 {
				add(path+".timeout", "timeout only applies to argv jobs")
			}
			if j.Check {
				add(path+".check", "check only applies to argv jobs")
			}
			if j.Dir != "" || len(j.Env) > 0 {
				add(path, "dir and env only apply to argv jobs")
			}
		} else if j.Argv[0] == "" {
			add(path+".argv[0]", "command must not be empty")
		}
		if j.Timeout < 0 {
			add(path+".timeout", "must not be negative")
		}

		if j.Monitor != "" {
			switch {
			case !top:
				add(path+".monitor", "monitor jobs must be top-level")
			case j.Monitor == j.Name:
				add(path+".monitor", "job cannot monitor itself")
			case targets[j.Monitor] == nil:
				add(path+".monitor", "%q is not a top-level, non-cron, non-monitor job", j.Monitor)
			}
			if len(j.Then) > 0 {
				add(path+".then", "monitor jobs cannot have dependents")
			}
		}

		if j.Script != "" {
			if err := script.Compile(j.Name, j.Script); err != nil {
				add(path+".script", "%v", err)
			}
		} else if j.Args != nil {
			add(path+".args", "args only apply to script jobs")
		}

		if j.Call != nil {
			if _, err := pool.Builtin(j.Call.Func, j.Call.Duration); err != nil {
				add(path+".call.func", "%v", err)
			}
			if j.Call.Duration < 0 {
				add(path+".call.duration", "must not be negative")
			}
		}

		if j.Sleep != nil && *j.Sleep < 0 {
			add(path+".sleep", "must not be negative")
		}

		if j.Cron != "" {
			switch {
			case !top:
				add(path+".cron", "cron jobs must be top-level")
			case j.Monitor != "":
				add(path+".cron", "monitor jobs cannot be repeated")
			case len(j.Then) > 0:
				add(path+".then", "cron jobs cannot have dependents")
			}
			if _, err := trigger.Parse(j.Cron); err != nil {
				add(path+".cron", "%v", err)
			}
		}
		if j.Limit < 0 {
			add(path+".limit", "must not be negative")
		} else if j.Limit > 0 && j.Cron == "" {
			add(path+".limit", "limit only applies to cron jobs")
		}
	})

	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: errs}
}
