package search

import "fmt"

// UnknownParameterError reports a search parameter that is defined neither in
// the base R4 set nor by a loaded implementation guide.
type UnknownParameterError struct {
	ResourceType string
	Name         string
}

func (e *UnknownParameterError) Error() string {
	return fmt.Sprintf("unknown search parameter %q for resource type %s", e.Name, e.ResourceType)
}

// InvalidValueError reports a parameter value that does not parse for its
// declared type.
type InvalidValueError struct {
	Param  string
	Value  string
	Reason string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value %q for parameter %q: %s", e.Value, e.Param, e.Reason)
}

// ConflictError reports a combination of parameters the engine refuses to
// evaluate, such as repeated unqualified date ranges.
type ConflictError struct {
	Param  string
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}
