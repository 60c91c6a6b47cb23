package runner

import (
	"context"
	"slices"
)

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

// Result is what Script answers for a command name.
type Result struct {
	Status Status
	Err    error
}

// Script is a Runner that records every call and answers from a table
// keyed by command name. Commands without an entry succeed.
type Script struct {
	Results map[string]Result
	Calls   []Call
}

func NewScript() *Script {
	return &Script{
		Results: make(map[string]Result),
	}
}

// On sets the answer for name and returns s for chaining.
func (s *Script) On(name string, result Result) *Script {
	s.Results[name] = result
	return s
}

func (s *Script) Run(ctx context.Context, name string, args ...string) (Status, error) {
	call := Call{Name: name, Args: slices.Clone(args)}
	s.Calls = append(s.Calls, call)

	result, ok := s.Results[name]
	if !ok {
		return Status{}, nil
	}
	return result.Status, result.Err
}

// CallsTo returns the recorded calls of command name, in order.
func (s *Script) CallsTo(name string) []Call {
	var calls []Call
	for _, call := range s.Calls {
		if call.Name == name {
			calls = append(calls, call)
		}
	}
	return calls
}
