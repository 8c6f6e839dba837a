package expr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// RuleSet is an ordered list of compiled bypass rules. A request matching any
// rule is handed to the network untouched.
type RuleSet struct {
	programs []Program
}

// CompileRules compiles every expression, reporting all failures at once.
func CompileRules(env *Environment, expressions []string) (*RuleSet, error) {
	if env == nil {
		return nil, errors.New("expr: environment required")
	}
	set := &RuleSet{}
	var errs []error
	for idx, expression := range expressions {
		program, err := env.Compile(expression)
		if err != nil {
			errs = append(errs, fmt.Errorf("bypass[%d]: %w", idx, err))
			continue
		}
		set.programs = append(set.programs, program)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return set, nil
}

// Len reports the number of compiled rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.programs)
}

// Match returns the source of the first rule matching r. Evaluation errors
// count as no match and are returned joined so callers can log them.
func (s *RuleSet) Match(r *http.Request) (string, bool, error) {
	if s == nil || len(s.programs) == 0 || r == nil {
		return "", false, nil
	}
	activation := map[string]any{"request": RequestActivation(r)}
	var errs []error
	for _, program := range s.programs {
		matched, err := program.EvalBool(activation)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if matched {
			return program.Source(), true, errors.Join(errs...)
		}
	}
	return "", false, errors.Join(errs...)
}

// RequestActivation exposes the request to CEL. Header names are lower-cased
// and multi-valued headers are joined with ", ".
func RequestActivation(r *http.Request) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for name, values := range r.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	query := make(map[string]any)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}
	return map[string]any{
		"method":      r.Method,
		"url":         r.URL.String(),
		"path":        r.URL.Path,
		"rawQuery":    r.URL.RawQuery,
		"query":       query,
		"host":        r.Host,
		"destination": r.Header.Get("Sec-Fetch-Dest"),
		"headers":     headers,
	}
}
