package twin

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Rule marks a flattened key as unavailable for display when Expr evaluates
// to true. Expr is a CEL expression over the variable "data", the flat map.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	Key  string `yaml:"key" json:"key"`
	Expr string `yaml:"expr" json:"expr"`
}

// DefaultRules are always applied in addition to configured rules.
//
// The vehicle sometimes reports a remaining range of 0-3 while the battery is
// clearly not empty; such readings are hidden instead of published.
var DefaultRules = []Rule{
	{
		Name: "max-miles-glitch",
		Key:  KeyMaxMiles,
		Expr: `has(data.battery_max_miles) && has(data.battery_percent) &&
			data.battery_max_miles <= 3.0 && data.battery_percent >= 3.0`,
	},
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// RuleSet is a compiled list of availability rules. It is safe for concurrent use.
type RuleSet struct {
	rules []compiledRule
}

// CompileRules compiles rules into a RuleSet.
func CompileRules(rules []Rule) (*RuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}

	rs := &RuleSet{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r.Key == "" {
			return nil, fmt.Errorf("rule %q: key is required", r.Name)
		}
		ast, iss := env.Compile(r.Expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, compiledRule{Rule: r, prg: prg})
	}
	return rs, nil
}

// Len returns the number of compiled rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Unavailable evaluates every rule against flat. The result has an entry for
// every rule key: true when the key must not be displayed. Rules that fail to
// evaluate (for example because a value has an unexpected type) leave their
// key available; their errors are joined into the returned error.
func (rs *RuleSet) Unavailable(flat Flat) (map[string]bool, error) {
	out := make(map[string]bool)
	if rs == nil {
		return out, nil
	}

	activation := map[string]any{"data": map[string]any(flat)}

	var errs []error
	for _, r := range rs.rules {
		if _, seen := out[r.Key]; !seen {
			out[r.Key] = false
		}
		val, _, err := r.prg.Eval(activation)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			continue
		}
		hit, ok := val.Value().(bool)
		if !ok {
			errs = append(errs, fmt.Errorf("rule %q: result is %T, not bool", r.Name, val.Value()))
			continue
		}
		if hit {
			out[r.Key] = true
		}
	}
	return out, errors.Join(errs...)
}
