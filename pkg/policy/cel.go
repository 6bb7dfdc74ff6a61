package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Rule is a named CEL boolean expression. An operation passes a rule when
// the expression evaluates to true.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// DefaultCostLimit bounds a single rule evaluation.
const DefaultCostLimit = 10000

type compiledRule struct {
	name string
	prg  cel.Program
}

// CELPolicy evaluates rules over the variables amount, payer, recipient,
// kind and hour (UTC hour of the operation). Rules are compiled once at
// construction. Evaluation errors deny.
type CELPolicy struct {
	rules []compiledRule
}

// NewCELPolicy compiles rules, returning the first compile error.
func NewCELPolicy(rules []Rule) (*CELPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.IntType),
		cel.Variable("payer", cel.StringType),
		cel.Variable("recipient", cel.StringType),
		cel.Variable("kind", cel.StringType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	p := &CELPolicy{}
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile %s: %w", name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("compile %s: expression must be boolean, got %s", name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(DefaultCostLimit),
		)
		if err != nil {
			return nil, fmt.Errorf("program %s: %w", name, err)
		}
		p.rules = append(p.rules, compiledRule{name: name, prg: prg})
	}
	return p, nil
}

// Names lists the rule names in evaluation order.
func (p *CELPolicy) Names() []string {
	out := make([]string, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.name
	}
	return out
}

func (p *CELPolicy) Evaluate(ctx context.Context, in Context) (Decision, error) {
	vars := map[string]any{
		"amount":    in.Amount,
		"payer":     in.Payer,
		"recipient": in.Recipient,
		"kind":      in.Kind,
		"hour":      int64(in.At.UTC().Hour()),
	}
	for _, r := range p.rules {
		out, _, err := r.prg.ContextEval(ctx, vars)
		if err != nil {
			return Deny(fmt.Sprintf("rule %s failed: %v", r.name, err)), nil
		}
		if ok, isBool := out.Value().(bool); !isBool || !ok {
			return Deny("rule " + r.name), nil
		}
	}
	return Allowed, nil
}
