package policy

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

//go:embed authz.rego
var authzPolicy string

// RegoResolver evaluates the embedded Rego policy in-process. It produces
// the same decisions as StaticResolver; deployments that manage access rules
// as Rego select it via config.
type RegoResolver struct {
	query     rego.PreparedEvalQuery
	readwrite []string
	readonly  []string
}

// NewRegoResolver prepares the role query. The group lists play the same
// part as StaticResolver's mapping table.
func NewRegoResolver(readwriteGroups, readonlyGroups []string) (*RegoResolver, error) {
	query, err := rego.New(
		rego.Query("data.products.authz.role"),
		rego.Module("authz.rego", authzPolicy),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare role query: %w", err)
	}
	return &RegoResolver{
		query:     query,
		readwrite: readwriteGroups,
		readonly:  readonlyGroups,
	}, nil
}

// Resolve evaluates the policy for the given groups. An undefined result
// means no mapping matched.
func (r *RegoResolver) Resolve(groups []string) (Role, error) {
	input := map[string]any{
		"groups": groups,
		"mappings": map[string]any{
			"readwrite": r.readwrite,
			"readonly":  r.readonly,
		},
	}

	results, err := r.query.Eval(context.Background(), rego.EvalInput(input))
	if err != nil {
		return 0, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return 0, ErrNoMatchingPolicy
	}

	name, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return 0, fmt.Errorf("policy returned non-string role: %v", results[0].Expressions[0].Value)
	}
	role, ok := roleFromName(name)
	if !ok {
		return 0, fmt.Errorf("policy returned unknown role %q", name)
	}
	return role, nil
}
