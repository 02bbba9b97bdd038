package validation

import (
	"strings"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// checkSemantics enforces the constraints JSON Schema cannot express:
//   - step IDs are unique across the whole tree (this also rules out two
//     parallel siblings writing the same output key)
//   - step IDs never shadow the reserved scope namespaces
//   - ${{steps.X}} references and depends_on entries name steps that are
//     structurally guaranteed to have terminated first; parallel siblings
//     can never reference each other
func checkSemantics(def *schema.WorkflowDefinition) error {
	if err := checkUniqueIDs(def.Root); err != nil {
		return err
	}
	_, err := checkOrdering(def.Root, make(map[string]struct{}))
	return err
}

func checkUniqueIDs(root *schema.NodeDefinition) error {
	seen := make(map[string]struct{})
	var walk func(n *schema.NodeDefinition) error
	walk = func(n *schema.NodeDefinition) error {
		switch n.Kind {
		case schema.NodeStep:
			id := n.Step.ID
			if id == "input" || id == "run" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step id %q shadows a reserved scope namespace", id)
			}
			if _, exists := seen[id]; exists {
				return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", id)
			}
			seen[id] = struct{}{}
		case schema.NodeSequence, schema.NodeParallel:
			for i := range n.Children {
				if err := walk(&n.Children[i]); err != nil {
					return err
				}
			}
		case schema.NodeBranch:
			for i := range n.Branch.Cases {
				if err := walk(&n.Branch.Cases[i].Node); err != nil {
					return err
				}
			}
			if n.Branch.Default != nil {
				return walk(n.Branch.Default)
			}
		}
		return nil
	}
	return walk(root)
}

// checkOrdering validates references bottom-up. earlier holds the step IDs
// guaranteed terminated before the node starts; the returned set additionally
// contains every step the node may have produced, which is what a subsequent
// sequence sibling is allowed to reference.
func checkOrdering(n *schema.NodeDefinition, earlier map[string]struct{}) (map[string]struct{}, error) {
	switch n.Kind {
	case schema.NodeStep:
		if err := checkStepRefs(n.Step, earlier); err != nil {
			return nil, err
		}
		return withKey(earlier, n.Step.ID), nil

	case schema.NodeSequence:
		current := earlier
		for i := range n.Children {
			next, err := checkOrdering(&n.Children[i], current)
			if err != nil {
				return nil, err
			}
			current = next
		}
		return current, nil

	case schema.NodeParallel:
		// Every sibling sees only the pre-fork snapshot.
		after := copySet(earlier)
		for i := range n.Children {
			produced, err := checkOrdering(&n.Children[i], earlier)
			if err != nil {
				return nil, err
			}
			for id := range produced {
				after[id] = struct{}{}
			}
		}
		return after, nil

	case schema.NodeBranch:
		// Exactly one alternative runs; all validate against the same scope.
		after := copySet(earlier)
		for i := range n.Branch.Cases {
			produced, err := checkOrdering(&n.Branch.Cases[i].Node, earlier)
			if err != nil {
				return nil, err
			}
			for id := range produced {
				after[id] = struct{}{}
			}
		}
		if n.Branch.Default != nil {
			produced, err := checkOrdering(n.Branch.Default, earlier)
			if err != nil {
				return nil, err
			}
			for id := range produced {
				after[id] = struct{}{}
			}
		}
		return after, nil

	default:
		return earlier, nil
	}
}

func checkStepRefs(step *schema.StepDefinition, earlier map[string]struct{}) error {
	for ref := range expressions.ExtractStepRefs(step.Params) {
		if _, ok := earlier[ref]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %q references %q, which is not guaranteed to run earlier", step.ID, ref).
				WithStep(step.ID).
				WithDetails(map[string]any{"reference": ref, "available": setKeys(earlier)})
		}
	}
	for _, dep := range step.DependsOn {
		if dep == step.ID {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %q depends on itself", step.ID).WithStep(step.ID)
		}
		if _, ok := earlier[dep]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %q depends on %q, which is not guaranteed to run earlier", step.ID, dep).
				WithStep(step.ID).
				WithDetails(map[string]any{"dependency": dep, "available": setKeys(earlier)})
		}
	}
	return nil
}

func withKey(set map[string]struct{}, key string) map[string]struct{} {
	out := copySet(set)
	out[key] = struct{}{}
	return out
}

func copySet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}

func setKeys(set map[string]struct{}) string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	// Insertion sort keeps the error text stable for small sets.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return strings.Join(keys, ", ")
}
