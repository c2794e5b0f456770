package training

import (
	"fmt"
	"sort"

	"github.com/b10902118/GeCo/model"
	"github.com/b10902118/GeCo/tensor"
)

// ParameterGroup is a named set of parameters that share one learning
// rate. The backbone group trains with a smaller rate than the rest of
// the network.
type ParameterGroup struct {
	Name   string
	Params []*tensor.Tensor
	LR     float64
}

// BuildParameterGroups turns a model's declared parameter groups into
// optimizer groups, assigning backboneLR to the backbone group and
// baseLR to every other group. The groups must form an exact partition
// of the model's parameters: every parameter in exactly one group.
func BuildParameterGroups(m model.CountingModel, baseLR, backboneLR float64) ([]ParameterGroup, error) {
	declared := m.ParameterGroups()
	if len(declared) == 0 {
		return nil, fmt.Errorf("model declares no parameter groups")
	}

	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[*tensor.Tensor]string)
	groups := make([]ParameterGroup, 0, len(names))
	for _, name := range names {
		params := declared[name]
		if len(params) == 0 {
			return nil, fmt.Errorf("parameter group %q is empty", name)
		}
		for _, p := range params {
			if p == nil {
				return nil, fmt.Errorf("parameter group %q contains a nil parameter", name)
			}
			if prev, ok := seen[p]; ok {
				return nil, fmt.Errorf("parameter appears in both group %q and group %q", prev, name)
			}
			seen[p] = name
		}
		lr := baseLR
		if name == model.GroupBackbone {
			lr = backboneLR
		}
		groups = append(groups, ParameterGroup{Name: name, Params: params, LR: lr})
	}

	for _, p := range m.Parameters() {
		if _, ok := seen[p]; !ok {
			return nil, fmt.Errorf("parameter not covered by any group")
		}
	}
	if len(seen) != len(m.Parameters()) {
		return nil, fmt.Errorf("groups contain %d parameters, model has %d", len(seen), len(m.Parameters()))
	}
	return groups, nil
}
