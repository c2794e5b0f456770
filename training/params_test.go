package training

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/b10902118/GeCo/model"
	"github.com/b10902118/GeCo/tensor"
)

func TestBuildParameterGroupsAssignsRates(t *testing.T) {
	m := model.NewTinyCounter(4, 4)
	groups, err := BuildParameterGroups(m, 1e-4, 1e-5)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	byName := map[string]ParameterGroup{}
	for _, g := range groups {
		byName[g.Name] = g
	}
	require.Equal(t, 1e-5, byName[model.GroupBackbone].LR)
	require.Equal(t, 1e-4, byName[model.GroupHead].LR)

	var total int
	for _, g := range groups {
		total += len(g.Params)
	}
	require.Equal(t, len(m.Parameters()), total)
}

func TestBuildParameterGroupsIsDeterministic(t *testing.T) {
	m := model.NewTinyCounter(4, 4)
	a, err := BuildParameterGroups(m, 1e-4, 1e-5)
	require.NoError(t, err)
	b, err := BuildParameterGroups(m, 1e-4, 1e-5)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		require.Equal(t, a[i].Name, b[i].Name)
		require.Equal(t, len(a[i].Params), len(b[i].Params))
	}
}

// groupOverrideModel wraps a real model but declares whatever parameter
// groups the test hands it.
type groupOverrideModel struct {
	model.CountingModel
	groups map[string][]*tensor.Tensor
}

func (m groupOverrideModel) ParameterGroups() map[string][]*tensor.Tensor {
	return m.groups
}

func TestBuildParameterGroupsRejectsOverlap(t *testing.T) {
	m := model.NewTinyCounter(4, 4)
	declared := m.ParameterGroups()
	shared := declared[model.GroupHead][0]
	declared[model.GroupBackbone] = append(declared[model.GroupBackbone], shared)

	_, err := BuildParameterGroups(groupOverrideModel{CountingModel: m, groups: declared}, 1e-4, 1e-5)
	require.Error(t, err)
}

func TestBuildParameterGroupsRejectsIncompleteCover(t *testing.T) {
	m := model.NewTinyCounter(4, 4)
	declared := m.ParameterGroups()
	declared[model.GroupHead] = declared[model.GroupHead][:1]

	_, err := BuildParameterGroups(groupOverrideModel{CountingModel: m, groups: declared}, 1e-4, 1e-5)
	require.Error(t, err)
}

func TestBuildParameterGroupsRejectsEmptyDeclaration(t *testing.T) {
	m := model.NewTinyCounter(4, 4)

	_, err := BuildParameterGroups(groupOverrideModel{CountingModel: m, groups: nil}, 1e-4, 1e-5)
	require.Error(t, err)

	_, err = BuildParameterGroups(groupOverrideModel{
		CountingModel: m,
		groups:        map[string][]*tensor.Tensor{"head": nil},
	}, 1e-4, 1e-5)
	require.Error(t, err)
}
