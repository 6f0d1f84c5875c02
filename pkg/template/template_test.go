package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxway/fluxway/pkg/models"
)

func TestRender_SimpleExpression(t *testing.T) {
	data := map[string]any{
		"name":     "John",
		"amount":   30,
		"approved": true,
	}

	result, err := Render("{{ .name }}", data)
	require.NoError(t, err)
	assert.Equal(t, "John", result)

	result, err = Render("{{ .approved }}", data)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	// Numbers always come back as floats.
	result, err = Render("{{ .amount }}", data)
	require.NoError(t, err)
	assert.Equal(t, 30.0, result)
}

func TestRender_JSONResult(t *testing.T) {
	data := map[string]any{
		"customer": map[string]any{"name": "Acme"},
	}

	result, err := Render(`{"customer_name": "{{ .customer.name }}"}`, data)
	require.NoError(t, err)

	resultMap, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Acme", resultMap["customer_name"])
}

func TestRender_ParseError(t *testing.T) {
	_, err := Render("{{ .broken", nil)
	require.Error(t, err)
}

func TestRenderMap_RecursesAndSkipsPlainStrings(t *testing.T) {
	data := map[string]any{"order_id": "o-17"}

	config := map[string]any{
		"url":    "https://api.example.com/orders/{{ .order_id }}",
		"method": "POST",
		"nested": map[string]any{
			"id": "{{ .order_id }}",
		},
		"items":  []any{"{{ .order_id }}", "static"},
		"number": 7,
	}

	rendered, err := RenderMap(config, data)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/orders/o-17", rendered["url"])
	assert.Equal(t, "POST", rendered["method"])
	assert.Equal(t, map[string]any{"id": "o-17"}, rendered["nested"])
	assert.Equal(t, []any{"o-17", "static"}, rendered["items"])
	assert.Equal(t, 7, rendered["number"])
}

func TestRenderWithInstance_Namespaces(t *testing.T) {
	instance := &models.WorkflowInstance{
		ID:         "i-1",
		WorkflowID: "order-processing",
		Version:    2,
	}

	variables := map[string]any{"amount": 120.0}

	result, err := RenderWithInstance("{{ .variables.amount }}", instance, variables)
	require.NoError(t, err)
	assert.Equal(t, 120.0, result)

	// "vars" is an alias for "variables".
	result, err = RenderWithInstance("{{ .vars.amount }}", instance, variables)
	require.NoError(t, err)
	assert.Equal(t, 120.0, result)

	result, err = RenderWithInstance("{{ .instance.workflow_id }}", instance, variables)
	require.NoError(t, err)
	assert.Equal(t, "order-processing", result)
}

func TestEvaluateCondition_OnlyExactTrueHolds(t *testing.T) {
	instance := &models.WorkflowInstance{ID: "i-1", WorkflowID: "wf", Version: 1}

	cases := []struct {
		expression string
		variables  map[string]any
		want       bool
	}{
		{"{{ gt .variables.amount 100.0 }}", map[string]any{"amount": 120.0}, true},
		{"{{ gt .variables.amount 100.0 }}", map[string]any{"amount": 80.0}, false},
		{"{{ .variables.approved }}", map[string]any{"approved": true}, true},
		{"{{ .variables.approved }}", map[string]any{"approved": false}, false},
		{"{{ .variables.name }}", map[string]any{"name": "yes"}, false},
	}

	for _, tc := range cases {
		got, err := EvaluateCondition(tc.expression, instance, tc.variables)
		require.NoError(t, err, tc.expression)
		assert.Equal(t, tc.want, got, tc.expression)
	}
}
