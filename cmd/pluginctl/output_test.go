package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugind/pkg/plugin"
)

func TestDescribeExpandsValidationProblems(t *testing.T) {
	err := fmt.Errorf("install: %w", &plugin.ValidationError{
		PluginID: "weather",
		Problems: []string{"missing entry point", `missing required field "author"`},
	})

	got := describe(err)
	assert.Equal(t, "plugin validation failed: weather\n  - missing entry point\n  - missing required field \"author\"", got.Error())

	plain := errors.New("boom")
	assert.Same(t, plain, describe(plain))
}

func TestColorizeWithoutTerminal(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	assert.Equal(t, "ACTIVATED", colorizeState(plugin.StateActivated))
	assert.Equal(t, "ERROR", colorizeState(plugin.StateError))
	assert.Equal(t, "failed", colorizeTask(plugin.TaskFailed))
}

func TestPrintOutputRejectsUnknownFormat(t *testing.T) {
	prev := outputFormat
	t.Cleanup(func() { outputFormat = prev })

	outputFormat = "xml"
	assert.Error(t, printOutput(struct{}{}, func() {}))

	outputFormat = "table"
	called := false
	require.NoError(t, printOutput(struct{}{}, func() { called = true }))
	assert.True(t, called)
}

func TestAsInt64(t *testing.T) {
	for _, v := range []interface{}{int(42), int64(42), uint64(42), float64(42), "42"} {
		n, err := asInt64(v)
		require.NoError(t, err, "%T", v)
		assert.Equal(t, int64(42), n)
	}
	_, err := asInt64([]string{"42"})
	assert.Error(t, err)
}
