package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCascade_RunsEveryStep(t *testing.T) {
	var ran []string
	boom := errors.New("boom")

	c := newCascade("test")
	c.add("first", func(context.Context) error {
		ran = append(ran, "first")
		return boom
	})
	c.add("second", func(context.Context) error {
		ran = append(ran, "second")
		panic("kaput")
	})
	c.add("third", func(context.Context) error {
		ran = append(ran, "third")
		return nil
	})

	results := c.run(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, []string{"first", "second", "third"}, ran)

	assert.ErrorIs(t, results[0].Err, boom)
	var pe panicError
	require.ErrorAs(t, results[1].Err, &pe)
	assert.Contains(t, pe.Error(), "kaput")
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "third", results[2].Name)
}

func TestCascade_Empty(t *testing.T) {
	assert.Nil(t, newCascade("noop").run(context.Background()))
}
