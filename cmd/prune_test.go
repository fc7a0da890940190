package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCleaner struct {
	n   int64
	err error
}

func (f fakeCleaner) Cleanup(context.Context) (int64, error) { return f.n, f.err }

type fakeSweeper struct {
	n      int64
	err    error
	called bool
}

func (f *fakeSweeper) Sweep(context.Context) (int64, error) {
	f.called = true
	return f.n, f.err
}

func TestPrune(t *testing.T) {
	sw := &fakeSweeper{n: 4}
	sel, cache, err := prune(context.Background(), fakeCleaner{n: 2}, sw)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sel)
	assert.Equal(t, int64(4), cache)
}

func TestPrune_SelectorErrorStops(t *testing.T) {
	sw := &fakeSweeper{}
	_, _, err := prune(context.Background(), fakeCleaner{err: errors.New("locked")}, sw)
	assert.ErrorContains(t, err, "prune selectors")
	assert.False(t, sw.called)
}

func TestPrune_SweepError(t *testing.T) {
	sel, _, err := prune(context.Background(), fakeCleaner{n: 1}, &fakeSweeper{err: errors.New("locked")})
	assert.ErrorContains(t, err, "sweep cache")
	assert.Equal(t, int64(1), sel)
}
