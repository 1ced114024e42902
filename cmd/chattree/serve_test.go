package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type step struct {
	name  string
	err   error
	order *[]string
}

func (s step) Shutdown(context.Context) error {
	*s.order = append(*s.order, s.name)
	return s.err
}

func (s step) Close() error {
	*s.order = append(*s.order, s.name)
	return s.err
}

func TestGracefulShutdown_ClosesCatalogLast(t *testing.T) {
	var order []string
	err := gracefulShutdown(context.Background(),
		step{name: "streams", order: &order},
		step{name: "http", order: &order},
		step{name: "catalog", order: &order},
	)
	require.NoError(t, err)
	require.Equal(t, []string{"streams", "http", "catalog"}, order)
}

func TestGracefulShutdown_ClosesCatalogWhenDrainFails(t *testing.T) {
	var order []string
	err := gracefulShutdown(context.Background(),
		step{name: "streams", err: errors.New("still running"), order: &order},
		step{name: "http", err: context.DeadlineExceeded, order: &order},
		step{name: "catalog", order: &order},
	)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, []string{"streams", "http", "catalog"}, order)
}
