package pion

import (
	"context"
	"testing"

	mdns "github.com/bino7/mdnsd"
	"github.com/stretchr/testify/require"
)

func TestServerValidatesConfig(t *testing.T) {
	_, err := Server(nil, nil)
	require.Error(t, err)

	_, err = Server(nil, &mdns.Config{HostName: "two.labels"})
	require.Error(t, err)

	_, err = Server(nil, &mdns.Config{HostName: "alpha"})
	require.Error(t, err)
}

func TestQueryCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Query(ctx, nil, "alpha")
	require.ErrorIs(t, err, context.Canceled)
}
