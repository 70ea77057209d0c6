package view

import (
	"context"
	"net/http"

	"github.com/stormsense/loralink/logging"
	"github.com/stormsense/loralink/node"
)

func init() {
	node.SetViewServer(func(ctx context.Context, n *node.Node, addr string, metricsHandler http.Handler) error {
		return NewServer(n, logging.For("view")).Run(ctx, addr, metricsHandler)
	})
}
