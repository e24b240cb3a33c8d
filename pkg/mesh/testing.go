package mesh

import (
	"context"
	"errors"

	"github.com/backkem/meshtalk/pkg/link"
	"github.com/pion/logging"
)

// NewTestNodePair creates two started nodes, "node-a" and "node-b", attached to
// a fresh in-memory network. They are not connected yet.
//
// Example:
//
//	a, b, network, _ := mesh.NewTestNodePair(ctx, nil)
//	defer a.Stop()
//	defer b.Stop()
//	a.Connect(ctx, "node-b")
func NewTestNodePair(ctx context.Context, loggerFactory logging.LoggerFactory) (*Node, *Node, *link.PipeNetwork, error) {
	network := link.NewPipeNetwork(link.PipeNetworkConfig{LoggerFactory: loggerFactory})

	a, err := newPipeNode(ctx, network, "node-a", loggerFactory)
	if err != nil {
		return nil, nil, nil, err
	}
	b, err := newPipeNode(ctx, network, "node-b", loggerFactory)
	if err != nil {
		a.Stop()
		return nil, nil, nil, err
	}
	return a, b, network, nil
}

func newPipeNode(ctx context.Context, network *link.PipeNetwork, id link.PeerID, loggerFactory logging.LoggerFactory) (*Node, error) {
	ep, err := network.Attach(id)
	if err != nil {
		return nil, err
	}
	node, err := NewNode(NodeConfig{
		Transport:     ep,
		Name:          string(id),
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return nil, errors.Join(err, ep.Close())
	}
	if err := node.Start(ctx); err != nil {
		return nil, errors.Join(err, ep.Close())
	}
	return node, nil
}
