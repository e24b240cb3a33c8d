// Package mesh provides the application-facing API for secure peer sessions.
//
// A Node ties the lower layers together: an identity key pair, a link
// transport, and the session registry that negotiates a key with every
// connected peer and encrypts application messages under it.
//
// # Creating a Node
//
//	network := link.NewPipeNetwork(link.PipeNetworkConfig{})
//	ep, _ := network.Attach("alice")
//
//	node, err := mesh.NewNode(mesh.NodeConfig{
//	    Transport: ep,
//	    Name:      "alice",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Sessions
//
// Connecting to a peer starts the handshake automatically. Once the session
// is Ready, messages can be sent:
//
//	node.Connect(ctx, "bob")
//	for ev := range node.SessionEvents() {
//	    if ev.PeerID == "bob" && ev.State == session.StateReady {
//	        node.SendMessage("bob", []byte("hello"))
//	    }
//	}
//
// Received plaintext arrives on Messages(), per-peer failures on Errors().
//
// # Testing
//
// NewTestNodePair returns two started nodes on an in-memory network.
package mesh
