// meshtalk is a terminal chat over encrypted peer sessions.
//
// Nodes on the local network find each other with mDNS, connect over TCP,
// negotiate a session key per peer and exchange encrypted messages.
//
// Usage:
//
//	meshtalk run [flags]
//	meshtalk version
//
// Example:
//
//	meshtalk run --name alice --port 7420
package main

import (
	"os"

	"github.com/backkem/meshtalk/cmd/meshtalk/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
