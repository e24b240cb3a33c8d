// meshtalk-echo is a device that answers every message with the same text.
//
// It advertises itself over mDNS so a meshtalk console on the same network
// finds it and negotiates a session automatically.
//
// Usage:
//
//	meshtalk-echo [options]
//
// Options:
//
//	-port     TCP port (default: 7420)
//	-name     Display name (default: "meshtalk device")
//	-service  Service ID (default: "meshtalk")
//	-v        Debug logging
package main

import (
	"log"

	"github.com/backkem/meshtalk/examples/common"
	"github.com/backkem/meshtalk/examples/echo"
)

func main() {
	opts := common.ParseFlags()

	app, err := common.CreateNode(opts)
	if err != nil {
		log.Fatalf("Failed to create echo device: %v", err)
	}

	device := echo.NewDevice(app.Node)
	if err := common.RunDevice(app, device.Serve); err != nil {
		log.Fatalf("Device error: %v", err)
	}
}
