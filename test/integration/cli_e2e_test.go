//go:build e2e

// This file drives two meshtalk console processes against each other.
//
// Build with: go test -tags=e2e ./test/integration/...
package integration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/backkem/meshtalk/test/integration/framework"
)

func startConsole(t *testing.T, name string, port int) *framework.NodeProcess {
	t.Helper()
	config := framework.NodeProcessConfig{
		BinaryPath: filepath.Join("..", "..", "cmd", "meshtalk"),
		Port:       port,
		Name:       name,
	}
	// Usage: E2E_LOG_FILE=/tmp/e2e.log go test -tags=e2e -v ./test/integration
	if logFile := os.Getenv("E2E_LOG_FILE"); logFile != "" {
		config.LogFile = logFile
	}

	p := framework.NewNodeProcess(config)
	if err := p.Start(); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestCLI_ConsoleChat(t *testing.T) {
	alice := startConsole(t, "alice", 17420)
	bob := startConsole(t, "bob", 17421)

	if err := alice.Connect(bob); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, p := range []*framework.NodeProcess{alice, bob} {
		if _, err := p.WaitForOutput("secure session with", 10*time.Second); err != nil {
			t.Fatal(err)
		}
	}

	if err := alice.Send("hello from alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.WaitForOutput("hello from alice", 10*time.Second); err != nil {
		t.Fatal(err)
	}

	if err := bob.Send("/peers"); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.WaitForOutput("Ready", 10*time.Second); err != nil {
		t.Fatal(err)
	}

	if err := alice.Send("/quit"); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.WaitForOutput("closed", 10*time.Second); err != nil {
		t.Fatal(err)
	}
}
