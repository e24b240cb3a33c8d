package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/backkem/meshtalk/pkg/discovery"
	"github.com/backkem/meshtalk/pkg/link"
	"github.com/backkem/meshtalk/pkg/mesh"
	"github.com/backkem/meshtalk/pkg/session"
	"github.com/pion/logging"
	"github.com/spf13/cobra"
)

type runOptions struct {
	port             int
	name             string
	service          string
	handshakeTimeout time.Duration
	noConfirm        bool
	noDiscovery      bool
	logLevel         string
}

func runCmd() *cobra.Command {
	opts := runOptions{}

	port, _ := strconv.Atoi(envOr("PORT", "0"))
	timeout, _ := time.ParseDuration(envOr("HANDSHAKE_TIMEOUT", session.DefaultHandshakeTimeout.String()))
	noConfirm, _ := strconv.ParseBool(envOr("NO_CONFIRM", "false"))

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the local mesh and chat with peers",
		Long: `Advertises this node over mDNS, connects to peers advertising the same
service, negotiates a session key with each of them and relays lines typed on
stdin as encrypted messages. Type /help for console commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.port, "port", port, "TCP port to listen on (0 picks a free port)")
	f.StringVar(&opts.name, "name", envOr("NAME", ""), "display name advertised to peers")
	f.StringVar(&opts.service, "service", envOr("SERVICE", discovery.DefaultServiceID), "service ID to advertise and browse")
	f.DurationVar(&opts.handshakeTimeout, "handshake-timeout", timeout, "time allowed for a session handshake")
	f.BoolVar(&opts.noConfirm, "no-confirm", noConfirm, "treat sessions as ready without key confirmation")
	f.BoolVar(&opts.noDiscovery, "no-discovery", false, "do not advertise or browse; use /connect")
	f.StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level: disabled, error, warn, info, debug, trace")
	return cmd
}

func run(cmd *cobra.Command, opts runOptions) error {
	level, err := parseLogLevel(opts.logLevel)
	if err != nil {
		return err
	}
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = level
	loggerFactory.Writer = cmd.ErrOrStderr()

	params := session.DefaultParams()
	params.HandshakeTimeout = opts.handshakeTimeout
	params.Confirm = !opts.noConfirm

	manager, err := discovery.NewManager(discovery.ManagerConfig{
		Name:          opts.name,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	defer manager.Close()

	transport, err := link.NewTCP(link.TCPConfig{
		ListenAddr:    fmt.Sprintf(":%d", opts.port),
		Advertiser:    manager,
		Scanner:       manager,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := transport.Start(); err != nil {
		transport.Close()
		return err
	}

	node, err := mesh.NewNode(mesh.NodeConfig{
		Transport:     transport,
		Name:          opts.name,
		ServiceID:     opts.service,
		Params:        &params,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		transport.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer node.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "meshtalk %s listening on :%d, fingerprint %s\n", Version, transport.Port(), node.Fingerprint())

	if !opts.noDiscovery {
		if err := node.Advertise(ctx); err != nil {
			return fmt.Errorf("advertise: %w", err)
		}
		if err := node.Scan(ctx); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
	}

	c := &console{node: node, out: out}
	return c.loop(ctx, readLines(ctx, cmd.InOrStdin()))
}

// readLines streams lines from r until EOF or ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// console connects the node's event streams with the terminal.
type console struct {
	node *mesh.Node
	out  io.Writer
}

func (c *console) loop(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out, "shutting down")
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handleLine(ctx, line); quit {
				return nil
			}

		case d, ok := <-c.node.Discoveries():
			if !ok {
				return nil
			}
			c.onDiscovery(ctx, d)

		case ev, ok := <-c.node.SessionEvents():
			if !ok {
				return nil
			}
			c.onSessionEvent(ev)

		case msg, ok := <-c.node.Messages():
			if !ok {
				return nil
			}
			fmt.Fprintf(c.out, "[%s] %s\n", c.label(msg.PeerID), msg.Data)

		case perr, ok := <-c.node.Errors():
			if !ok {
				return nil
			}
			fmt.Fprintf(c.out, "! %v\n", perr)
		}
	}
}

func (c *console) handleLine(ctx context.Context, line string) bool {
	cmd, err := parseCommand(line)
	if err == errEmptyLine {
		return false
	}
	if err != nil {
		fmt.Fprintln(c.out, err)
		return false
	}

	switch cmd.kind {
	case cmdBroadcast:
		sent, err := c.node.Broadcast([]byte(cmd.text))
		if err != nil {
			fmt.Fprintf(c.out, "! %v\n", err)
		}
		if len(sent) == 0 {
			fmt.Fprintln(c.out, "no ready sessions")
		}
	case cmdSendTo:
		if err := c.node.SendMessage(cmd.peer, []byte(cmd.text)); err != nil {
			fmt.Fprintf(c.out, "! %s: %v\n", cmd.peer, err)
		}
	case cmdConnect:
		cctx, cancel := context.WithTimeout(ctx, link.DefaultDialTimeout)
		err := c.node.Connect(cctx, cmd.peer)
		cancel()
		if err != nil {
			fmt.Fprintf(c.out, "! connect %s: %v\n", cmd.peer, err)
		}
	case cmdDisconnect:
		if err := c.node.Disconnect(cmd.peer); err != nil {
			fmt.Fprintf(c.out, "! disconnect %s: %v\n", cmd.peer, err)
		}
	case cmdPeers:
		printPeers(c.out, c.node.Peers())
	case cmdHelp:
		fmt.Fprint(c.out, helpText)
	case cmdQuit:
		return true
	}
	return false
}

// onDiscovery dials newly found peers. Only the side with the smaller
// fingerprint dials so two nodes do not open two links to each other.
func (c *console) onDiscovery(ctx context.Context, d link.Discovery) {
	fmt.Fprintf(c.out, "* found %s %s\n", d.PeerID, d.Name)
	if d.Fingerprint != "" && d.Fingerprint <= c.node.Fingerprint() {
		return
	}
	if snap, err := c.node.Session(d.PeerID); err == nil {
		if snap.LinkState == link.StateConnecting || snap.LinkState == link.StateConnected {
			return
		}
	}

	go func() {
		cctx, cancel := context.WithTimeout(ctx, link.DefaultDialTimeout)
		defer cancel()
		if err := c.node.Connect(cctx, d.PeerID); err != nil && ctx.Err() == nil {
			fmt.Fprintf(c.out, "! connect %s: %v\n", d.PeerID, err)
		}
	}()
}

func (c *console) onSessionEvent(ev mesh.SessionEvent) {
	switch ev.State {
	case session.StateReady:
		fmt.Fprintf(c.out, "* secure session with %s\n", c.label(ev.PeerID))
	case session.StateFailed:
		fmt.Fprintf(c.out, "* session with %s failed: %v\n", ev.PeerID, ev.Err)
	case session.StateNoSession:
		if ev.From == session.StateReady {
			fmt.Fprintf(c.out, "* session with %s closed\n", c.label(ev.PeerID))
		}
	}
}

// label returns the peer's display name with its ID.
func (c *console) label(peer link.PeerID) string {
	snap, err := c.node.Session(peer)
	if err != nil || snap.Metadata.Name == "" {
		return string(peer)
	}
	return snap.Metadata.Name + "@" + string(peer)
}
