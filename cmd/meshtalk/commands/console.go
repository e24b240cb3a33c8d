package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/backkem/meshtalk/pkg/link"
	"github.com/backkem/meshtalk/pkg/session"
)

type commandKind int

const (
	cmdBroadcast commandKind = iota + 1
	cmdSendTo
	cmdPeers
	cmdConnect
	cmdDisconnect
	cmdHelp
	cmdQuit
)

type command struct {
	kind commandKind
	peer link.PeerID
	text string
}

var errEmptyLine = errors.New("empty line")

// parseCommand interprets one line typed at the console.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errEmptyLine
	}
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdBroadcast, text: line}, nil
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/to":
		peer, text, _ := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if peer == "" || text == "" {
			return command{}, errors.New("usage: /to <peer> <text>")
		}
		return command{kind: cmdSendTo, peer: link.PeerID(peer), text: text}, nil
	case "/connect", "/disconnect":
		if rest == "" || strings.ContainsRune(rest, ' ') {
			return command{}, fmt.Errorf("usage: %s <peer>", name)
		}
		kind := cmdConnect
		if name == "/disconnect" {
			kind = cmdDisconnect
		}
		return command{kind: kind, peer: link.PeerID(rest)}, nil
	case "/peers":
		return command{kind: cmdPeers}, nil
	case "/help":
		return command{kind: cmdHelp}, nil
	case "/quit", "/exit":
		return command{kind: cmdQuit}, nil
	}
	return command{}, fmt.Errorf("unknown command %s, try /help", name)
}

const helpText = `commands:
  <text>                 send to every peer with a ready session
  /to <peer> <text>      send to one peer
  /peers                 list known peers
  /connect <host:port>   connect to a peer
  /disconnect <peer>     drop the link to a peer
  /quit                  exit
`

// printPeers writes a table of session snapshots.
func printPeers(w io.Writer, peers []session.Snapshot) {
	if len(peers) == 0 {
		fmt.Fprintln(w, "no peers")
		return
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tNAME\tLINK\tSESSION\tFINGERPRINT")
	for _, p := range peers {
		fp := p.RemoteFingerprint()
		if fp == "" {
			fp = p.Metadata.Fingerprint
		}
		state := p.State.String()
		if p.Err != nil {
			state += " (" + p.Err.Error() + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.PeerID, p.Metadata.Name, p.LinkState, state, fp)
	}
	tw.Flush()
}
