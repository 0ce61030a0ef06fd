package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/yodablocks/bitchat/internal/daemon"
	"github.com/yodablocks/bitchat/internal/peer"
	"github.com/yodablocks/bitchat/internal/peerid"
	"github.com/yodablocks/bitchat/internal/proto"
)

// chat is the part of the runner the prompt drives.
type chat interface {
	Broadcast(content string) (proto.ChatMessage, error)
	SendPrivate(to peerid.PeerID, content string) (uuid.UUID, error)
	Neighbors() []peer.Link
	Identities() []peer.Identity
}

// repl reads lines until EOF or /quit. It reports whether the user asked to
// quit.
func repl(r io.Reader, out io.Writer, c chat) bool {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if dispatchLine(sc.Text(), out, c) {
			return true
		}
	}
	return false
}

func dispatchLine(line string, out io.Writer, c chat) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := c.Broadcast(line); err != nil {
			fmt.Fprintf(out, "broadcast failed: %v\n", err)
		}
		return false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, "/msg <peer|nickname> <text>  private message")
		fmt.Fprintln(out, "/peers                       direct neighbors")
		fmt.Fprintln(out, "/who                         known identities")
		fmt.Fprintln(out, "/quit")
		fmt.Fprintln(out, "anything else is broadcast")
	case "/peers":
		links := c.Neighbors()
		if len(links) == 0 {
			fmt.Fprintln(out, "no neighbors")
		}
		for _, l := range links {
			fmt.Fprintf(out, "%s %s\n", l.ID, l.Addr)
		}
	case "/who":
		idents := c.Identities()
		if len(idents) == 0 {
			fmt.Fprintln(out, "no known peers")
		}
		for _, id := range idents {
			fmt.Fprintf(out, "%s %s %s\n", id.ID, id.Nickname, id.Fingerprint())
		}
	case "/msg":
		target, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		text = strings.TrimSpace(text)
		if target == "" || text == "" {
			fmt.Fprintln(out, "usage: /msg <peer|nickname> <text>")
			return false
		}
		to, ok := resolvePeer(target, c.Identities())
		if !ok {
			fmt.Fprintf(out, "unknown peer: %s\n", target)
			return false
		}
		if _, err := c.SendPrivate(to, text); err != nil {
			fmt.Fprintf(out, "send to %s failed: %v\n", to, err)
		}
	default:
		fmt.Fprintf(out, "unknown command: %s (try /help)\n", cmd)
	}
	return false
}

// resolvePeer accepts a peer id or the nickname of a known identity.
func resolvePeer(s string, idents []peer.Identity) (peerid.PeerID, bool) {
	if id, err := peerid.Parse(s); err == nil && id.Short().IsShort() {
		return id.Short(), true
	}
	for _, ident := range idents {
		if ident.Nickname == s {
			return ident.ID, true
		}
	}
	return peerid.PeerID{}, false
}

func printEvent(w io.Writer, ev daemon.Event) {
	dim := color.New(color.Faint)
	switch ev.Kind {
	case daemon.EventMessage:
		color.New(color.FgGreen).Fprintf(w, "<%s> ", ev.Message.Nickname)
		fmt.Fprintln(w, ev.Message.Content)
	case daemon.EventPrivateMessage:
		color.New(color.FgMagenta).Fprintf(w, "[dm %s] ", ev.Message.Nickname)
		fmt.Fprintln(w, ev.Message.Content)
	case daemon.EventPeerJoined:
		dim.Fprintf(w, "* %s joined as %s\n", ev.Peer, ev.Nickname)
	case daemon.EventPeerLeft:
		dim.Fprintf(w, "* %s left\n", ev.Peer)
	case daemon.EventLinkUp, daemon.EventLinkDown:
		dim.Fprintf(w, "* %s %s\n", ev.Kind, ev.Peer)
	case daemon.EventDelivered, daemon.EventRead:
		dim.Fprintf(w, "* %s %s by %s\n", ev.MessageID, ev.Kind, ev.Peer)
	case daemon.EventSessionEstablished:
		dim.Fprintf(w, "* secure session with %s (%s)\n", ev.Peer, ev.Fingerprint)
	case daemon.EventSessionFailed:
		color.New(color.FgRed).Fprintf(w, "* session with %s failed: %v\n", ev.Peer, ev.Err)
	}
}
