package node

import (
	"fmt"
	"sort"
	"strings"

	"veilidcore/cryptokind"
	verrors "veilidcore/pkg/errors"
	"veilidcore/route"
	"veilidcore/routingtable"
	"veilidcore/rpc"
)

// runDebug implements the informational debug grammar: human
// commands in, human text out. Not a protocol surface.
func (n *Node) runDebug(command string) (string, error) {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return "", verrors.New(verrors.MissingArgument, "empty debug command")
	}
	switch fields[0] {
	case "help":
		return "commands: attach | detach | state | buckets | peers | ping <key> | route allocate [hops] | route list | route release <id>", nil
	case "state":
		return n.State().String(), nil
	case "attach":
		if err := n.Startup(); err != nil {
			return "", err
		}
		return "attached", nil
	case "detach":
		if err := n.Shutdown(); err != nil {
			return "", err
		}
		return "detached", nil
	case "buckets":
		return n.debugBuckets(), nil
	case "peers":
		return fmt.Sprintf("%d entries, %d cached peer infos", n.table.EntryCount(), n.peers.Len()), nil
	case "ping":
		if len(fields) < 2 {
			return "", verrors.New(verrors.MissingArgument, "ping <key>")
		}
		return n.debugPing(fields[1])
	case "route":
		if len(fields) < 2 {
			return "", verrors.New(verrors.MissingArgument, "route allocate|list|release")
		}
		return n.debugRoute(fields[1:])
	default:
		return "", verrors.Newf(verrors.InvalidArgument, "unknown debug command %q", fields[0])
	}
}

func (n *Node) debugBuckets() string {
	var b strings.Builder
	kinds := n.registry.Supported()
	for _, k := range kinds {
		local, ok := n.identity.Get(k)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s: %d entries (local %s)\n", k, n.table.EntryCount(), local)
	}
	entries := n.table.FindClosest(n.bestKind, mustLocal(n), routingtable.NumBuckets, nil)
	sort.Slice(entries, func(i, j int) bool {
		a, _ := entries[i].NodeIDs().Get(n.bestKind)
		c, _ := entries[j].NodeIDs().Get(n.bestKind)
		return a.String() < c.String()
	})
	for _, e := range entries {
		id, _ := e.NodeIDs().Get(n.bestKind)
		fmt.Fprintf(&b, "  %s %s\n", id, e.Liveness())
	}
	return strings.TrimRight(b.String(), "\n")
}

func mustLocal(n *Node) cryptokind.TypedKey {
	k, _ := n.identity.Get(n.bestKind)
	return k
}

func (n *Node) debugPing(keyStr string) (string, error) {
	release, err := n.started()
	if err != nil {
		return "", err
	}
	defer release()

	target, err := cryptokind.ParseTypedKey(keyStr)
	if err != nil {
		return "", err
	}
	ids := cryptokind.NewTypedKeyGroup()
	ids.Add(target)
	body, err := rpc.EncodeBody(rpc.StatusQ{})
	if err != nil {
		return "", err
	}
	start := n.clock.Now()
	_, err = n.engine.Question(rpc.Destination{Kind: rpc.DestinationDirect, Node: ids}, rpc.OpStatus, body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("pong from %s in %s", target, n.clock.Now().Sub(start)), nil
}

func (n *Node) debugRoute(args []string) (string, error) {
	switch args[0] {
	case "allocate":
		hops := 0
		if len(args) > 1 {
			fmt.Sscanf(args[1], "%d", &hops)
		}
		set, err := n.routeEng.Allocate(hops, rpc.StabilityLowLatency, rpc.SequencingNoPreference, route.DirectionOutbound)
		if err != nil {
			return "", err
		}
		return "allocated route " + set.ID, nil
	case "list":
		ids := n.routeEng.NeedsTesting(n.clock.Now())
		if len(ids) == 0 {
			return "no routes need testing", nil
		}
		return strings.Join(ids, "\n"), nil
	case "release":
		if len(args) < 2 {
			return "", verrors.New(verrors.MissingArgument, "route release <id>")
		}
		n.routeEng.Release(args[1])
		return "released", nil
	default:
		return "", verrors.Newf(verrors.InvalidArgument, "unknown route subcommand %q", args[0])
	}
}
