package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dantte-lp/goacl/internal/server"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is
// not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// sessionWire mirrors the /v1/sessions entry payload.
type sessionWire struct {
	Key        [5]uint64 `json:"key"`
	Worker     uint16    `json:"worker"`
	Slot       uint32    `json:"slot"`
	Epoch      uint16    `json:"epoch"`
	IfIndex    uint32    `json:"if_index"`
	Proto      uint8     `json:"proto"`
	Class      string    `json:"timeout_class"`
	CreatedNS  int64     `json:"created_ns"`
	LastActive [2]int64  `json:"last_active_ns"`
	TCPFlags   [2]uint8  `json:"tcp_flags_seen"`
	Packets    uint64    `json:"packets"`
}

// traceWire mirrors the /v1/trace entry payload.
type traceWire struct {
	Node       string    `json:"node"`
	IfIndex    uint32    `json:"if_index"`
	LCIndex    uint32    `json:"lc_index"`
	NextIndex  uint32    `json:"next_index"`
	ACLIndex   uint32    `json:"match_acl_index"`
	RuleIndex  uint32    `json:"match_rule_index"`
	PacketInfo [6]uint64 `json:"packet_info"`
	Action     uint8     `json:"action"`
	Bitmap     uint32    `json:"trace_bitmap"`
}

func formatStatus(st server.StatusResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(st)
	case formatTable:
		var b strings.Builder
		w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "VERSION\t%s\n", st.Version)
		fmt.Fprintf(w, "WORKERS\t%d\n", st.Workers)
		fmt.Fprintf(w, "SESSIONS\t%d\n", st.SessionsTotal)
		fmt.Fprintf(w, "RECLASSIFY\t%t\n", st.ReclassifySessions)
		w.Flush()
		return strings.TrimRight(b.String(), "\n"), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatCounters(c server.CountersResponse, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(c)
	case formatTable:
		var b strings.Builder
		w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tCHECKED\tPERMIT\tDENY\tNEW\tEXIST\tRESTART\tTOOMANY")
		for node, cs := range c {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
				node, cs.Checked, cs.Permitted, cs.Denied,
				cs.NewSessions, cs.ExistSessions, cs.RestartTimers, cs.TooMany)
		}
		w.Flush()
		return strings.TrimRight(b.String(), "\n"), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSessions(sessions []sessionWire, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(sessions)
	case formatTable:
		var b strings.Builder
		w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WORKER\tSLOT\tIF\tPROTO\tCLASS\tPACKETS\tAGE")
		now := time.Now().UnixNano()
		for _, s := range sessions {
			age := time.Duration(now - s.CreatedNS).Round(time.Second)
			fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\t%d\t%s\n",
				s.Worker, s.Slot, s.IfIndex, s.Proto, s.Class, s.Packets, age)
		}
		w.Flush()
		return strings.TrimRight(b.String(), "\n"), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatACLs(acls []server.ACLWire, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(acls)
	case formatTable:
		var b strings.Builder
		w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ACL\tTAG\tRULE\tACTION\tPROTO\tSRC\tDST\tSPORTS\tDPORTS")
		for _, a := range acls {
			for i, r := range a.Rules {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\t%s\t%d-%d\t%d-%d\n",
					a.Index, a.Tag, i, r.Action, r.Proto,
					orAny(r.Src), orAny(r.Dst),
					r.SrcPortFirst, r.SrcPortLast,
					r.DstPortFirst, r.DstPortLast)
			}
		}
		w.Flush()
		return strings.TrimRight(b.String(), "\n"), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatTraces(records []traceWire, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(records)
	case formatTable:
		var b strings.Builder
		w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tIF\tLC\tNEXT\tACL\tRULE\tACTION\tBITMAP")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t0x%08x\n",
				r.Node, r.IfIndex, r.LCIndex, r.NextIndex,
				r.ACLIndex, r.RuleIndex, r.Action, r.Bitmap)
		}
		w.Flush()
		return strings.TrimRight(b.String(), "\n"), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func marshalJSON(v any) (string, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(out), nil
}

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}
