// Package server implements the HTTP admin API for the goacld daemon.
//
// The API is the control-plane surface of the dataplane node: ACL
// installation, interface bindings, session and counter dumps, trace
// control. Handlers are thin adapters between JSON and the acl
// package; nothing here touches the packet path beyond the published
// control structures.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/dantte-lp/goacl/internal/acl"
	appversion "github.com/dantte-lp/goacl/internal/version"
)

// Sentinel errors for request validation.
var (
	// ErrBadIfIndex indicates an unparseable interface index.
	ErrBadIfIndex = errors.New("interface index must be an unsigned integer")

	// ErrBadDirection indicates a direction other than input/output.
	ErrBadDirection = errors.New("direction must be input or output")

	// ErrBadACLIndex indicates an unparseable ACL index.
	ErrBadACLIndex = errors.New("acl index must be an unsigned integer")

	// ErrBadAction indicates an unrecognized rule action string.
	ErrBadAction = errors.New("rule action must be deny, permit, or reflect")

	// ErrUnknownNode indicates a trace request for a node that does
	// not exist.
	ErrUnknownNode = errors.New("unknown node name")
)

// AdminServer serves the goacld admin API.
type AdminServer struct {
	dp     *acl.Dataplane
	logger *slog.Logger
}

// New creates the admin server and returns its HTTP handler.
func New(dp *acl.Dataplane, logger *slog.Logger) http.Handler {
	s := &AdminServer{
		dp:     dp,
		logger: logger.With(slog.String("component", "admin")),
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/counters", s.handleCounters).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions", s.handleClearSessions).Methods(http.MethodDelete)
	r.HandleFunc("/v1/acls", s.handleListACLs).Methods(http.MethodGet)
	r.HandleFunc("/v1/acls/{index}", s.handleReplaceACL).Methods(http.MethodPut)
	r.HandleFunc("/v1/interfaces/{ifindex}/{direction}", s.handleBind).Methods(http.MethodPut)
	r.HandleFunc("/v1/interfaces/{ifindex}/{direction}", s.handleUnbind).Methods(http.MethodDelete)
	r.HandleFunc("/v1/interfaces/{ifindex}/{direction}/epoch", s.handleBumpEpoch).Methods(http.MethodPost)
	r.HandleFunc("/v1/reclassify", s.handleReclassify).Methods(http.MethodPut)
	r.HandleFunc("/v1/trace", s.handleGetTrace).Methods(http.MethodGet)
	r.HandleFunc("/v1/trace", s.handleSetTrace).Methods(http.MethodPut)
	return r
}

// -------------------------------------------------------------------------
// Wire types
// -------------------------------------------------------------------------

// StatusResponse is the /v1/status payload.
type StatusResponse struct {
	Version            string `json:"version"`
	Workers            int    `json:"workers"`
	SessionsTotal      int    `json:"sessions_total"`
	ReclassifySessions bool   `json:"reclassify_sessions"`
}

// CountersResponse maps node name to its counter totals.
type CountersResponse map[string]CounterSnapshot

// CounterSnapshot mirrors the node counter strings.
type CounterSnapshot struct {
	Checked       uint64 `json:"checked_packets"`
	Permitted     uint64 `json:"acl_permit_packets"`
	Denied        uint64 `json:"acl_deny_packets"`
	NewSessions   uint64 `json:"new_sessions_added"`
	ExistSessions uint64 `json:"existing_session_packets"`
	RestartTimers uint64 `json:"restart_session_timer"`
	TooMany       uint64 `json:"too_many_sessions"`
}

// RuleWire is the JSON form of one ACL rule.
type RuleWire struct {
	Src           string `json:"src,omitempty"`
	Dst           string `json:"dst,omitempty"`
	Proto         uint8  `json:"proto,omitempty"`
	SrcPortFirst  uint16 `json:"src_port_first,omitempty"`
	SrcPortLast   uint16 `json:"src_port_last,omitempty"`
	DstPortFirst  uint16 `json:"dst_port_first,omitempty"`
	DstPortLast   uint16 `json:"dst_port_last,omitempty"`
	TCPFlagsMask  uint8  `json:"tcp_flags_mask,omitempty"`
	TCPFlagsValue uint8  `json:"tcp_flags_value,omitempty"`
	Action        string `json:"action"`
}

// ACLWire is the JSON form of one ACL.
type ACLWire struct {
	Index uint32     `json:"index"`
	Tag   string     `json:"tag,omitempty"`
	Rules []RuleWire `json:"rules"`
}

// BindWire is the PUT body for an interface binding.
type BindWire struct {
	ACLIndices []uint32 `json:"acl_indices"`
}

// ReclassifyWire is the PUT body for the reclassify flag.
type ReclassifyWire struct {
	Enabled bool `json:"enabled"`
}

// TraceWire is the PUT body for trace control.
type TraceWire struct {
	Node    string `json:"node"`
	Enabled bool   `json:"enabled"`
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

func (s *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, StatusResponse{
		Version:            appversion.Version,
		Workers:            len(s.dp.Workers()),
		SessionsTotal:      s.dp.Table().TotalLive(),
		ReclassifySessions: s.dp.ReclassifySessions(),
	})
}

func (s *AdminServer) handleCounters(w http.ResponseWriter, _ *http.Request) {
	totals := s.dp.CounterTotals()
	resp := make(CountersResponse, len(totals))
	for node, c := range totals {
		resp[node] = CounterSnapshot{
			Checked:       c.Checked,
			Permitted:     c.Permitted,
			Denied:        c.Denied(),
			NewSessions:   c.NewSessions,
			ExistSessions: c.ExistSessions,
			RestartTimers: c.RestartTimers,
			TooMany:       c.TooMany,
		}
	}
	s.writeJSON(w, resp)
}

func (s *AdminServer) handleSessions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.dp.Table().Dump())
}

func (s *AdminServer) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	n := s.dp.ClearSessions(acl.WorkerNone)
	s.logger.InfoContext(r.Context(), "sessions cleared", slog.Int("count", n))
	s.writeJSON(w, map[string]int{"cleared": n})
}

func (s *AdminServer) handleListACLs(w http.ResponseWriter, _ *http.Request) {
	acls := s.dp.Rules().ACLs()
	out := make([]ACLWire, 0, len(acls))
	for _, a := range acls {
		out = append(out, aclToWire(a))
	}
	s.writeJSON(w, out)
}

func (s *AdminServer) handleReplaceACL(w http.ResponseWriter, r *http.Request) {
	index, err := parseUint32(mux.Vars(r)["index"], ErrBadACLIndex)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var wire ACLWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode acl: %w", err))
		return
	}
	wire.Index = index

	installed, err := wireToACL(wire)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.dp.Rules().ReplaceACL(installed); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.InfoContext(r.Context(), "acl replaced",
		slog.Uint64("index", uint64(index)),
		slog.Int("rules", len(installed.Rules)),
	)
	s.writeJSON(w, map[string]uint32{"index": index})
}

func (s *AdminServer) handleBind(w http.ResponseWriter, r *http.Request) {
	ifIndex, isInput, err := parseArc(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var wire BindWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode binding: %w", err))
		return
	}

	if err := s.dp.ApplyBinding(ifIndex, isInput, wire.ACLIndices); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.logger.InfoContext(r.Context(), "interface bound",
		slog.Uint64("if_index", uint64(ifIndex)),
		slog.Bool("input", isInput),
		slog.Int("acls", len(wire.ACLIndices)),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleUnbind(w http.ResponseWriter, r *http.Request) {
	ifIndex, isInput, err := parseArc(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.dp.Binding().Unbind(ifIndex, isInput); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleBumpEpoch(w http.ResponseWriter, r *http.Request) {
	ifIndex, isInput, err := parseArc(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.dp.Binding().BumpEpoch(ifIndex, isInput); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, map[string]uint16{
		"epoch": uint16(s.dp.Binding().EpochFor(ifIndex, isInput)),
	})
}

func (s *AdminServer) handleReclassify(w http.ResponseWriter, r *http.Request) {
	var wire ReclassifyWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode reclassify: %w", err))
		return
	}
	s.dp.SetReclassifySessions(wire.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("node")
	var out []acl.TraceRecord
	for _, n := range s.dp.Nodes() {
		if name != "" && n.Name() != name {
			continue
		}
		out = append(out, n.TraceRecords()...)
	}
	s.writeJSON(w, out)
}

func (s *AdminServer) handleSetTrace(w http.ResponseWriter, r *http.Request) {
	var wire TraceWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode trace: %w", err))
		return
	}
	found := false
	for _, n := range s.dp.Nodes() {
		if wire.Node == "" || n.Name() == wire.Node {
			n.SetTracing(wire.Enabled)
			found = true
		}
	}
	if !found {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("%q: %w", wire.Node, ErrUnknownNode))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -------------------------------------------------------------------------
// Wire conversion
// -------------------------------------------------------------------------

func aclToWire(a *acl.ACL) ACLWire {
	out := ACLWire{Index: a.Index, Tag: a.Tag, Rules: make([]RuleWire, 0, len(a.Rules))}
	for _, r := range a.Rules {
		rw := RuleWire{
			Proto:         r.Proto,
			SrcPortFirst:  r.SrcPortFirst,
			SrcPortLast:   r.SrcPortLast,
			DstPortFirst:  r.DstPortFirst,
			DstPortLast:   r.DstPortLast,
			TCPFlagsMask:  r.TCPFlagsMask,
			TCPFlagsValue: r.TCPFlagsValue,
			Action:        r.Action.String(),
		}
		if r.SrcPrefix.IsValid() {
			rw.Src = r.SrcPrefix.String()
		}
		if r.DstPrefix.IsValid() {
			rw.Dst = r.DstPrefix.String()
		}
		out.Rules = append(out.Rules, rw)
	}
	return out
}

func wireToACL(w ACLWire) (acl.ACL, error) {
	out := acl.ACL{Index: w.Index, Tag: w.Tag, Rules: make([]acl.Rule, 0, len(w.Rules))}
	for i, rw := range w.Rules {
		action, err := parseAction(rw.Action)
		if err != nil {
			return acl.ACL{}, fmt.Errorf("rule %d: %w", i, err)
		}
		r := acl.Rule{
			Proto:         rw.Proto,
			SrcPortFirst:  rw.SrcPortFirst,
			SrcPortLast:   rw.SrcPortLast,
			DstPortFirst:  rw.DstPortFirst,
			DstPortLast:   rw.DstPortLast,
			TCPFlagsMask:  rw.TCPFlagsMask,
			TCPFlagsValue: rw.TCPFlagsValue,
			Action:        action,
		}
		if rw.Src != "" {
			p, err := netip.ParsePrefix(rw.Src)
			if err != nil {
				return acl.ACL{}, fmt.Errorf("rule %d src %q: %w", i, rw.Src, err)
			}
			r.SrcPrefix = p
		}
		if rw.Dst != "" {
			p, err := netip.ParsePrefix(rw.Dst)
			if err != nil {
				return acl.ACL{}, fmt.Errorf("rule %d dst %q: %w", i, rw.Dst, err)
			}
			r.DstPrefix = p
		}
		out.Rules = append(out.Rules, r)
	}
	return out, nil
}

func parseAction(s string) (acl.Action, error) {
	switch s {
	case "deny":
		return acl.ActionDeny, nil
	case "permit":
		return acl.ActionPermit, nil
	case "reflect", "permit+reflect":
		return acl.ActionPermitReflect, nil
	default:
		return acl.ActionDeny, fmt.Errorf("%q: %w", s, ErrBadAction)
	}
}

func parseArc(r *http.Request) (uint32, bool, error) {
	vars := mux.Vars(r)
	ifIndex, err := parseUint32(vars["ifindex"], ErrBadIfIndex)
	if err != nil {
		return 0, false, err
	}
	switch vars["direction"] {
	case "input":
		return ifIndex, true, nil
	case "output":
		return ifIndex, false, nil
	default:
		return 0, false, fmt.Errorf("%q: %w", vars["direction"], ErrBadDirection)
	}
}

func parseUint32(s string, sentinel error) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, sentinel)
	}
	return uint32(v), nil
}

// -------------------------------------------------------------------------
// Response helpers
// -------------------------------------------------------------------------

func (s *AdminServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", slog.String("error", err.Error()))
	}
}

func (s *AdminServer) writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
