package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"grimm.is/wayout/internal/apply"
	"grimm.is/wayout/internal/changeset"
	"grimm.is/wayout/internal/policy"
)

// changeSetRequest is the submission body for validate and apply.
// An empty id gets a generated one.
type changeSetRequest struct {
	ID      string                  `json:"id,omitempty"`
	Changes []changeset.DraftChange `json:"changes"`
}

func (s *Server) bindChangeSet(w http.ResponseWriter, r *http.Request) *changeset.ChangeSet {
	var req changeSetRequest
	if err := BindJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation", err.Error())
		return nil
	}
	if len(req.Changes) == 0 {
		WriteError(w, http.StatusBadRequest, "validation", "change set has no changes")
		return nil
	}
	cs := changeset.New(req.Changes)
	if req.ID != "" {
		cs.ID = req.ID
	}
	return cs
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	cs := s.bindChangeSet(w, r)
	if cs == nil {
		return
	}
	vr := s.coordinator.Validate(cs)
	WriteJSON(w, http.StatusOK, vr)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	cs := s.bindChangeSet(w, r)
	if cs == nil {
		return
	}

	s.logger.Info("Apply requested", "change_set_id", cs.ID, "changes", len(cs.Changes), "client", getClientIP(r))

	res, err := s.coordinator.Apply(r.Context(), cs)
	if err != nil {
		var rf *apply.RollbackFailure
		switch {
		case errors.Is(err, apply.ErrBusy):
			WriteError(w, http.StatusConflict, "precondition", "another apply is in progress")
		case errors.As(err, &rf):
			WriteJSON(w, http.StatusInternalServerError, res)
		default:
			WriteError(w, http.StatusInternalServerError, "apply", err.Error())
		}
		return
	}

	if s.wsManager != nil {
		s.wsManager.Publish("changeset", res)
	}

	switch res.State {
	case changeset.StateApplied:
		WriteJSON(w, http.StatusOK, res)
	case changeset.StateInvalid:
		WriteJSON(w, http.StatusUnprocessableEntity, res)
	default: // RolledBack
		WriteJSON(w, http.StatusBadGateway, res)
	}
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var desc policy.TrafficDescriptor
	if err := BindJSON(r, &desc); err != nil {
		WriteError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}

	dec, err := s.engine.Evaluate(desc)
	if err != nil {
		WriteError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, dec)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("id")
	if _, ok := s.engine.State().Rules[ruleID]; !ok {
		WriteError(w, http.StatusNotFound, "referential", "unknown rule "+ruleID)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, "validation", "limit must be a positive integer")
			return
		}
		limit = n
	}

	records := s.engine.Recorder().Query(ruleID, r.URL.Query().Get("client_ip"), limit)
	WriteJSON(w, http.StatusOK, map[string]any{
		"rule_id": ruleID,
		"matches": records,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	st := s.engine.State()
	rules := make([]*policy.Rule, 0, len(st.Rules))
	for _, rule := range st.Rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	WriteJSON(w, http.StatusOK, rules)
}

func (s *Server) handleListMatchers(w http.ResponseWriter, r *http.Request) {
	st := s.engine.State()
	out := make([]*policy.TrafficMatcher, 0, len(st.Matchers))
	for _, m := range st.Matchers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	st := s.engine.State()
	out := make([]*policy.ClientGroup, 0, len(st.Groups))
	for _, g := range st.Groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleListEgresses(w http.ResponseWriter, r *http.Request) {
	st := s.engine.State()
	out := make([]*policy.EgressPoint, 0, len(st.Egresses))
	for _, e := range st.Egresses {
		ep := *e
		if s.monitor != nil {
			if h, ok := s.monitor.HealthFor(ep.ID); ok {
				ep.Health = policy.EgressHealth{
					Reachable: h.Reachable,
					LatencyMS: float64(h.Latency.Milliseconds()),
					CheckedAt: h.CheckedAt,
				}
			}
		}
		out = append(out, &ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleListDNSPolicies(w http.ResponseWriter, r *http.Request) {
	st := s.engine.State()
	out := make([]*policy.DNSPolicy, 0, len(st.DNSPolicies))
	for _, p := range st.DNSPolicies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleListReservations(w http.ResponseWriter, r *http.Request) {
	st := s.engine.State()
	out := make([]*policy.Reservation, 0, len(st.Reservations))
	for _, res := range st.Reservations {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	WriteJSON(w, http.StatusOK, out)
}

// snapshotSummary omits the state blob from listings.
type snapshotSummary struct {
	ID            string `json:"id"`
	SchemaVersion int    `json:"schema_version"`
	CapturedAt    string `json:"captured_at"`
	ChangeSetID   string `json:"change_set_id,omitempty"`
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.snapshots.List()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "storage", "failed to list snapshots", err.Error())
		return
	}
	out := make([]snapshotSummary, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, snapshotSummary{
			ID:            sn.ID,
			SchemaVersion: sn.SchemaVersion,
			CapturedAt:    sn.CapturedAt.Format("2006-01-02T15:04:05Z07:00"),
			ChangeSetID:   sn.ChangeSetID,
		})
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleListChangeSets(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		WriteJSON(w, http.StatusOK, []struct{}{})
		return
	}
	recs, err := s.records.List()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "storage", "failed to list change sets", err.Error())
		return
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FinishedAt.After(recs[j].FinishedAt) })
	WriteJSON(w, http.StatusOK, recs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.clock.Now().Sub(s.startTime).String(),
	})
}
