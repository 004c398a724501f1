package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"rendaivous/internal/freetime"
	"rendaivous/internal/icloud"
	"rendaivous/internal/matcher"
	"rendaivous/internal/models"
)

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type sharedFreeTimeResponse struct {
	StartRange     string       `json:"start_range"`
	EndRange       string       `json:"end_range"`
	Busy           []windowJSON `json:"busy,omitempty"`
	SharedFreeTime []windowJSON `json:"shared_free_time"`
}

func (s *Server) queryRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	start, err := parseInstant("start", q.Get("start"), s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseInstant("end", q.Get("end"), s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func (s *Server) participants(r *http.Request, pairs []tokenPair) ([]matcher.Participant, error) {
	if s.connect == nil {
		return nil, fmt.Errorf("calendar access: %w", errUnavailable)
	}
	out := make([]matcher.Participant, len(pairs))
	for i, p := range pairs {
		if p.AccessToken == "" {
			return nil, badRequest("user %d: missing access_token", i+1)
		}
		src, err := s.connect(r.Context(), p.AccessToken, p.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("user %d: %w", i+1, err)
		}
		out[i] = matcher.Participant{ID: fmt.Sprintf("user-%d", i+1), Source: src}
	}
	return out, nil
}

func (s *Server) handleSharedFreeTime(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.queryRange(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rawUsers := r.URL.Query()["users"]
	if len(rawUsers) == 0 {
		s.writeError(w, r, badRequest("at least one users parameter is required"))
		return
	}
	pairs := make([]tokenPair, len(rawUsers))
	for i, raw := range rawUsers {
		if err := json.Unmarshal([]byte(raw), &pairs[i]); err != nil {
			s.writeError(w, r, badRequest("invalid users[%d]: %v", i, err))
			return
		}
	}

	s.respondSharedFreeTime(w, r, pairs, start, end)
}

func (s *Server) handleUserFreeTime(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.queryRange(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	pair := tokenPair{AccessToken: q.Get("access_token"), RefreshToken: q.Get("refresh_token")}
	s.respondSharedFreeTime(w, r, []tokenPair{pair}, start, end)
}

func (s *Server) respondSharedFreeTime(w http.ResponseWriter, r *http.Request, pairs []tokenPair, start, end time.Time) {
	if start.After(end) {
		s.writeError(w, r, &freetime.InvalidRangeError{Start: start, End: end})
		return
	}
	participants, err := s.participants(r, pairs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.matcher.SharedFreeTime(r.Context(), participants, start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "ics" {
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="free-time.ics"`)
		if err := icloud.EncodeFreeWindows(w, res.Free); err != nil {
			s.logger.Error("Failed to encode free windows", "error", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, sharedFreeTimeResponse{
		StartRange:     s.format(start),
		EndRange:       s.format(end),
		SharedFreeTime: s.windowsJSON(res.Free),
	})
}

type freeTimeRequest struct {
	Start string                       `json:"start"`
	End   string                       `json:"end"`
	Users map[string][]models.RawEvent `json:"users"`
}

// handleFreeTime runs the computation on events supplied by the caller.
func (s *Server) handleFreeTime(w http.ResponseWriter, r *http.Request) {
	var req freeTimeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	start, err := parseInstant("start", req.Start, s.loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	end, err := parseInstant("end", req.End, s.loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := freetime.Compute(req.Users, start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sharedFreeTimeResponse{
		StartRange:     s.format(start),
		EndRange:       s.format(end),
		Busy:           s.busyJSON(res.Busy),
		SharedFreeTime: s.windowsJSON(res.Free),
	})
}
