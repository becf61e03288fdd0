package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"fleetgate/internal/auditlog"
	"fleetgate/internal/fleet"
	"fleetgate/internal/governor"
	"fleetgate/internal/gps51"
	"fleetgate/internal/observability"
	"fleetgate/internal/poller"
)

// Request is the proxy envelope. Every dashboard call is a POST with the
// GPS51 action and action-specific params.
type Request struct {
	Action string          `json:"action"`
	Token  string          `json:"token,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type loginParams struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	ForceRefresh bool   `json:"forceRefresh,omitempty"`
}

type deviceListParams struct {
	Username     string `json:"username"`
	ForceRefresh bool   `json:"forceRefresh,omitempty"`
}

type positionsParams struct {
	DeviceIDs     []string `json:"deviceids"`
	LastQueryTime int64    `json:"lastquerypositiontime,omitempty"`
	ForceRefresh  bool     `json:"forceRefresh,omitempty"`
}

type tracksParams struct {
	DeviceID     string `json:"deviceid"`
	BeginTime    string `json:"begintime"`
	EndTime      string `json:"endtime"`
	ForceRefresh bool   `json:"forceRefresh,omitempty"`
}

const trackTimeLayout = "2006-01-02 15:04:05"

type Handlers struct {
	fleet  *fleet.Client
	gov    *governor.Governor
	poller *poller.Poller
	audit  *auditlog.Writer
	logger *slog.Logger
}

func NewHandlers(fc *fleet.Client, gov *governor.Governor, pl *poller.Poller, audit *auditlog.Writer, logger *slog.Logger) *Handlers {
	return &Handlers{
		fleet:  fc,
		gov:    gov,
		poller: pl,
		audit:  audit,
		logger: logger.With("component", "proxy"),
	}
}

func (h *Handlers) HandleGPS51(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, req.Action, "", start, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	// Non-login actions need a token matching the gateway session.
	username := ""
	if req.Action != gps51.ActionLogin {
		token, err := h.fleet.Session().Token()
		if err != nil || req.Token == "" || req.Token != token {
			h.writeError(w, req.Action, "", start, http.StatusUnauthorized, CodeMissingToken, "missing or invalid token")
			return
		}
		username = h.fleet.Session().Current().Username
	}

	var (
		result any
		err    error
	)
	switch req.Action {
	case gps51.ActionLogin:
		var p loginParams
		if jsonErr := json.Unmarshal(req.Params, &p); jsonErr != nil || p.Username == "" || p.Password == "" {
			h.writeError(w, req.Action, p.Username, start, http.StatusBadRequest, CodeInvalidRequest, "login requires username and password")
			return
		}
		username = p.Username
		result, err = h.fleet.Authenticate(r.Context(), p.Username, p.Password, p.ForceRefresh)

	case gps51.ActionDeviceList:
		var p deviceListParams
		if jsonErr := json.Unmarshal(req.Params, &p); jsonErr != nil || p.Username == "" {
			h.writeError(w, req.Action, username, start, http.StatusBadRequest, CodeInvalidRequest, "querymonitorlist requires username")
			return
		}
		result, err = h.fleet.DeviceList(r.Context(), p.Username, p.ForceRefresh)

	case gps51.ActionPositions:
		var p positionsParams
		if jsonErr := json.Unmarshal(req.Params, &p); jsonErr != nil || len(p.DeviceIDs) == 0 {
			h.writeError(w, req.Action, username, start, http.StatusBadRequest, CodeInvalidRequest, "lastposition requires deviceids")
			return
		}
		result, err = h.fleet.LastPositions(r.Context(), p.DeviceIDs, p.LastQueryTime, p.ForceRefresh)

	case gps51.ActionTracks:
		var p tracksParams
		if jsonErr := json.Unmarshal(req.Params, &p); jsonErr != nil || p.DeviceID == "" {
			h.writeError(w, req.Action, username, start, http.StatusBadRequest, CodeInvalidRequest, "querytracks requires deviceid")
			return
		}
		begin, bErr := time.Parse(trackTimeLayout, p.BeginTime)
		end, eErr := time.Parse(trackTimeLayout, p.EndTime)
		if bErr != nil || eErr != nil || end.Before(begin) {
			h.writeError(w, req.Action, username, start, http.StatusBadRequest, CodeInvalidRequest, "querytracks requires a valid begintime/endtime range")
			return
		}
		result, err = h.fleet.Tracks(r.Context(), p.DeviceID, begin, end, p.ForceRefresh)

	case gps51.ActionLogout:
		err = h.fleet.Logout(r.Context())
		result = map[string]string{"status": "logged_out"}

	default:
		h.writeError(w, req.Action, username, start, http.StatusBadRequest, CodeInvalidRequest, "unknown action")
		return
	}

	if err != nil {
		status, code := mapError(err)
		h.writeError(w, req.Action, username, start, status, code, err.Error())
		return
	}

	if req.Action == gps51.ActionLogin {
		// Don't make a fresh login wait out the idle polling interval.
		h.poller.Poke()
	}

	observability.ProxyRequests.WithLabelValues(req.Action, "ok").Inc()
	h.audit.Record(auditlog.Record{
		ID:        uuid.NewString(),
		Action:    req.Action,
		Username:  username,
		Duration:  time.Since(start),
		Status:    http.StatusOK,
		CreatedAt: time.Now(),
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (h *Handlers) writeError(w http.ResponseWriter, action, username string, start time.Time, status int, code ErrorCode, msg string) {
	if action == "" {
		action = "unknown"
	}
	observability.ProxyRequests.WithLabelValues(action, string(code)).Inc()
	h.audit.Record(auditlog.Record{
		ID:        uuid.NewString(),
		Action:    action,
		Username:  username,
		Duration:  time.Since(start),
		Status:    status,
		ErrorCode: string(code),
		CreatedAt: time.Now(),
	})

	resp := errorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Message: msg,
	}
	if status == http.StatusTooManyRequests {
		wait := h.gov.BackoffRemaining()
		if wait <= 0 {
			wait = 5 * time.Second
		}
		resp.WaitTime = wait.Seconds()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleStatus exposes governor, session, and poller diagnostics.
func (h *Handlers) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	out := struct {
		Governor governor.Status       `json:"governor"`
		Session  fleet.SessionSnapshot `json:"session"`
		Poller   poller.Snapshot       `json:"poller"`
	}{
		Governor: h.gov.Status(),
		Session:  h.fleet.Session().Current(),
		Poller:   h.poller.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// HandleClearQueue discards all pending governed requests. Manual recovery
// only; the in-flight request still completes.
func (h *Handlers) HandleClearQueue(w http.ResponseWriter, _ *http.Request) {
	cleared := h.gov.ClearQueue()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"cleared": cleared})
}

func (h *Handlers) HandleResetStats(w http.ResponseWriter, _ *http.Request) {
	h.gov.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

// HandlePoke triggers an immediate poll cycle.
func (h *Handlers) HandlePoke(w http.ResponseWriter, _ *http.Request) {
	h.poller.Poke()
	w.WriteHeader(http.StatusAccepted)
}
