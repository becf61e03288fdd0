package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fleetgate/internal/fleet"
	"fleetgate/internal/governor"
	"fleetgate/internal/gps51"
	"fleetgate/internal/poller"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type upstreamBehavior struct {
	rateLimitDeviceList bool
}

func newTestHandlers(t *testing.T, behavior *upstreamBehavior) (*Handlers, context.CancelFunc) {
	t.Helper()
	if behavior == nil {
		behavior = &upstreamBehavior{}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case gps51.ActionLogin:
			_ = json.NewEncoder(w).Encode(map[string]any{"status": 0, "token": "tok-1"})
		case gps51.ActionDeviceList:
			if behavior.rateLimitDeviceList {
				_ = json.NewEncoder(w).Encode(map[string]any{"status": 8902, "cause": "access exceeds"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": 0,
				"groups": []map[string]any{
					{"devices": []map[string]any{{"deviceid": "d1", "devicename": "Truck 1"}}},
				},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"status": 0})
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	gov := governor.New(governor.Config{
		MinSpacing:    time.Millisecond,
		DedupWindow:   20 * time.Millisecond,
		BackoffBase:   50 * time.Millisecond,
		BackoffMax:    200 * time.Millisecond,
		MaxQueue:      10,
		TypeIntervals: map[governor.RequestType]time.Duration{},
		Classify:      fleet.ClassifyRateLimit,
	}, testLogger())
	gov.Start(ctx)

	api := gps51.NewClient(srv.URL, 5*time.Second, testLogger())
	session := fleet.NewSession(nil)
	fc := fleet.NewClient(api, gov, fleet.NewMemoryCache(), session, testLogger())
	pl := poller.New(fc, func() string { return session.Current().Username }, testLogger())

	return NewHandlers(fc, gov, pl, nil, testLogger()), cancel
}

func doProxy(t *testing.T, h *Handlers, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/gps51", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleGPS51(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding error response %q: %v", w.Body.String(), err)
	}
	return resp
}

func login(t *testing.T, h *Handlers) string {
	t.Helper()
	w := doProxy(t, h, `{"action":"login","params":{"username":"fleet-admin","password":"secret"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	var res struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil || res.Token == "" {
		t.Fatalf("login response %q: %v", w.Body.String(), err)
	}
	return res.Token
}

func TestInvalidBodyRejected(t *testing.T) {
	h, cancel := newTestHandlers(t, nil)
	defer cancel()

	w := doProxy(t, h, `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != CodeInvalidRequest {
		t.Errorf("error_code = %q, want INVALID_REQUEST", resp.Code)
	}
}

func TestNonLoginActionRequiresToken(t *testing.T) {
	h, cancel := newTestHandlers(t, nil)
	defer cancel()

	w := doProxy(t, h, `{"action":"querymonitorlist","params":{"username":"fleet-admin"}}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != CodeMissingToken {
		t.Errorf("error_code = %q, want MISSING_TOKEN", resp.Code)
	}
}

func TestWrongTokenRejected(t *testing.T) {
	h, cancel := newTestHandlers(t, nil)
	defer cancel()
	login(t, h)

	w := doProxy(t, h, `{"action":"querymonitorlist","token":"forged","params":{"username":"fleet-admin"}}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestLoginThenDeviceList(t *testing.T) {
	h, cancel := newTestHandlers(t, nil)
	defer cancel()
	token := login(t, h)

	w := doProxy(t, h, `{"action":"querymonitorlist","token":"`+token+`","params":{"username":"fleet-admin"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var res gps51.DeviceListResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(res.Devices) != 1 || res.Devices[0].DeviceID != "d1" {
		t.Errorf("devices = %+v", res.Devices)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	h, cancel := newTestHandlers(t, nil)
	defer cancel()
	token := login(t, h)

	w := doProxy(t, h, `{"action":"dropalltables","token":"`+token+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestUpstreamRateLimitBecomes429WithWaitTime(t *testing.T) {
	h, cancel := newTestHandlers(t, &upstreamBehavior{rateLimitDeviceList: true})
	defer cancel()
	token := login(t, h)

	w := doProxy(t, h, `{"action":"querymonitorlist","token":"`+token+`","params":{"username":"fleet-admin"}}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body %s", w.Code, w.Body.String())
	}
	resp := decodeError(t, w)
	if resp.Code != CodeRateLimited {
		t.Errorf("error_code = %q, want RATE_LIMITED", resp.Code)
	}
	if resp.WaitTime <= 0 {
		t.Errorf("waitTime = %v, want > 0", resp.WaitTime)
	}
}

func TestTracksValidation(t *testing.T) {
	h, cancel := newTestHandlers(t, nil)
	defer cancel()
	token := login(t, h)

	w := doProxy(t, h, `{"action":"querytracks","token":"`+token+`","params":{"deviceid":"d1","begintime":"2026-08-30 12:00:00","endtime":"2026-08-30 08:00:00"}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("inverted range status = %d, want 400", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	h, cancel := newTestHandlers(t, nil)
	defer cancel()
	login(t, h)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	h.HandleStatus(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var out struct {
		Governor governor.Status       `json:"governor"`
		Session  fleet.SessionSnapshot `json:"session"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if out.Governor.Stats.TotalRequests < 1 {
		t.Errorf("governor stats empty: %+v", out.Governor.Stats)
	}
	if out.Session.StateName != "authenticated" {
		t.Errorf("session state = %q, want authenticated", out.Session.StateName)
	}
}
