package gps51

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client speaks the raw GPS51 action API. It does no caching, queuing, or
// rate limiting; that is the job of the layers above it.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger.With("component", "gps51"),
	}
}

// HashPassword applies the client-side MD5 the upstream expects. The token
// obtained at login is what actually authenticates subsequent calls.
func HashPassword(password string) string {
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (c *Client) do(ctx context.Context, action, token string, params, out any) error {
	var body io.Reader
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return &Error{Message: "encoding request params: " + err.Error()}
		}
		body = bytes.NewReader(b)
	}

	q := url.Values{}
	q.Set("action", action)
	if token != "" {
		q.Set("token", token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"?"+q.Encode(), body)
	if err != nil {
		return &Error{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &Error{Message: "upstream request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{HTTPStatus: resp.StatusCode, Message: "reading upstream response: " + err.Error()}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &Error{HTTPStatus: resp.StatusCode, Message: "too many requests"}
	}
	if resp.StatusCode >= 400 {
		// Only 2xx bodies get the null-body normalization; an error page
		// with an empty body is still an error.
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{HTTPStatus: resp.StatusCode, Message: msg}
	}

	if err := decode(data, resp.StatusCode, out); err != nil {
		c.logger.Warn("upstream call failed", "action", action, "err", err)
		return err
	}
	return nil
}

func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	params := map[string]string{
		"username": username,
		"password": HashPassword(password),
		"from":     "WEB",
		"type":     "USER",
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, ActionLogin, "", params, &payload); err != nil {
		return nil, err
	}
	if payload.Token == "" {
		return nil, &Error{Message: "login succeeded but no token returned"}
	}
	return &LoginResult{Token: payload.Token, Username: username}, nil
}

func (c *Client) DeviceList(ctx context.Context, token, username string) (*DeviceListResult, error) {
	params := map[string]string{"username": username}
	var payload struct {
		Groups []struct {
			Devices []Device `json:"devices"`
		} `json:"groups"`
	}
	if err := c.do(ctx, ActionDeviceList, token, params, &payload); err != nil {
		return nil, err
	}

	var devices []Device
	for _, g := range payload.Groups {
		devices = append(devices, g.Devices...)
	}
	return &DeviceListResult{
		Devices:        devices,
		EmptyDespiteOK: len(devices) == 0,
	}, nil
}

// LastPositions fetches the newest position for every device in one batched
// call. lastQueryTime is the watermark from the previous poll; zero asks for
// the full current state.
func (c *Client) LastPositions(ctx context.Context, token string, deviceIDs []string, lastQueryTime int64) (*PositionsResult, error) {
	params := map[string]any{
		"deviceids":             deviceIDs,
		"lastquerypositiontime": lastQueryTime,
	}
	var payload struct {
		Records       []Position `json:"records"`
		LastQueryTime int64      `json:"lastquerypositiontime"`
	}
	if err := c.do(ctx, ActionPositions, token, params, &payload); err != nil {
		return nil, err
	}
	return &PositionsResult{
		Positions:     payload.Records,
		LastQueryTime: payload.LastQueryTime,
	}, nil
}

func (c *Client) Tracks(ctx context.Context, token, deviceID string, begin, end time.Time) (*TracksResult, error) {
	params := map[string]any{
		"deviceid":  deviceID,
		"begintime": begin.Format("2006-01-02 15:04:05"),
		"endtime":   end.Format("2006-01-02 15:04:05"),
		"timezone":  0,
	}
	var payload struct {
		Records []Position `json:"records"`
	}
	if err := c.do(ctx, ActionTracks, token, params, &payload); err != nil {
		return nil, err
	}
	return &TracksResult{Points: payload.Records}, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, ActionLogout, token, nil, nil)
}
