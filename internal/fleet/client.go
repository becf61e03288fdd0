package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"fleetgate/internal/governor"
	"fleetgate/internal/gps51"
	"fleetgate/internal/observability"
)

// Fixed submission priorities. Login and logout outrank everything so a
// fleet of queued polls never starves session changes.
const (
	PriorityLogin      = 10
	PriorityLogout     = 10
	PriorityPositions  = 9
	PriorityDeviceList = 8
	PriorityTracks     = 5
)

// Per-operation cache TTLs.
const (
	loginTTL      = time.Hour
	deviceListTTL = 10 * time.Minute
	positionsTTL  = time.Minute
	tracksTTL     = time.Hour
)

// ClassifyRateLimit recognizes upstream rate limiting from gps51 errors
// before falling back to message matching. Injected into the governor.
func ClassifyRateLimit(err error) bool {
	var apiErr *gps51.Error
	if errors.As(err, &apiErr) {
		return apiErr.RateLimited()
	}
	return governor.ClassifyRateLimit(err)
}

// Client is the caching dispatch layer over the raw GPS51 client: every
// upstream call goes through the cache first and the governor second.
type Client struct {
	api     *gps51.Client
	gov     *governor.Governor
	cache   Cache
	session *Session
	logger  *slog.Logger
	now     func() time.Time
}

func NewClient(api *gps51.Client, gov *governor.Governor, cache Cache, session *Session, logger *slog.Logger) *Client {
	return &Client{
		api:     api,
		gov:     gov,
		cache:   cache,
		session: session,
		logger:  logger.With("component", "fleet"),
		now:     time.Now,
	}
}

func (c *Client) Session() *Session { return c.session }

// cached reads key from the cache into out. Returns false on miss or decode
// failure.
func (c *Client) cached(ctx context.Context, op, key string, out any) bool {
	data, ok := c.cache.Get(ctx, key)
	if !ok {
		observability.CacheMisses.WithLabelValues(op).Inc()
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.cache.Delete(ctx, key)
		observability.CacheMisses.WithLabelValues(op).Inc()
		return false
	}
	observability.CacheHits.WithLabelValues(op).Inc()
	return true
}

func (c *Client) put(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.cache.Set(ctx, key, data, ttl)
}

// Authenticate logs in to GPS51 and establishes the session. Within the
// login TTL a repeat call for the same user is served from cache unless
// forceRefresh is set.
func (c *Client) Authenticate(ctx context.Context, username, password string, forceRefresh bool) (*gps51.LoginResult, error) {
	key := "login_" + username
	if !forceRefresh {
		var res gps51.LoginResult
		if c.cached(ctx, "login", key, &res) {
			c.session.establish(ctx, res.Username, res.Token, c.now())
			return &res, nil
		}
	}

	c.session.beginAuth(username)
	// Dedup on credentials, not just username: a retry with a corrected
	// password is a new request.
	params := username + ":" + gps51.HashPassword(password)
	v, err := c.gov.Submit(ctx, governor.TypeLogin, PriorityLogin, params, func(ctx context.Context) (any, error) {
		return c.api.Login(ctx, username, password)
	})
	if err != nil {
		c.session.fail(err)
		return nil, err
	}
	res := v.(*gps51.LoginResult)
	c.put(ctx, key, res, loginTTL)
	c.session.establish(ctx, res.Username, res.Token, c.now())
	return res, nil
}

func (c *Client) DeviceList(ctx context.Context, username string, forceRefresh bool) (*gps51.DeviceListResult, error) {
	token, err := c.session.Token()
	if err != nil {
		return nil, err
	}

	key := "devices_" + username
	if !forceRefresh {
		var res gps51.DeviceListResult
		if c.cached(ctx, "devices", key, &res) {
			return &res, nil
		}
	}

	v, err := c.gov.Submit(ctx, governor.TypeDeviceList, PriorityDeviceList, username, func(ctx context.Context) (any, error) {
		return c.api.DeviceList(ctx, token, username)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*gps51.DeviceListResult)
	if res.EmptyDespiteOK {
		// Could be a permission problem on the GPS51 account, could be a
		// fleet with no devices yet. Not reliable either way.
		c.logger.Warn("device list empty despite success status", "username", username)
	}
	c.put(ctx, key, res, deviceListTTL)
	return res, nil
}

// LastPositions fetches current positions for all requested devices in one
// batched upstream call. Responses are cached per minute bucket, so repeat
// calls for the same device set within the same minute never reach the
// governor.
func (c *Client) LastPositions(ctx context.Context, deviceIDs []string, lastQueryTime int64, forceRefresh bool) (*gps51.PositionsResult, error) {
	token, err := c.session.Token()
	if err != nil {
		return nil, err
	}

	sorted := append([]string(nil), deviceIDs...)
	sort.Strings(sorted)
	bucket := c.now().Unix() / 60
	key := fmt.Sprintf("positions_%s_%d", strings.Join(sorted, ","), bucket)
	if !forceRefresh {
		var res gps51.PositionsResult
		if c.cached(ctx, "positions", key, &res) {
			return &res, nil
		}
	}

	params := fmt.Sprintf("%s@%d", strings.Join(sorted, ","), lastQueryTime)
	v, err := c.gov.Submit(ctx, governor.TypePositions, PriorityPositions, params, func(ctx context.Context) (any, error) {
		return c.api.LastPositions(ctx, token, deviceIDs, lastQueryTime)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*gps51.PositionsResult)
	c.put(ctx, key, res, positionsTTL)
	return res, nil
}

func (c *Client) Tracks(ctx context.Context, deviceID string, begin, end time.Time, forceRefresh bool) (*gps51.TracksResult, error) {
	token, err := c.session.Token()
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("tracks_%s_%d_%d", deviceID, begin.Unix(), end.Unix())
	if !forceRefresh {
		var res gps51.TracksResult
		if c.cached(ctx, "tracks", key, &res) {
			return &res, nil
		}
	}

	v, err := c.gov.Submit(ctx, governor.TypeTracks, PriorityTracks, key, func(ctx context.Context) (any, error) {
		return c.api.Tracks(ctx, token, deviceID, begin, end)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*gps51.TracksResult)
	c.put(ctx, key, res, tracksTTL)
	return res, nil
}

func (c *Client) Logout(ctx context.Context) error {
	token, err := c.session.Token()
	if err != nil {
		return err
	}
	snap := c.session.Current()

	_, err = c.gov.Submit(ctx, governor.TypeLogout, PriorityLogout, snap.Username, func(ctx context.Context) (any, error) {
		return nil, c.api.Logout(ctx, token)
	})
	// The session is gone locally even if the upstream call failed.
	c.session.Invalidate(ctx)
	c.cache.Delete(ctx, "login_"+snap.Username)
	return err
}
