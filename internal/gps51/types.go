package gps51

// GPS51 action names. The upstream API is action-based: every call is a POST
// to the same URL with the action in the query string.
const (
	ActionLogin      = "login"
	ActionDeviceList = "querymonitorlist"
	ActionPositions  = "lastposition"
	ActionTracks     = "querytracks"
	ActionLogout     = "logout"
)

// Upstream status codes. Zero means success; 8902 is the provider's
// rate-limit code.
const (
	StatusOK          = 0
	StatusRateLimited = 8902
)

type Device struct {
	DeviceID       string `json:"deviceid"`
	DeviceName     string `json:"devicename"`
	DeviceType     string `json:"devicetype"`
	SIMNum         string `json:"simnum"`
	GroupID        string `json:"groupid,omitempty"`
	LastActiveTime int64  `json:"lastactivetime"`
	IsFree         int    `json:"isfree,omitempty"`
	AllowEdit      int    `json:"allowedit,omitempty"`
	Remark         string `json:"remark,omitempty"`
}

type Position struct {
	DeviceID      string  `json:"deviceid"`
	UpdateTime    int64   `json:"updatetime"`
	ServerTime    int64   `json:"servertime,omitempty"`
	Lat           float64 `json:"callat"`
	Lon           float64 `json:"callon"`
	Speed         float64 `json:"speed"`
	Course        float64 `json:"course"`
	Altitude      float64 `json:"altitude,omitempty"`
	Moving        int     `json:"moving"`
	TotalDistance float64 `json:"totaldistance,omitempty"`
	StrStatus     string  `json:"strstatus,omitempty"`
}

type LoginResult struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

type DeviceListResult struct {
	Devices []Device
	// EmptyDespiteOK is set when the upstream reported success but returned
	// no records. The original proxy treated this as a permission problem;
	// it is indistinguishable from "no data yet", so we only surface the
	// flag and leave interpretation to the caller.
	EmptyDespiteOK bool
}

type PositionsResult struct {
	Positions []Position
	// LastQueryTime is the server-supplied watermark to echo back on the
	// next poll so only newer positions are returned.
	LastQueryTime int64
}

type TracksResult struct {
	Points []Position
}
