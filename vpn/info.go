package vpn

import (
	"fmt"

	"github.com/yllada/xvpn-control/nativemsg"
)

// AppInfo describes the installed desktop application.
type AppInfo struct {
	Version          string `json:"version" yaml:"version"`
	LatestVersion    string `json:"latest_version,omitempty" yaml:"latest_version,omitempty"`
	LatestVersionURL string `json:"latest_version_url,omitempty" yaml:"latest_version_url,omitempty"`
}

// UpdateAvailable reports whether the helper advertises a newer version.
func (a AppInfo) UpdateAvailable() bool {
	return a.LatestVersion != "" && a.LatestVersion != a.Version
}

// SubscriptionInfo describes the account's plan.
type SubscriptionInfo struct {
	Status         string `json:"status" yaml:"status"`
	PlanType       string `json:"plan_type" yaml:"plan_type"`
	ExpirationDate string `json:"expiration_date" yaml:"expiration_date"`
}

// Preferences are the engine settings returned by GetEnginePreferences.
type Preferences struct {
	PreferredProtocol string `json:"preferred_protocol" yaml:"preferred_protocol"`
	TrafficGuardLevel string `json:"traffic_guard_level" yaml:"traffic_guard_level"`
}

// Status is the decoded GetStatus response.
type Status struct {
	Connected bool              `json:"connected" yaml:"connected"`
	State     string            `json:"state,omitempty" yaml:"state,omitempty"`
	Location  string            `json:"location,omitempty" yaml:"location,omitempty"`
	Raw       nativemsg.Message `json:"raw" yaml:"raw"`
}

// ParseStatus reads info.connected and the optional state and location
// details from a GetStatus response.
func ParseStatus(resp nativemsg.Message) Status {
	info := resp.Object("info")
	st := Status{
		Connected: info.Truthy("connected"),
		State:     info.String("state"),
		Raw:       resp,
	}
	if loc := info.Object("selected_location"); loc != nil {
		st.Location = loc.String("name")
	}
	return st
}

// ParseAppInfo requires version.
func ParseAppInfo(msg nativemsg.Message) (AppInfo, error) {
	if err := require(msg, "version"); err != nil {
		return AppInfo{}, fmt.Errorf("app info: %w", err)
	}
	return AppInfo{
		Version:          scalar(msg["version"]),
		LatestVersion:    scalar(msg["latest_version"]),
		LatestVersionURL: msg.String("latest_version_url"),
	}, nil
}

// ParseSubscriptionInfo requires status, plan_type and expiration_date.
func ParseSubscriptionInfo(msg nativemsg.Message) (SubscriptionInfo, error) {
	if err := require(msg, "status", "plan_type", "expiration_date"); err != nil {
		return SubscriptionInfo{}, fmt.Errorf("subscription info: %w", err)
	}
	return SubscriptionInfo{
		Status:         scalar(msg["status"]),
		PlanType:       scalar(msg["plan_type"]),
		ExpirationDate: scalar(msg["expiration_date"]),
	}, nil
}

// ParsePreferences requires preferred_protocol and traffic_guard_level.
func ParsePreferences(msg nativemsg.Message) (Preferences, error) {
	if err := require(msg, "preferred_protocol", "traffic_guard_level"); err != nil {
		return Preferences{}, fmt.Errorf("preferences: %w", err)
	}
	return Preferences{
		PreferredProtocol: scalar(msg["preferred_protocol"]),
		TrafficGuardLevel: scalar(msg["traffic_guard_level"]),
	}, nil
}

func require(msg nativemsg.Message, keys ...string) error {
	for _, k := range keys {
		if !msg.Has(k) {
			return fmt.Errorf("missing field %q", k)
		}
	}
	return nil
}

// scalar renders strings, numbers and booleans as text.
func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		if s := idString(v); s != "" {
			return s
		}
		return fmt.Sprint(t)
	}
}
