// Package vpn provides the protocol session and RPC client for the VPN
// browser helper.
// This file contains the Location type and its lookup helpers.
package vpn

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/yllada/xvpn-control/common"
	"github.com/yllada/xvpn-control/nativemsg"
)

// Coords is a location's map position.
type Coords struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Location is one entry of the helper's location catalog.
type Location struct {
	// ID is the helper's identifier, kept in its textual form.
	ID string `json:"id" yaml:"id"`
	// Name is the display name. Which wire field supplies it depends on the
	// platform's helper.
	Name        string `json:"name" yaml:"name"`
	Country     string `json:"country,omitempty" yaml:"country,omitempty"`
	CountryCode string `json:"country_code" yaml:"country_code"`
	Region      string `json:"region,omitempty" yaml:"region,omitempty"`

	Recommended     bool     `json:"recommended" yaml:"recommended"`
	SortOrder       int      `json:"sort_order" yaml:"sort_order"`
	Protocols       []string `json:"protocols,omitempty" yaml:"protocols,omitempty"`
	IsSmartLocation bool     `json:"is_smart_location" yaml:"is_smart_location"`
	IsCountry       bool     `json:"is_country" yaml:"is_country"`
	Coords          Coords   `json:"coords" yaml:"coords"`

	// rawID is the id exactly as the helper sent it.
	rawID any
}

// WireID returns the id in the JSON type the helper used for it.
func (l Location) WireID() any {
	if l.rawID != nil {
		return l.rawID
	}
	return l.ID
}

// String returns the display name.
func (l Location) String() string {
	return l.Name
}

// ParseLocation builds a Location from one catalog entry. nameField selects
// the display name; it defaults to "name". id, country_code and the name
// field are required.
func ParseLocation(msg nativemsg.Message, nameField string) (Location, error) {
	if nameField == "" {
		nameField = "name"
	}

	id := idString(msg["id"])
	if id == "" {
		return Location{}, fmt.Errorf("location missing id: %s", common.Truncate(msg.JSON(), 100))
	}
	name := msg.String(nameField)
	if name == "" {
		return Location{}, fmt.Errorf("location %s missing %q", id, nameField)
	}
	if !msg.Has("country_code") {
		return Location{}, fmt.Errorf("location %s missing country_code", id)
	}

	loc := Location{
		ID:              id,
		Name:            name,
		Country:         msg.String("country"),
		CountryCode:     msg.String("country_code"),
		Region:          msg.String("region"),
		Recommended:     msg.Truthy("recommended"),
		SortOrder:       int(msg.Int("sort_order", 0)),
		IsSmartLocation: msg.Truthy("is_smart_location"),
		IsCountry:       msg.Truthy("is_country"),
		rawID:           msg["id"],
	}
	if raw, ok := msg["protocols"].([]any); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				loc.Protocols = append(loc.Protocols, s)
			}
		}
	}
	if c := msg.Object("coords"); c != nil {
		loc.Coords = Coords{Lat: c.Float("lat", 0), Lon: c.Float("lon", 0)}
	}
	return loc, nil
}

// ParseLocations reads the "locations" array of a GetLocations response.
func ParseLocations(resp nativemsg.Message, nameField string) ([]Location, error) {
	raw, ok := resp["locations"].([]any)
	if !ok {
		return nil, fmt.Errorf("response has no locations list: %s", common.Truncate(resp.JSON(), 100))
	}

	locations := make([]Location, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("location %d is not an object", i)
		}
		loc, err := ParseLocation(nativemsg.Message(obj), nameField)
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

// SortLocations orders locations by sort_order, then by name.
func SortLocations(locations []Location) {
	sort.SliceStable(locations, func(i, j int) bool {
		if locations[i].SortOrder != locations[j].SortOrder {
			return locations[i].SortOrder < locations[j].SortOrder
		}
		return locations[i].Name < locations[j].Name
	})
}

// LocationNotFoundError reports a name that matches no location.
// Suggestion is the first location whose name contains the query, if any.
type LocationNotFoundError struct {
	Name       string
	Suggestion string
}

func (e *LocationNotFoundError) Error() string {
	msg := fmt.Sprintf("location %q not found", e.Name)
	if e.Suggestion != "" {
		msg += fmt.Sprintf(". Did you mean %s?", e.Suggestion)
	}
	return msg
}

// Is lets errors.Is match common.ErrLocationNotFound.
func (e *LocationNotFoundError) Is(target error) bool { return target == common.ErrLocationNotFound }

// FindLocation returns the location whose name equals name, ignoring case.
func FindLocation(locations []Location, name string) (Location, error) {
	for _, loc := range locations {
		if strings.EqualFold(loc.Name, name) {
			return loc, nil
		}
	}

	nf := &LocationNotFoundError{Name: name}
	for _, loc := range locations {
		if common.ContainsFold(loc.Name, name) {
			nf.Suggestion = loc.Name
			break
		}
	}
	return Location{}, nf
}

// idString renders a wire id without losing precision.
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	}
	return ""
}
