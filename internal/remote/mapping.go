package remote

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ColorValue decodes the remote color field, which older deployments emit as
// a numeric palette code and newer ones as a color name.
type ColorValue struct {
	Name string
	Code int
}

func (v *ColorValue) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*v = ColorValue{}
		return nil
	}
	if trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*v = ColorValue{Name: strings.ToLower(strings.TrimSpace(name))}
		return nil
	}
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("color is neither string nor integer: %s", trimmed)
	}
	*v = ColorValue{Code: code}
	return nil
}

func (v ColorValue) MarshalJSON() ([]byte, error) {
	if v.Name != "" {
		return json.Marshal(v.Name)
	}
	if v.Code != 0 {
		return json.Marshal(v.Code)
	}
	return []byte("null"), nil
}

func (v ColorValue) String() string {
	if v.Name != "" {
		return v.Name
	}
	if v.Code != 0 {
		return strconv.Itoa(v.Code)
	}
	return ""
}

// FallbackColor is used for any remote color the table does not know.
const FallbackColor = "gray"

var remoteColorToLocal = map[string]string{
	"berry_red":   "red",
	"red":         "red",
	"orange":      "orange",
	"yellow":      "yellow",
	"olive_green": "green",
	"lime_green":  "green",
	"green":       "green",
	"mint_green":  "green",
	"teal":        "blue",
	"sky_blue":    "blue",
	"light_blue":  "blue",
	"blue":        "blue",
	"grape":       "purple",
	"violet":      "purple",
	"lavender":    "purple",
	"magenta":     "pink",
	"salmon":      "pink",
	"charcoal":    "gray",
	"grey":        "gray",
	"taupe":       "gray",
}

// Legacy numeric palette codes predate the named palette and still show up
// in list responses from old accounts.
var legacyColorCodes = map[int]string{
	30: "berry_red",
	31: "red",
	32: "orange",
	33: "yellow",
	34: "olive_green",
	35: "lime_green",
	36: "green",
	37: "mint_green",
	38: "teal",
	39: "sky_blue",
	40: "light_blue",
	41: "blue",
	42: "grape",
	43: "violet",
	44: "lavender",
	45: "magenta",
	46: "salmon",
	47: "charcoal",
	48: "grey",
	49: "taupe",
}

// ColorToLocal maps a remote color to the local palette. Unknown values map
// to FallbackColor; this never errors.
func ColorToLocal(v ColorValue) string {
	name := v.Name
	if name == "" && v.Code != 0 {
		name = legacyColorCodes[v.Code]
	}
	if local, ok := remoteColorToLocal[name]; ok {
		return local
	}
	return FallbackColor
}

// PriorityToLocal converts the remote priority numbering (4 = highest) to the
// local one (1 = highest). The formula is its own inverse.
func PriorityToLocal(p int) int {
	if p < 1 || p > 4 {
		return 4
	}
	return 5 - p
}

// PriorityToRemote converts a local priority to the remote numbering.
func PriorityToRemote(p int) int {
	if p < 1 || p > 4 {
		return 1
	}
	return 5 - p
}
