package device

import (
	"fmt"
	"strings"
)

// Family is the product family of a device.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyPhone
	FamilyTablet
	FamilyTV
	FamilyWatch
)

func (f Family) String() string {
	switch f {
	case FamilyPhone:
		return "phone"
	case FamilyTablet:
		return "tablet"
	case FamilyTV:
		return "tv"
	case FamilyWatch:
		return "watch"
	default:
		return "unknown"
	}
}

// ParseFamily accepts the String form and a few common aliases.
func ParseFamily(v string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "phone", "iphone":
		return FamilyPhone, nil
	case "tablet", "ipad":
		return FamilyTablet, nil
	case "tv", "appletv":
		return FamilyTV, nil
	case "watch", "applewatch":
		return FamilyWatch, nil
	case "", "unknown":
		return FamilyUnknown, nil
	}
	return FamilyUnknown, fmt.Errorf("invalid product family %q", v)
}

func (f Family) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Family) UnmarshalText(b []byte) error {
	v, err := ParseFamily(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Configuration describes the hardware/software a simulator must provide.
// The pool treats it as an opaque value except when matching free instances.
type Configuration struct {
	DeviceType string `json:"device_type" mapstructure:"device_type"` // e.g. "iPhone 6"
	Family     Family `json:"family" mapstructure:"family"`
	OSVersion  string `json:"os_version" mapstructure:"os_version"` // e.g. "iOS 9.2"
	Locale     string `json:"locale,omitempty" mapstructure:"locale"`
	Scale      string `json:"scale,omitempty" mapstructure:"scale"`
}

// Key is the stable identity used for exact matching and hashing.
func (c Configuration) Key() string {
	return strings.Join([]string{c.DeviceType, c.Family.String(), c.OSVersion, c.Locale, c.Scale}, "|")
}

// OSFamily reduces the OS version to name plus major version:
// "iOS 9.2" -> "iOS 9", "watchOS 2.1.1" -> "watchOS 2".
func (c Configuration) OSFamily() string {
	v := strings.TrimSpace(c.OSVersion)
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// Validate checks the fields the platform needs to create a device.
func (c Configuration) Validate() error {
	if strings.TrimSpace(c.DeviceType) == "" {
		return fmt.Errorf("configuration requires device_type")
	}
	if strings.TrimSpace(c.OSVersion) == "" {
		return fmt.Errorf("configuration requires os_version")
	}
	return nil
}

func (c Configuration) String() string {
	s := fmt.Sprintf("%s (%s, %s)", c.DeviceType, c.OSVersion, c.Family)
	if c.Locale != "" {
		s += " locale=" + c.Locale
	}
	return s
}
