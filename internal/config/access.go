package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// AccessLevel orders what a principal may do.
type AccessLevel uint8

const (
	AccessNone AccessLevel = iota
	AccessView
	AccessNormal
	AccessAdmin
)

func (a AccessLevel) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessView:
		return "view"
	case AccessNormal:
		return "normal"
	case AccessAdmin:
		return "admin"
	default:
		return fmt.Sprintf("access(%d)", uint8(a))
	}
}

func ParseAccessLevel(s string) (AccessLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return AccessNone, nil
	case "view":
		return AccessView, nil
	case "normal":
		return AccessNormal, nil
	case "admin":
		return AccessAdmin, nil
	}
	return AccessNone, fmt.Errorf("unknown access level %q", s)
}

func (a *AccessLevel) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseAccessLevel(n.Value)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (a AccessLevel) MarshalYAML() (any, error) { return a.String(), nil }

// ParseLevel validates a log level name.
func ParseLevel(s string) (string, error) {
	switch s {
	case "debug", "info", "warn", "error":
		return s, nil
	}
	return "", fmt.Errorf("log.level: unknown level %q", s)
}
