package beam

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAppID is returned when an application identifier or a destination
// fragment does not have the expected shape.
var ErrInvalidAppID = errors.New("invalid app id")

// AppID identifies an application behind a proxy registered with a broker:
// "<app>.<proxy>.<broker>". The broker part may itself contain dots since
// broker ids are usually DNS names.
type AppID struct {
	App    string
	Proxy  string
	Broker string
}

// ParseAppID parses and validates a full "<app>.<proxy>.<broker>" identifier.
func ParseAppID(s string) (AppID, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return AppID{}, fmt.Errorf("%w: %q must be <app>.<proxy>.<broker>", ErrInvalidAppID, s)
	}
	for _, p := range parts {
		if strings.ContainsAny(p, "/ ") {
			return AppID{}, fmt.Errorf("%w: %q contains a reserved character", ErrInvalidAppID, s)
		}
	}
	return AppID{App: parts[0], Proxy: parts[1], Broker: parts[2]}, nil
}

// String returns the dotted form of the identifier.
func (id AppID) String() string {
	return id.App + "." + id.Proxy + "." + id.Broker
}

// IsZero reports whether id is the zero value.
func (id AppID) IsZero() bool {
	return id == AppID{}
}

// Destination completes a caller supplied fragment into a full identifier on
// the same broker as id.
//
// Accepted fragments:
//   - "<app>.<proxy>": the broker is taken from id
//   - "<proxy>": the app and broker are taken from id (same application on
//     another proxy)
//
// Fragments with more segments, or with empty segments, are rejected rather
// than guessing which part names the broker.
func (id AppID) Destination(fragment string) (AppID, error) {
	if id.IsZero() {
		return AppID{}, fmt.Errorf("%w: own id is not set", ErrInvalidAppID)
	}
	fragment = strings.TrimSpace(fragment)
	parts := strings.Split(fragment, ".")
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, "/ ") {
			return AppID{}, fmt.Errorf("%w: destination %q", ErrInvalidAppID, fragment)
		}
	}
	switch len(parts) {
	case 1:
		return AppID{App: id.App, Proxy: parts[0], Broker: id.Broker}, nil
	case 2:
		return AppID{App: parts[0], Proxy: parts[1], Broker: id.Broker}, nil
	default:
		return AppID{}, fmt.Errorf("%w: destination %q must be <app>.<proxy> or <proxy>", ErrInvalidAppID, fragment)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (id AppID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AppID) UnmarshalText(b []byte) error {
	parsed, err := ParseAppID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
