package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ByteSize holds size in bytes.
//
// May be used in yaml for parsing byte size values.
type ByteSize uint64

const (
	_           = iota
	KB ByteSize = 1 << (10 * iota)
	MB
	GB
	TB
)

var (
	byteSizePattern = regexp.MustCompile(`(?i)^(-?\d+(?:\.\d+)?)([KMGT]B?|B)?$`)
	errInvalidSize  = errors.New("wrong size format: must be a positive number with an optional unit of measurement like K, KB, M, MB, G, GB, T or TB")
)

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (bs *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	parts := byteSizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if len(parts) < 3 {
		return errInvalidSize
	}

	value, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || value <= 0 {
		return errInvalidSize
	}

	k := ByteSize(1)
	if unit := strings.ToUpper(parts[2]); len(unit) > 0 {
		switch unit[:1] {
		case "T":
			k = TB
		case "G":
			k = GB
		case "M":
			k = MB
		case "K":
			k = KB
		}
	}
	*bs = ByteSize(value * float64(k))
	return nil
}

// Duration wraps time.Duration. It is used to parse the custom duration format
// like `2s`, `3m` or `4d` from YAML.
type Duration time.Duration

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := StringToDuration(s)
	if err != nil {
		return err
	}
	*d = dur
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

var durationRE = regexp.MustCompile(`^([0-9]+)(w|d|h|m|s|ms|µs|ns)$`)

// StringToDuration parses a string into a Duration.
//
// Supported units: w, d, h, m, s, ms, µs, ns. Fractions are not supported.
func StringToDuration(s string) (Duration, error) {
	matches := durationRE.FindStringSubmatch(s)
	if len(matches) != 3 {
		return 0, fmt.Errorf("not a valid duration string: %q", s)
	}
	n, err := strconv.ParseUint(matches[1], 10, 63)
	if err != nil {
		return 0, fmt.Errorf("not a valid duration string: %q", s)
	}
	dur := time.Duration(n)
	switch matches[2] {
	case "w":
		dur *= 7 * 24 * time.Hour
	case "d":
		dur *= 24 * time.Hour
	case "h":
		dur *= time.Hour
	case "m":
		dur *= time.Minute
	case "s":
		dur *= time.Second
	case "ms":
		dur *= time.Millisecond
	case "µs":
		dur *= time.Microsecond
	case "ns":
	}
	return Duration(dur), nil
}

var durationFactors = []struct {
	unit   string
	factor time.Duration
}{
	{"w", 7 * 24 * time.Hour},
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
	{"µs", time.Microsecond},
}

// String implements the Stringer interface.
func (d Duration) String() string {
	v := time.Duration(d)
	if v == 0 {
		return "0s"
	}
	for _, df := range durationFactors {
		if v%df.factor == 0 {
			return fmt.Sprintf("%d%s", v/df.factor, df.unit)
		}
	}
	return fmt.Sprintf("%dns", int64(v))
}

// Networks is a list of IPNet entities
type Networks []*net.IPNet

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (n *Networks) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s []string
	if err := unmarshal(&s); err != nil {
		return err
	}
	networks := make(Networks, len(s))
	for i, s := range s {
		ipnet, err := stringToIPnet(s)
		if err != nil {
			return err
		}
		networks[i] = ipnet
	}
	*n = networks
	return nil
}

// Contains checks whether passed addr is in the range of networks
func (n Networks) Contains(addr string) bool {
	if len(n) == 0 {
		return true
	}

	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		panic(fmt.Sprintf("BUG: unexpected error while parsing RemoteAddr: %s", err))
	}

	ip := net.ParseIP(h)
	if ip == nil {
		panic(fmt.Sprintf("BUG: unexpected error while parsing IP: %s", h))
	}

	for _, ipnet := range n {
		if ipnet.Contains(ip) {
			return true
		}
	}

	return false
}
