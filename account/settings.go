package account

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"beegate/presence"
)

var (
	ErrUnknownSetting = errors.New("unknown setting")
	ErrInvalidSetting = errors.New("invalid value")
)

const (
	SetPrivate            = "private"
	SetToChar             = "to_char"
	SetResourceSelect     = "resource_select"
	SetNickSource         = "nick_source"
	SetDisplayNameChanges = "display_namechanges"
	SetPriority           = "priority"
	SetAutoConnect        = "auto_connect"
)

type definition struct {
	def  string
	eval func(string) (string, error)
}

var definitions = map[string]definition{
	SetPrivate:            {def: "true", eval: evalBool},
	SetToChar:             {def: ": ", eval: evalAny},
	SetResourceSelect:     {def: "activity", eval: evalResourceSelect},
	SetNickSource:         {def: "handle", eval: evalNickSource},
	SetDisplayNameChanges: {def: "false", eval: evalBool},
	SetPriority:           {def: "0", eval: evalPriority},
	SetAutoConnect:        {def: "true", eval: evalBool},
}

// Settings holds the per-account options. Unset keys read as their default.
type Settings struct {
	values   map[string]string
	onChange func(key, value string)
}

func NewSettings() *Settings {
	return &Settings{values: make(map[string]string)}
}

// OnChange registers fn to run after every successful Set or Reset.
func (s *Settings) OnChange(fn func(key, value string)) {
	s.onChange = fn
}

func (s *Settings) Get(key string) string {
	if v, ok := s.values[key]; ok {
		return v
	}
	return definitions[key].def
}

func (s *Settings) Bool(key string) bool {
	b, _ := parseBool(s.Get(key))
	return b
}

func (s *Settings) Int(key string) int {
	n, _ := strconv.Atoi(s.Get(key))
	return n
}

// Set validates and stores value. The stored form may be normalized, e.g.
// "on" becomes "true".
func (s *Settings) Set(key, value string) error {
	d, ok := definitions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	v, err := d.eval(value)
	if err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidSetting, key, err)
	}
	s.values[key] = v
	if s.onChange != nil {
		s.onChange(key, v)
	}
	return nil
}

// Reset returns key to its default.
func (s *Settings) Reset(key string) error {
	d, ok := definitions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	delete(s.values, key)
	if s.onChange != nil {
		s.onChange(key, d.def)
	}
	return nil
}

// Keys lists every known setting in alphabetical order.
func (s *Settings) Keys() []string {
	keys := make([]string, 0, len(definitions))
	for k := range definitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Explicit returns the values that differ from the defaults because they
// were set, for storage.
func (s *Settings) Explicit() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	return strconv.ParseBool(v)
}

func evalAny(v string) (string, error) { return v, nil }

func evalBool(v string) (string, error) {
	b, err := parseBool(v)
	if err != nil {
		return "", fmt.Errorf("%q is not a boolean", v)
	}
	return strconv.FormatBool(b), nil
}

func evalResourceSelect(v string) (string, error) {
	p, err := presence.ParsePolicy(v)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

func evalNickSource(v string) (string, error) {
	switch strings.ToLower(v) {
	case "handle":
		return "handle", nil
	case "full", "full_name":
		return "full_name", nil
	case "first", "first_name":
		return "first_name", nil
	}
	return "", fmt.Errorf("%q is not one of handle, full_name, first_name", v)
}

// Priority is a signed 8-bit integer, as XMPP defines it.
func evalPriority(v string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return "", fmt.Errorf("%q is not a number", v)
	}
	if n < presence.MinPriority || n > presence.MaxPriority {
		return "", fmt.Errorf("%d outside %d..%d", n, presence.MinPriority, presence.MaxPriority)
	}
	return strconv.Itoa(n), nil
}
