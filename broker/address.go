package broker

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes point-to-point from publish/subscribe destinations.
type Kind int

const (
	Queue Kind = iota
	Topic
)

func (k Kind) String() string {
	if k == Topic {
		return "topic"
	}
	return "queue"
}

// Address names a destination. Name may carry a query-like parameter suffix
// ("orders?priority=5").
type Address struct {
	Kind      Kind
	Name      string
	Temporary bool
}

// QueueAddress returns the queue address for name.
func QueueAddress(name string) Address {
	return Address{Kind: Queue, Name: name}
}

// TopicAddress returns the topic address for name.
func TopicAddress(name string) Address {
	return Address{Kind: Topic, Name: name}
}

// ParseAddress parses "queue://name", "topic://name" or a bare queue name.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "queue://"):
		s = strings.TrimPrefix(s, "queue://")
		if s == "" {
			return Address{}, fmt.Errorf("broker: empty queue name")
		}
		return QueueAddress(s), nil
	case strings.HasPrefix(s, "topic://"):
		s = strings.TrimPrefix(s, "topic://")
		if s == "" {
			return Address{}, fmt.Errorf("broker: empty topic name")
		}
		return TopicAddress(s), nil
	case strings.Contains(s, "://"):
		return Address{}, fmt.Errorf("broker: unsupported address scheme in %q", s)
	case s == "":
		return Address{}, fmt.Errorf("broker: empty address")
	}
	return QueueAddress(s), nil
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Name == ""
}

// String returns the scheme-qualified form accepted by ParseAddress.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Kind.String() + "://" + a.Name
}

// Physical returns the destination name without its parameter suffix.
func (a Address) Physical() string {
	if i := strings.IndexByte(a.Name, '?'); i >= 0 {
		return a.Name[:i]
	}
	return a.Name
}

// Params returns the parameter suffix of the address.
func (a Address) Params() url.Values {
	i := strings.IndexByte(a.Name, '?')
	if i < 0 {
		return url.Values{}
	}
	v, err := url.ParseQuery(a.Name[i+1:])
	if err != nil {
		return url.Values{}
	}
	return v
}

// WithName returns a copy of the address renamed to name.
func (a Address) WithName(name string) Address {
	a.Name = name
	return a
}

// MergeParams merges the query-like defaults onto physical. Parameters
// already present in physical are kept; defaults only add missing keys.
// The order of the caller's parameters is preserved.
func MergeParams(physical, defaults string) string {
	defaults = strings.TrimPrefix(strings.TrimSpace(defaults), "?")
	if defaults == "" {
		return physical
	}
	base, query, _ := strings.Cut(physical, "?")

	var pairs []string
	seen := make(map[string]bool)
	for _, p := range splitParams(query) {
		pairs = append(pairs, p)
		seen[paramKey(p)] = true
	}
	for _, p := range splitParams(defaults) {
		k := paramKey(p)
		if seen[k] {
			continue
		}
		seen[k] = true
		pairs = append(pairs, p)
	}
	if len(pairs) == 0 {
		return base
	}
	return base + "?" + strings.Join(pairs, "&")
}

func splitParams(q string) []string {
	var out []string
	for _, p := range strings.Split(q, "&") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func paramKey(p string) string {
	k, _, _ := strings.Cut(p, "=")
	return k
}

// ApplyAddressDefaults fills producer settings of msg from the address
// parameters "priority", "persistent" and "timeToLive" (milliseconds) when
// msg leaves them unset.
func ApplyAddressDefaults(msg *Message, a Address) {
	params := a.Params()
	if v := params.Get("priority"); v != "" && msg.Priority < 0 {
		if p, err := strconv.Atoi(v); err == nil && p >= 0 && p <= 9 {
			msg.Priority = p
		}
	}
	if v := params.Get("persistent"); v != "" && msg.Persistent == nil {
		if b, err := strconv.ParseBool(v); err == nil {
			msg.Persistent = &b
		}
	}
	if v := params.Get("timeToLive"); v != "" && msg.Expiration == 0 {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			msg.Expiration = time.Duration(ms) * time.Millisecond
		}
	}
}
