// Package protocol is the msim line codec: one packet per line, fields
// separated by unescaped '|', list items by unescaped ','.
package protocol

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
)

// Packet types
const (
	TypePing   = "ping"
	TypePong   = "pong"
	TypeBye    = "bye"
	TypeAuth   = "auth"
	TypeOk     = "ok"
	TypeFail   = "fail"
	TypeMsg    = "msg"
	TypeAck    = "ack"
	TypeStat   = "stat"
	TypeList   = "list"
	TypeAdd    = "add"
	TypeRen    = "ren"
	TypeDel    = "del"
	TypeOn     = "on"
	TypeOff    = "off"
	TypeOffmsg = "offmsg"
	TypeFsnd   = "fsnd"
	TypeFacc   = "facc"
	TypeFdec   = "fdec"
	TypeFcan   = "fcan"
)

// TimeLayout is how msim servers stamp messages and presence changes.
const TimeLayout = "2006-01-02T15:04:05Z"

type Packet struct {
	Type   string
	Fields []string
	// Raw is everything after the type, unsplit. list and stat carry
	// unescaped separators inside it.
	Raw string
}

// Field returns field i or "" when the packet is shorter.
func (p *Packet) Field(i int) string {
	if i < len(p.Fields) {
		return p.Fields[i]
	}
	return ""
}

func ParsePacket(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return nil, ErrInvalidPacket
	}

	parts := Split(line)
	pkt := &Packet{Type: parts[0], Fields: parts[1:]}
	if head := SplitN(line, 2); len(head) == 2 {
		pkt.Raw = head[1]
	}
	if pkt.Type == "" {
		return nil, ErrInvalidPacket
	}
	return pkt, nil
}

// FormatPacket escapes every field on its own and joins them into one line.
func FormatPacket(pktType string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, Escape(pktType))
	for _, f := range fields {
		parts = append(parts, Escape(f))
	}
	return strings.Join(parts, "|") + "\n"
}

// Split breaks line at unescaped '|' and unescapes each part.
func Split(line string) []string {
	return SplitN(line, -1)
}

// SplitN is Split limited to n parts. The last part is the raw remainder and
// is not unescaped, since it may hold structural separators.
func SplitN(line string, n int) []string {
	if n == 0 {
		return nil
	}
	var parts []string
	var current strings.Builder
	escaped := false

	for i, r := range line {
		if n > 0 && len(parts) == n-1 {
			return append(parts, line[i:])
		}
		switch {
		case escaped:
			current.WriteRune('\\')
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '|':
			parts = append(parts, Unescape(current.String()))
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if escaped {
		current.WriteRune('\\')
	}
	return append(parts, Unescape(current.String()))
}

// SplitList splits a comma-separated list, keeping escapes in the items.
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	var parts []string
	var current strings.Builder
	escaped := false

	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune('\\')
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if escaped {
		current.WriteRune('\\')
	}
	return append(parts, current.String())
}

// Unescape decodes the escapes produced by Escape. Unknown escapes are kept
// as they are.
func Unescape(s string) string {
	var result strings.Builder
	escaped := false

	for _, r := range s {
		if escaped {
			switch r {
			case '|', ',', '\\':
				result.WriteRune(r)
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		result.WriteRune(r)
	}
	if escaped {
		result.WriteRune('\\')
	}
	return result.String()
}

func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}

// Contact is one roster entry of a list reply.
type Contact struct {
	ID   string
	Nick string
}

// Status is one entry of a stat reply.
type Status struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

// ParseContacts parses the body of a list reply: id|nick,id|nick,...
func ParseContacts(content string) []Contact {
	var contacts []Contact
	for _, item := range SplitList(content) {
		parts := Split(item)
		c := Contact{ID: parts[0]}
		if len(parts) >= 2 {
			c.Nick = parts[1]
		}
		if c.ID != "" {
			contacts = append(contacts, c)
		}
	}
	return contacts
}

// ParseStatuses parses the body of a stat reply: user|on|last_seen,...
// last_seen may be missing.
func ParseStatuses(content string) []Status {
	var statuses []Status
	for _, item := range SplitList(content) {
		parts := Split(item)
		if len(parts) < 2 {
			continue
		}
		s := Status{UserID: parts[0], Online: parts[1] == TypeOn}
		if len(parts) >= 3 {
			s.LastSeen, _ = time.Parse(time.RFC3339, parts[2])
		}
		statuses = append(statuses, s)
	}
	return statuses
}

// ParseOfflineCounts parses the body of an offmsg reply: contact|count,...
func ParseOfflineCounts(content string) map[string]int {
	counts := make(map[string]int)
	for _, item := range SplitList(content) {
		parts := Split(item)
		if len(parts) < 2 {
			continue
		}
		if n, err := strconv.Atoi(parts[1]); err == nil && n > 0 {
			counts[parts[0]] = n
		}
	}
	return counts
}
