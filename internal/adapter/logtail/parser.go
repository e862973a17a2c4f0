package logtail

import (
	"regexp"
	"strings"
	"time"

	"github.com/oxidizr/xagent/internal/core/domain"
)

// accessLineRe matches accepted-connection lines:
//
//	2025/01/02 15:04:05.123456 from 1.2.3.4:56789 accepted tcp:example.com:443 [vless-in -> direct] email: 123456
//
// The source address may carry a transport prefix and the fractional seconds
// and email suffix are optional in the wild.
var accessLineRe = regexp.MustCompile(
	`^(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?)` +
		`\s+from\s+(?:(?:tcp|udp):)?\[?([0-9a-fA-F\.:]+)\]?:(\d+)` +
		`\s+accepted\s+(tcp|udp):([^\s\]]+?)(?::(\d+))?` +
		`\s+\[([^\]]+)\]` +
		`(?:\s+email:\s*(\S+))?\s*$`)

const (
	timeLayout     = "2006/01/02 15:04:05"
	timeLayoutFrac = "2006/01/02 15:04:05.999999"
)

// parseLine extracts one event. Lines without an email, for another inbound
// tag, or not matching at all return ok=false.
func parseLine(line, inboundTag string) (domain.LogEvent, bool) {
	m := accessLineRe.FindStringSubmatch(line)
	if m == nil {
		return domain.LogEvent{}, false
	}

	email := m[8]
	if email == "" {
		return domain.LogEvent{}, false
	}

	// The bracket label is "INBOUND -> EGRESS".
	label := m[7]
	tag := label
	if idx := strings.Index(label, "->"); idx >= 0 {
		tag = strings.TrimSpace(label[:idx])
	}
	if inboundTag != "" && tag != inboundTag {
		return domain.LogEvent{}, false
	}

	layout := timeLayout
	if strings.Contains(m[1], ".") {
		layout = timeLayoutFrac
	}
	ts, err := time.ParseInLocation(layout, m[1], time.Local)
	if err != nil {
		return domain.LogEvent{}, false
	}

	host := m[5]
	dst := host
	if m[6] != "" {
		dst = host + ":" + m[6]
	}

	return domain.LogEvent{
		Time:  float64(ts.Unix()),
		Email: email,
		SrcIP: m[2],
		Proto: m[4],
		Dst:   dst,
		Host:  host,
	}, true
}

// parseLines filters a tail of raw lines down to accepted events for the
// inbound tag within the window ending at now.
func parseLines(lines []string, inboundTag string, now float64, windowSec int) []domain.LogEvent {
	cutoff := now - float64(windowSec)
	events := make([]domain.LogEvent, 0, len(lines)/4)
	for _, line := range lines {
		ev, ok := parseLine(line, inboundTag)
		if !ok || ev.Time < cutoff {
			continue
		}
		events = append(events, ev)
	}
	return events
}
