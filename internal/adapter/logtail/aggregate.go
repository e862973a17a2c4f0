package logtail

import (
	"sort"

	"github.com/oxidizr/xagent/internal/core/domain"
)

const maxTopHosts = 8

type clientAccum struct {
	ipLastSeen map[string]float64
	hostHits   map[string]int
	lastSeen   float64
	events     int
}

// aggregate folds window events into per-email client statuses. Device count
// is |active IPs|: IPs seen within ipActiveTTL of now, so a long-gone roaming
// address does not count as a live device.
func aggregate(events []domain.LogEvent, now float64, onlineWindowSec, ipActiveTTLSec, devicesLimit int) []domain.ClientStatus {
	acc := make(map[string]*clientAccum)

	for _, ev := range events {
		a := acc[ev.Email]
		if a == nil {
			a = &clientAccum{
				ipLastSeen: make(map[string]float64),
				hostHits:   make(map[string]int),
			}
			acc[ev.Email] = a
		}
		if ev.Time > a.ipLastSeen[ev.SrcIP] {
			a.ipLastSeen[ev.SrcIP] = ev.Time
		}
		if ev.Time > a.lastSeen {
			a.lastSeen = ev.Time
		}
		if ev.Host != "" {
			a.hostHits[ev.Host]++
		}
		a.events++
	}

	clients := make([]domain.ClientStatus, 0, len(acc))
	for email, a := range acc {
		uniqueIPs := make([]string, 0, len(a.ipLastSeen))
		activeIPs := make([]string, 0, len(a.ipLastSeen))
		for ip, seen := range a.ipLastSeen {
			uniqueIPs = append(uniqueIPs, ip)
			if now-seen <= float64(ipActiveTTLSec) {
				activeIPs = append(activeIPs, ip)
			}
		}
		sort.Strings(uniqueIPs)
		sort.Strings(activeIPs)

		agoSec := now - a.lastSeen
		if agoSec < 0 {
			agoSec = 0
		}

		clients = append(clients, domain.ClientStatus{
			Email:           email,
			Online:          agoSec <= float64(onlineWindowSec),
			LastSeenEpoch:   a.lastSeen,
			LastSeenAgoSec:  agoSec,
			UniqueIPs:       uniqueIPs,
			ActiveIPs:       activeIPs,
			DevicesEstimate: len(activeIPs),
			Events:          a.events,
			TopHosts:        topHosts(a.hostHits),
			Suspicious:      len(activeIPs) > devicesLimit,
		})
	}

	// Online users first, then most recently seen.
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].Online != clients[j].Online {
			return clients[i].Online
		}
		return clients[i].LastSeenAgoSec < clients[j].LastSeenAgoSec
	})

	return clients
}

func topHosts(hits map[string]int) []domain.HostHits {
	out := make([]domain.HostHits, 0, len(hits))
	for host, n := range hits {
		out = append(out, domain.HostHits{Host: host, Hits: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		return out[i].Host < out[j].Host
	})
	if len(out) > maxTopHosts {
		out = out[:maxTopHosts]
	}
	return out
}
