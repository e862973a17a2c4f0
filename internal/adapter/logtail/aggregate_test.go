package logtail

import (
	"fmt"
	"testing"

	"github.com/oxidizr/xagent/internal/core/domain"
)

func ev(t float64, email, ip, host string) domain.LogEvent {
	return domain.LogEvent{Time: t, Email: email, SrcIP: ip, Host: host}
}

func TestAggregateDevicesEstimate(t *testing.T) {
	now := float64(1000000)

	events := []domain.LogEvent{
		ev(now-10, "alice", "1.1.1.1", "a.com"),
		ev(now-20, "alice", "2.2.2.2", "a.com"),
		// Roaming IP from long ago must not count as a live device.
		ev(now-500, "alice", "3.3.3.3", "b.com"),
	}

	clients := aggregate(events, now, 240, 120, 2)
	if len(clients) != 1 {
		t.Fatalf("expected 1 client, got %d", len(clients))
	}

	c := clients[0]
	if len(c.UniqueIPs) != 3 {
		t.Errorf("unique ips = %v", c.UniqueIPs)
	}
	if c.DevicesEstimate != 2 {
		t.Errorf("devices estimate = %d, want 2", c.DevicesEstimate)
	}
	if !c.Online {
		t.Error("client seen 10s ago should be online")
	}
	if c.Suspicious {
		t.Error("2 devices within limit 2 is not suspicious")
	}
}

func TestAggregateSuspicious(t *testing.T) {
	now := float64(1000000)
	events := []domain.LogEvent{
		ev(now-5, "bob", "1.1.1.1", "x"),
		ev(now-6, "bob", "2.2.2.2", "x"),
		ev(now-7, "bob", "3.3.3.3", "x"),
	}

	clients := aggregate(events, now, 240, 120, 2)
	if !clients[0].Suspicious {
		t.Error("3 active devices over limit 2 should be suspicious")
	}
}

func TestAggregateSortOnlineFirst(t *testing.T) {
	now := float64(1000000)
	events := []domain.LogEvent{
		ev(now-300, "offline-user", "1.1.1.1", "x"),
		ev(now-5, "online-user", "2.2.2.2", "x"),
	}

	clients := aggregate(events, now, 240, 120, 2)
	if clients[0].Email != "online-user" {
		t.Errorf("online client should sort first, got %s", clients[0].Email)
	}
}

func TestAggregateTopHostsCapped(t *testing.T) {
	now := float64(1000000)
	var events []domain.LogEvent
	for i := 0; i < 12; i++ {
		host := fmt.Sprintf("host-%02d.com", i)
		for j := 0; j <= i; j++ {
			events = append(events, ev(now-1, "carol", "1.1.1.1", host))
		}
	}

	clients := aggregate(events, now, 240, 120, 2)
	hosts := clients[0].TopHosts
	if len(hosts) != 8 {
		t.Fatalf("top hosts should cap at 8, got %d", len(hosts))
	}
	if hosts[0].Host != "host-11.com" || hosts[0].Hits != 12 {
		t.Errorf("hottest host first: %+v", hosts[0])
	}
	for i := 1; i < len(hosts); i++ {
		if hosts[i].Hits > hosts[i-1].Hits {
			t.Errorf("hosts not sorted by hits: %+v", hosts)
		}
	}
}
