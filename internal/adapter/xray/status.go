package xray

import (
	"context"
	"time"

	statscmd "github.com/xtls/xray-core/app/stats/command"

	"github.com/oxidizr/xagent/internal/core/domain"
	"github.com/oxidizr/xagent/internal/util"
)

// SysStats queries the proxy's runtime statistics service.
func (c *Client) SysStats(ctx context.Context) (map[string]any, error) {
	conn, err := c.ensureReady(ctx)
	if err != nil {
		return nil, err
	}

	rpcCtx, cancel := c.callCtx(ctx)
	defer cancel()

	ss := statscmd.NewStatsServiceClient(conn)
	resp, err := ss.GetSysStats(rpcCtx, &statscmd.SysStatsRequest{})
	if err != nil {
		return nil, domain.NewUpstreamError("sys_stats", "", "", domain.CodeUpstreamError, err.Error())
	}

	return map[string]any{
		"num_goroutine": resp.GetNumGoroutine(),
		"num_gc":        resp.GetNumGC(),
		"alloc":         resp.GetAlloc(),
		"total_alloc":   resp.GetTotalAlloc(),
		"sys":           resp.GetSys(),
		"mallocs":       resp.GetMallocs(),
		"frees":         resp.GetFrees(),
		"live_objects":  resp.GetLiveObjects(),
		"pause_total":   resp.GetPauseTotalNs(),
		"uptime":        resp.GetUptime(),
	}, nil
}

// RuntimeStatus reports control-endpoint reachability: a cheap TCP probe
// first, then a sys-stats call. The shape is returned even on failure so the
// status route always answers 200.
func (c *Client) RuntimeStatus(ctx context.Context) domain.RuntimeStatus {
	st := domain.RuntimeStatus{
		APIAddr: c.addr,
		Time:    time.Now().Unix(),
	}

	st.PortOpen = util.IsTCPOpen(c.addr, 2*time.Second)
	if !st.PortOpen {
		st.Error = "control endpoint port closed"
		return st
	}

	stats, err := c.SysStats(ctx)
	if err != nil {
		st.SysStatsErr = err.Error()
		return st
	}

	st.SysStats = stats
	st.OK = true
	return st
}
