package frontdoor

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	redirects      atomic.Uint64
	proxied        atomic.Uint64
	proxyErrors    atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveRedirect() { s.redirects.Add(1) }

func (s *statsCollector) ObserveProxyError() { s.proxyErrors.Add(1) }

// ObserveProxied records one response relayed from the origin.
func (s *statsCollector) ObserveProxied(respBytes int64) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.proxied.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Redirects    uint64 `json:"redirects"`
	Proxied      uint64 `json:"proxied"`
	ProxyErrors  uint64 `json:"proxyErrors"`
	MinRespBytes uint64 `json:"minRespBytes"`
	MaxRespBytes uint64 `json:"maxRespBytes"`
	AvgRespBytes uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Redirects:   s.redirects.Load(),
		Proxied:     s.proxied.Load(),
		ProxyErrors: s.proxyErrors.Load(),
	}
	if out.Proxied == 0 {
		return out
	}
	out.MinRespBytes = s.minRespBytes.Load()
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / out.Proxied
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
