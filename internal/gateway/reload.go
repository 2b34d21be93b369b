package gateway

import (
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/authgate/config"
	"github.com/wudi/authgate/internal/skiplist"
)

// ReloadResult describes the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
	// Pending lists changed sections that only take effect after a restart.
	Pending []string `json:"pending,omitempty"`
}

// Reload applies newCfg. Only the bypass list is swapped live; the new
// resolver is built completely before the gate sees it, so a bad pattern
// leaves the running one in place.
func (g *Gateway) Reload(newCfg *config.Config) ReloadResult {
	result := ReloadResult{Timestamp: time.Now()}

	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.config

	if !reflect.DeepEqual(old.Auth.SkipURLs, newCfg.Auth.SkipURLs) {
		resolver, err := skiplist.New(newCfg.Auth.SkipURLs)
		if err != nil {
			result.Error = fmt.Sprintf("skip_urls: %v", err)
			g.metrics.RecordReload(false)
			return result
		}
		g.gate.SetResolver(resolver)
		g.metrics.SetSkipPatterns(resolver.Len())
		result.Changes = append(result.Changes, "auth.skip_urls")
	}

	result.Pending = restartRequired(old, newCfg)
	for _, section := range result.Pending {
		g.logger.Warn("config change requires restart", zap.String("section", section))
	}

	cp := *old
	cp.Auth.SkipURLs = newCfg.Auth.SkipURLs
	g.config = &cp

	result.Success = true
	g.metrics.RecordReload(true)
	return result
}

// restartRequired lists the sections of next that differ from cur and are
// not applied live.
func restartRequired(cur, next *config.Config) []string {
	var pending []string
	check := func(name string, a, b interface{}) {
		if !reflect.DeepEqual(a, b) {
			pending = append(pending, name)
		}
	}
	check("listener", cur.Listener, next.Listener)
	check("upstream", cur.Upstream, next.Upstream)
	check("auth.header", cur.Auth.Header, next.Auth.Header)
	check("auth.schemes", cur.Auth.Schemes, next.Auth.Schemes)
	check("auth.realm", cur.Auth.Realm, next.Auth.Realm)
	check("auth.jwt", cur.Auth.JWT, next.Auth.JWT)
	check("auth.identity", cur.Auth.Identity, next.Auth.Identity)
	check("auth.cache", cur.Auth.Cache, next.Auth.Cache)
	check("logging", cur.Logging, next.Logging)
	check("admin", cur.Admin, next.Admin)
	check("tracing", cur.Tracing, next.Tracing)
	return pending
}

const maxReloadHistory = 50

// appendReloadHistory appends a result and keeps the last 50 entries.
func appendReloadHistory(history []ReloadResult, result ReloadResult) []ReloadResult {
	history = append(history, result)
	if len(history) > maxReloadHistory {
		history = history[len(history)-maxReloadHistory:]
	}
	return history
}
