// Package dashboard serves the RelayBridge web UI and REST API.
//
// The dashboard is mounted on /dashboard and /api/ on the same port as
// the relay. It provides:
//
//   - Web UI:     GET /dashboard           — Single-page HTML dashboard
//   - WebSocket:  GET /dashboard/ws        — Live traffic feed
//   - REST API:   GET /api/status          — Relay status and totals
//     GET /api/accounts        — Account pool with health (keys redacted)
//     GET /api/usage           — Recent usage records
//     GET /api/cache           — Translation cache stats
//     POST /api/cache/clear    — Clear the translation cache
//     GET /api/scheduler       — Scheduler health map
//     POST /api/revive         — Clear health marks on an account
//
// The web UI is a minimal embedded HTML page (no build step, no
// framework): account table, usage totals, and a live feed over the
// WebSocket.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/relaybridge/relaybridge/internal/account"
	"github.com/relaybridge/relaybridge/internal/scheduler"
	"github.com/relaybridge/relaybridge/internal/translate"
	"github.com/relaybridge/relaybridge/internal/usagelog"
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Accounts  *account.Store
	Usage     *usagelog.Log
	Pool      *scheduler.Pool
	Translate *translate.Service // nil when translation is disabled
	Version   string
	StartedAt time.Time
}

// Dashboard serves the web UI and REST API.
type Dashboard struct {
	accounts  *account.Store
	usage     *usagelog.Log
	pool      *scheduler.Pool
	translate *translate.Service
	version   string
	startedAt time.Time
	wsHub     *wsHub
}

// New creates a Dashboard and starts its WebSocket broadcast hub.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		accounts:  opts.Accounts,
		usage:     opts.Usage,
		pool:      opts.Pool,
		translate: opts.Translate,
		version:   opts.Version,
		startedAt: opts.StartedAt,
		wsHub:     newWSHub(),
	}

	go d.wsHub.run()

	return d
}

// ServeHTTP handles requests to /dashboard and /dashboard/.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// WebSocketHandler returns the handler for /dashboard/ws.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.handleWebSocket(w, r)
	})
}

// APIHandler returns the handler for the /api/ REST endpoints. The
// connection-test endpoint (/api/test) is mounted by main, next to the
// relay that owns it.
func (d *Dashboard) APIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/accounts", d.handleAPIAccounts)
	mux.HandleFunc("/api/usage", d.handleAPIUsage)
	mux.HandleFunc("/api/cache", d.handleAPICache)
	mux.HandleFunc("/api/cache/clear", d.handleAPICacheClear)
	mux.HandleFunc("/api/scheduler", d.handleAPIScheduler)
	mux.HandleFunc("/api/revive", d.handleAPIRevive)

	return mux
}

// BroadcastEvent fans a relay event out to all connected WebSocket
// clients. Called by the relay after each request. Non-blocking.
func (d *Dashboard) BroadcastEvent(e any) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal broadcast event", "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

// --- REST API Handlers ---

// handleAPIStatus returns relay status and 24h usage totals.
// GET /api/status
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	totals, err := d.usage.Sum(usagelog.QueryParams{Since: "24h"})
	if err != nil {
		slog.Error("usage sum failed", "error", err)
	}

	healthy := 0
	health := d.pool.Health()
	for _, id := range d.accounts.IDs() {
		if h, ok := health[id]; !ok || h.Healthy {
			healthy++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "running",
		"version":             d.version,
		"uptime_s":            int(time.Since(d.startedAt).Seconds()),
		"accounts":            len(d.accounts.IDs()),
		"healthy_accounts":    healthy,
		"translation_enabled": d.translate != nil,
		"totals_24h":          totals,
	})
}

// accountView is an Account with the secret stripped for display.
type accountView struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider,omitempty"`
	BaseAPI     string    `json:"base_api"`
	Model       string    `json:"model,omitempty"`
	Translation bool      `json:"translation"`
	Status      string    `json:"status,omitempty"`
	DailyQuota  float64   `json:"daily_quota,omitempty"`
	QuotaUsed   float64   `json:"quota_used,omitempty"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
	Healthy     bool      `json:"healthy"`
	Reason      string    `json:"reason,omitempty"`
}

// handleAPIAccounts returns the account pool joined with scheduler
// health. API keys never leave the server.
// GET /api/accounts
func (d *Dashboard) handleAPIAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	health := d.pool.Health()
	accounts := d.accounts.List()
	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		v := accountView{
			ID:          acc.ID,
			Provider:    acc.Provider,
			BaseAPI:     acc.BaseAPI,
			Model:       acc.DefaultModel,
			Translation: acc.TranslationEnabled(),
			Status:      acc.Status,
			DailyQuota:  acc.DailyQuota,
			QuotaUsed:   acc.QuotaUsed,
			LastUsedAt:  acc.LastUsedAt,
			Healthy:     true,
		}
		if h, ok := health[acc.ID]; ok {
			v.Healthy = h.Healthy
			v.Reason = h.Reason
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, views)
}

// handleAPIUsage returns recent usage records.
// GET /api/usage?limit=50&account=acc1&model=claude-*&since=24h
func (d *Dashboard) handleAPIUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	params := usagelog.QueryParams{
		APIKey:  r.URL.Query().Get("api_key"),
		Account: r.URL.Query().Get("account"),
		Model:   r.URL.Query().Get("model"),
		Since:   r.URL.Query().Get("since"),
		Limit:   limit,
	}

	entries, err := d.usage.Query(params)
	if err != nil {
		slog.Error("usage query failed", "error", err)
		http.Error(w, "usage query failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleAPICache returns translation cache statistics.
// GET /api/cache
func (d *Dashboard) handleAPICache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	if d.translate == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, d.translate.CacheStats())
}

// handleAPICacheClear empties the translation cache.
// POST /api/cache/clear
func (d *Dashboard) handleAPICacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if d.translate == nil {
		http.Error(w, "translation disabled", http.StatusBadRequest)
		return
	}
	d.translate.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleAPIScheduler returns the scheduler health map.
// GET /api/scheduler
func (d *Dashboard) handleAPIScheduler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, d.pool.Health())
}

// handleAPIRevive clears health marks on an account so the scheduler
// considers it again.
// POST /api/revive  { "account": "acc1" }
func (d *Dashboard) handleAPIRevive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Account string `json:"account"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Account == "" {
		http.Error(w, "account field required", http.StatusBadRequest)
		return
	}

	if err := d.pool.Revive(req.Account); err != nil {
		slog.Error("revive via API failed", "account", req.Account, "error", err)
		http.Error(w, "revive failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "revived", "account": req.Account})
}

// --- Helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// dashboardHTML is the embedded single-page dashboard: account table,
// usage totals, and a live request feed. Refreshes via periodic fetch
// plus the WebSocket.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>RelayBridge Dashboard</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .ok { color: #3fb950; }
  .bad { color: #f85149; }
  .muted { color: #8b949e; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
  .btn { background: #21262d; border: 1px solid #30363d; color: #e1e4e8;
         padding: 4px 12px; border-radius: 4px; cursor: pointer; font-size: 12px; }
  .btn:hover { background: #30363d; }
  .btn-success { border-color: #3fb950; color: #3fb950; }
</style>
</head>
<body>
<h1>RelayBridge Dashboard</h1>
<p class="subtitle">LLM API relay with account pooling and translation</p>

<div class="grid">
  <div class="card">
    <h2>Accounts</h2>
    <table>
      <thead><tr><th>Account</th><th>Provider</th><th>Health</th><th>Translation</th><th>Quota</th><th>Action</th></tr></thead>
      <tbody id="accounts-tbody"><tr><td colspan="6">Loading...</td></tr></tbody>
    </table>
  </div>
  <div class="card">
    <h2>Last 24h</h2>
    <table>
      <tbody id="totals-tbody"><tr><td>Loading...</td></tr></tbody>
    </table>
  </div>
</div>

<div class="card">
  <h2>Live Traffic</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
async function refresh() {
  try {
    const [statusRes, accountsRes] = await Promise.all([
      fetch('/api/status'), fetch('/api/accounts')
    ]);
    renderTotals(await statusRes.json());
    renderAccounts(await accountsRes.json());
  } catch(e) { console.error('refresh failed:', e); }
}

function renderAccounts(accounts) {
  const tbody = document.getElementById('accounts-tbody');
  if (!accounts || accounts.length === 0) { tbody.innerHTML = '<tr><td colspan="6">No accounts configured</td></tr>'; return; }
  tbody.innerHTML = accounts.map(a => {
    const cls = a.healthy ? 'ok' : 'bad';
    const health = a.healthy ? 'healthy' : (a.reason || 'unhealthy');
    const id = esc(a.id);
    const quota = a.daily_quota ? '$' + (a.quota_used||0).toFixed(2) + ' / $' + a.daily_quota.toFixed(2) : '-';
    const btn = a.healthy ? '' :
      '<button class="btn btn-success" onclick="revive(\'' + id + '\')">Revive</button>';
    return '<tr><td>' + id + '</td><td>' + esc(a.provider||'-') +
      '</td><td class="' + cls + '">' + esc(health) +
      '</td><td>' + (a.translation ? 'on' : '<span class="muted">off</span>') +
      '</td><td>' + quota + '</td><td>' + btn + '</td></tr>';
  }).join('');
}

function renderTotals(status) {
  const t = status.totals_24h || {};
  document.getElementById('totals-tbody').innerHTML =
    '<tr><td>Requests</td><td>' + (t.requests||0) + '</td></tr>' +
    '<tr><td>Input tokens</td><td>' + (t.input_tokens||0) + '</td></tr>' +
    '<tr><td>Output tokens</td><td>' + (t.output_tokens||0) + '</td></tr>' +
    '<tr><td>Cost</td><td>$' + (t.cost||0).toFixed(4) + '</td></tr>' +
    '<tr><td>Accounts healthy</td><td>' + (status.healthy_accounts||0) + ' / ' + (status.accounts||0) + '</td></tr>';
}

async function revive(id) {
  await fetch('/api/revive', { method: 'POST', headers: {'Content-Type':'application/json'},
    body: JSON.stringify({account: id}) });
  refresh();
}

// WebSocket for the live request feed.
function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  ws.onmessage = function(e) {
    try {
      const ev = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const cls = ev.status < 400 ? 'ok' : 'bad';
      const div = document.createElement('div');
      div.className = 'feed-entry';
      const u = ev.usage || {};
      div.innerHTML = '[' + esc(ev.ts) + '] ' + esc(ev.account) + ' ' + esc(ev.model||'-') +
        ' <span class="' + cls + '">' + ev.status + '</span>' +
        ' in=' + (u.input_tokens||0) + ' out=' + (u.output_tokens||0) +
        (ev.translated ? ' <span class="muted">translated</span>' : '') +
        ' ' + (ev.latency_ms||0) + 'ms';
      feed.insertBefore(div, feed.firstChild);
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
