package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="es">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Cambios pendientes</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --warn: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 960px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
    }

    .bar, .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: 1.5rem; }

    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .pill {
      display: inline-block;
      border-radius: 999px;
      padding: 2px 10px;
      font-size: 0.8rem;
      color: #fff;
      background: var(--muted);
    }
    .pill.online { background: var(--accent); }
    .pill.offline { background: var(--danger); }
    .pill.syncing { background: var(--warn); }

    button {
      border: 0;
      border-radius: 10px;
      padding: 8px 14px;
      background: var(--accent);
      color: #fff;
      cursor: pointer;
    }

    table { width: 100%; border-collapse: collapse; }
    th, td { text-align: left; padding: 8px; border-bottom: 1px solid var(--line); }
    td.action { font-weight: 600; }
    td.CREATE { color: var(--accent); }
    td.UPDATE { color: var(--warn); }
    td.DELETE { color: var(--danger); }

    #log { font-family: ui-monospace, monospace; font-size: 0.8rem; color: var(--muted); max-height: 200px; overflow: auto; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>Cambios pendientes</h1>
      <div class="sub">
        <span id="conn" class="pill">...</span>
        <span id="count">0</span> cambio(s) en cola
        <button id="sync">Sincronizar</button>
      </div>
    </div>
    <div class="card">
      <table>
        <thead><tr><th>Accion</th><th>ID</th><th>Nombre</th><th>Saldo</th><th>Fecha</th></tr></thead>
        <tbody id="pending"></tbody>
      </table>
    </div>
    <div class="card"><div id="log"></div></div>
  </div>
  <script>
    (() => {
      const base = "/offline/api";
      const rows = document.getElementById("pending");
      const count = document.getElementById("count");
      const conn = document.getElementById("conn");
      const log = document.getElementById("log");

      function text(value) {
        const span = document.createElement("span");
        span.textContent = value == null ? "" : String(value);
        return span.innerHTML;
      }

      function renderPending(entries) {
        count.textContent = entries.length;
        rows.innerHTML = entries.map((entry) =>
          "<tr><td class=\"action " + text(entry.action) + "\">" + text(entry.action) + "</td>" +
          "<td>" + text(entry.data.id) + "</td>" +
          "<td>" + text(entry.data.nombre) + "</td>" +
          "<td>" + text(entry.data.saldo) + "</td>" +
          "<td>" + text(new Date(entry.timestamp).toLocaleString()) + "</td></tr>"
        ).join("");
      }

      function renderStatus(status) {
        conn.textContent = status.syncing ? "sincronizando" : (status.online ? "en linea" : "sin conexion");
        conn.className = "pill " + (status.syncing ? "syncing" : (status.online ? "online" : "offline"));
      }

      function append(line) {
        const row = document.createElement("div");
        row.textContent = new Date().toLocaleTimeString() + " " + line;
        log.prepend(row);
      }

      async function refreshStatus() {
        const res = await fetch(base + "/status");
        const body = await res.json();
        if (body.success) renderStatus(body.data);
      }

      function connect() {
        const proto = location.protocol === "https:" ? "wss:" : "ws:";
        const ws = new WebSocket(proto + "//" + location.host + "/offline/events");
        ws.onmessage = (msg) => {
          const event = JSON.parse(msg.data);
          if (event.type === "pending") {
            renderPending(event.pending || []);
          } else if (event.type === "notice") {
            append(event.notice.kind + ": " + (event.notice.message || ""));
            refreshStatus();
          }
        };
        ws.onclose = () => setTimeout(connect, 2000);
      }

      document.getElementById("sync").addEventListener("click", async () => {
        const res = await fetch(base + "/sync", { method: "POST" });
        const body = await res.json();
        append(body.success ? "sincronizacion lanzada" : body.error);
        refreshStatus();
      });

      refreshStatus();
      connect();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
