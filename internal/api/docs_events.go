package api

const eventsDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Event Stream - Tieba Sign-in</title>
  <style>
    body {
      margin: 0;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", sans-serif;
      font-size: 14px;
      line-height: 1.65;
      background: #0d1117;
      color: #c9d1d9;
    }
    a { color: #58a6ff; text-decoration: none; }
    nav {
      background: #161b22;
      border-bottom: 1px solid #30363d;
      padding: 0 24px;
      height: 48px;
      display: flex;
      align-items: center;
      gap: 24px;
    }
    nav .brand { font-weight: 600; font-size: 15px; color: #f0f6fc; }
    main { max-width: 880px; margin: 0 auto; padding: 32px 24px; }
    code, pre { font-family: "SFMono-Regular", Consolas, monospace; font-size: 12.5px; }
    pre { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 12px 16px; overflow-x: auto; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #30363d; padding: 6px 10px; text-align: left; }
  </style>
</head>
<body>
  <nav><span class="brand">Tieba Sign-in</span><a href="/docs">API Reference</a></nav>
  <main>
    <h1>Event Stream</h1>
    <p>Progress of sign-in runs and selected browser traffic are published as JSON events.</p>

    <h2>Endpoints</h2>
    <table>
      <tr><th>Path</th><th>Transport</th></tr>
      <tr><td><code>GET /api/v1/events</code></td><td>Server-Sent Events, one <code>event:</code> per feed</td></tr>
      <tr><td><code>GET /api/v1/events/ws</code></td><td>WebSocket, one text frame per event</td></tr>
    </table>

    <h2>Query parameters</h2>
    <table>
      <tr><th>Name</th><th>Meaning</th></tr>
      <tr><td><code>feeds</code></td><td>Comma separated feed names, e.g. <code>signin,traffic</code>. Omit for all feeds.</td></tr>
      <tr><td><code>replay</code></td><td>Number of recent events to send before live ones (at most 64).</td></tr>
    </table>

    <h2>Feeds</h2>
    <table>
      <tr><th>Feed</th><th>Kinds</th></tr>
      <tr><td><code>signin</code></td><td><code>state</code>, <code>board</code>, <code>result</code></td></tr>
      <tr><td><code>traffic</code></td><td><code>request</code>, <code>response</code> for URLs matched by the relay config</td></tr>
    </table>

    <h2>Event</h2>
    <pre>{
  "feed": "signin",
  "kind": "board",
  "run_id": "6f1c...",
  "time": "2026-01-01T08:00:00Z",
  "data": {"board": "golang", "succeeded": true}
}</pre>

    <h2>Example</h2>
    <pre>curl -N 'http://localhost:3000/api/v1/events?feeds=signin&amp;replay=10'</pre>
  </main>
</body>
</html>`
