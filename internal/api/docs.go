package api

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
)

const elementsVersion = "9.0.0"

type docLink struct {
	Label string
	Href  string
}

type docsPage struct {
	Title   string
	SpecURL string
	Version string
	Links   []docLink
}

var docsTmpl = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Title}}</title>
  <link href="https://unpkg.com/@stoplight/elements@{{.Version}}/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@{{.Version}}/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    body { height: 100vh; margin: 0; position: relative; }
    .doc-links { position: fixed; top: 12px; right: 16px; z-index: 9999; display: flex; gap: 8px; }
    .doc-links a {
      background: #161b22; border: 1px solid #30363d; border-radius: 6px; color: #58a6ff;
      font: 500 12px -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
      padding: 5px 12px; text-decoration: none;
    }
  </style>
</head>
<body>
  <div class="doc-links">{{range .Links}}<a href="{{.Href}}">{{.Label}}</a>{{end}}</div>
  <elements-api apiDescriptionUrl="{{.SpecURL}}" router="hash" layout="sidebar" tryItCredentialsPolicy="same-origin" darkMode />
</body>
</html>`))

// renderDocs executes the docs template once; the page never changes at
// runtime.
func renderDocs(p docsPage) []byte {
	if p.Version == "" {
		p.Version = elementsVersion
	}
	var buf bytes.Buffer
	if err := docsTmpl.Execute(&buf, p); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func htmlHandler(body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(body); err != nil {
			slog.Debug("docs response write failed", "path", r.URL.Path, "error", err)
		}
	}
}
