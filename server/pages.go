package server

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"time"

	"imagegallery/bridge"
	"imagegallery/gallery"
	"imagegallery/session"
)

type kv struct {
	Key   string
	Value string
}

type pageView struct {
	Page      string
	Subject   string
	Name      string
	Images    []gallery.Image
	APIError  string
	Claims    []kv
	Tokens    []kv
	ExpiresAt string
	Notice    string
}

var pageTemplate = template.Must(template.New("gallery").Funcs(template.FuncMap{
	"eq": func(a, b string) bool { return a == b },
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Image Gallery</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem auto; max-width: 960px; color: #1d1d1f; }
nav { display: flex; gap: 1rem; align-items: center; margin-bottom: 1.5rem; }
nav form { margin-left: auto; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #d0d0d5; padding: 0.5rem; text-align: left; font-size: 0.95rem; word-break: break-all; }
th { background: #f0f0f5; }
.notice { color: #555; }
.error { color: #d32f2f; }
</style>
</head>
<body>
<nav>
  <a href="/">Gallery</a>
  <a href="/identity">Identity</a>
  <span>{{.Name}}</span>
  <form method="post" action="/logout"><button type="submit">Logout</button></form>
</nav>
{{if .Notice}}<p class="notice">{{.Notice}}</p>{{end}}
{{if eq .Page "index"}}
<h1>Images</h1>
{{if .APIError}}<p class="error">{{.APIError}}</p>{{end}}
<ul>
{{range .Images}}
  <li>{{.Title}} <small>({{.FileName}})</small></li>
{{else}}
  <li>No images yet.</li>
{{end}}
</ul>
{{else if eq .Page "identity"}}
<h1>Identity</h1>
<p>Session valid until {{.ExpiresAt}}.</p>
<h2>Claims</h2>
<table>
  <thead><tr><th>Type</th><th>Value</th></tr></thead>
  <tbody>
  {{range .Claims}}<tr><td>{{.Key}}</td><td>{{.Value}}</td></tr>{{end}}
  </tbody>
</table>
{{if .Tokens}}
<h2>Tokens</h2>
<table>
  <thead><tr><th>Token</th><th>Value</th></tr></thead>
  <tbody>
  {{range .Tokens}}<tr><td>{{.Key}}</td><td>{{.Value}}</td></tr>{{end}}
  </tbody>
</table>
<form method="post" action="/identity/refresh" style="margin-top:1rem;"><button type="submit">Refresh tokens</button></form>
{{end}}
{{end}}
</body>
</html>`))

func (a *App) render(w http.ResponseWriter, view pageView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := pageTemplate.Execute(w, view); err != nil {
		a.Logger.Error("render page", "page", view.Page, "error", err)
	}
}

func baseView(page string, sess *session.Session) pageView {
	view := pageView{Page: page, Subject: sess.Subject()}
	if sess.Claims != nil {
		view.Name = strings.TrimSpace(sess.Claims.String("given_name") + " " + sess.Claims.String("family_name"))
	}
	if view.Name == "" {
		view.Name = view.Subject
	}
	return view
}

func (a *App) handleGallery(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromRequest(r)
	view := baseView("index", sess)
	if a.Gallery != nil {
		images, err := a.Gallery.GetImages(r.Context())
		if err != nil {
			a.Logger.Warn("gallery api", "error", err, "request_id", RequestIDFromContext(r.Context()))
			view.APIError = "The image API is not available right now."
		}
		view.Images = images
	}
	a.render(w, view)
}

// handleIdentity lists the claims of the signed-in user. Raw tokens are
// only shown in dev mode.
func (a *App) handleIdentity(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromRequest(r)
	view := baseView("identity", sess)
	view.ExpiresAt = sess.ExpiresAt.UTC().Format(time.RFC3339)
	if sess.Claims != nil {
		raw := sess.Claims.Map()
		names := sess.Claims.Names()
		sort.Strings(names)
		for _, name := range names {
			for _, v := range claimValues(raw[name]) {
				view.Claims = append(view.Claims, kv{Key: name, Value: v})
			}
		}
	}
	if sess.Tokens != nil {
		view.Tokens = append(view.Tokens, kv{Key: "expires_at", Value: sess.Tokens.ExpiresAt.UTC().Format(time.RFC3339)})
		if a.Config.Server.DevMode {
			view.Tokens = append(view.Tokens,
				kv{Key: "id_token", Value: sess.Tokens.IDToken},
				kv{Key: "access_token", Value: sess.Tokens.AccessToken},
			)
		}
		if sess.Tokens.RefreshToken != "" {
			view.Tokens = append(view.Tokens, kv{Key: "refresh_token", Value: "present"})
		}
	}
	if r.URL.Query().Get("refreshed") == "1" {
		view.Notice = "Tokens refreshed."
	}
	a.render(w, view)
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromRequest(r)
	if _, err := a.Auth.RefreshTokens(r.Context(), sess); err != nil {
		a.Logger.Warn("token refresh", "session_id", sess.ID, "kind", bridge.Kind(err), "error", err)
		if errors.Is(err, bridge.ErrSubjectChanged) {
			http.Redirect(w, r, "/logout", http.StatusSeeOther)
			return
		}
		status := http.StatusBadGateway
		if errors.Is(err, bridge.ErrNoRefreshToken) {
			status = http.StatusConflict
		}
		http.Error(w, "Token refresh failed.", status)
		return
	}
	http.Redirect(w, r, "/identity?refreshed=1", http.StatusSeeOther)
}

func claimValues(v any) []string {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			out = append(out, fmt.Sprint(item))
		}
		sort.Strings(out)
		return out
	case float64:
		return []string{fmt.Sprintf("%.0f", x)}
	default:
		return []string{fmt.Sprint(x)}
	}
}
