package server

import (
	"embed"
	"html/template"
	"net/http"
	"time"
)

//go:embed static/*.html
var staticFS embed.FS

var pageTemplates = template.Must(template.New("").Funcs(template.FuncMap{
	"fmtTime": formatTime,
}).ParseFS(staticFS, "static/*.html"))

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05")
}

// renderPage executes a named page template, writing a 500 if the
// template itself fails (a template bug, not a client error).
func renderPage(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}
