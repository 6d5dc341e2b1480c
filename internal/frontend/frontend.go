// Package frontend renders the human-facing status page.
package frontend

import (
	"embed"
	"html/template"
	"io"
	"time"
)

//go:embed static/status.html
var staticFiles embed.FS

var statusTemplate = template.Must(template.ParseFS(staticFiles, "static/status.html"))

type StatusView struct {
	Now             time.Time
	LiveConnections int
	AliveSinceProbe int
	PendingVisits   int
	Process         ProcessRow
	Connections     []ConnectionRow
	Events          []EventRow
}

type ProcessRow struct {
	PID        int
	Uptime     string
	RSS        string
	CPUPercent float64
	Goroutines int
}

type ConnectionRow struct {
	ID         string
	RemoteAddr string
	Connected  string
	Alive      bool
}

type EventRow struct {
	At        string
	Type      string
	SessionID string
	Reason    string
}

// RenderStatus writes the status page for v to w.
func RenderStatus(w io.Writer, v StatusView) error {
	return statusTemplate.Execute(w, v)
}
