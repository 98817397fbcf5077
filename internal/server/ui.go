package server

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
)

var dashboardTmpl = template.Must(template.New("dashboard").Funcs(templateFuncs).Parse(dashboardTemplate))

func (s *Server) handleDashboard(c *gin.Context) {
	data := s.dashboardData(c.Request.Context())

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := dashboardTmpl.Execute(c.Writer, data); err != nil {
		s.logger.Error("failed to render dashboard template", "error", err)
	}
}

var templateFuncs = template.FuncMap{
	"ago": func(t *time.Time) string {
		if t == nil || t.IsZero() {
			return "never"
		}
		return humanize.Time(*t)
	},
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "n/a"
		}
		return humanize.Time(t)
	},
	"stateBadge": func(state any) template.HTML {
		s := template.HTMLEscapeString(fmt.Sprint(state))
		switch s {
		case "ok", "success":
			return template.HTML(`<span class="badge badge-success">` + s + `</span>`)
		case "missed", "failed":
			return template.HTML(`<span class="badge badge-danger">` + s + `</span>`)
		case "stuck", "started":
			return template.HTML(`<span class="badge badge-warning">` + s + `</span>`)
		case "":
			return template.HTML(`<span class="badge badge-secondary">none</span>`)
		default:
			return template.HTML(`<span class="badge badge-secondary">` + s + `</span>`)
		}
	},
	"truncate": func(s string, n int) string {
		if len(s) <= n {
			return s
		}
		return s[:n] + "..."
	},
}

const dashboardTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <meta http-equiv="refresh" content="30">
    <title>{{.Title}}</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #f5f5f5; color: #333; line-height: 1.6; }
        .container { max-width: 1200px; margin: 0 auto; padding: 20px; }
        header { background: #2c3e50; color: white; padding: 20px 0; margin-bottom: 30px; }
        header h1 { font-size: 28px; margin-bottom: 5px; }
        header .meta { font-size: 14px; opacity: 0.8; }
        .section { background: white; padding: 25px; border-radius: 8px; margin-bottom: 30px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .section h2 { font-size: 20px; margin-bottom: 20px; color: #2c3e50; border-bottom: 2px solid #3498db; padding-bottom: 10px; }
        table { width: 100%; border-collapse: collapse; }
        th { background: #f8f9fa; text-align: left; padding: 12px; font-weight: 600; border-bottom: 2px solid #dee2e6; }
        td { padding: 12px; border-bottom: 1px solid #dee2e6; }
        .badge { display: inline-block; padding: 4px 8px; border-radius: 4px; font-size: 12px; font-weight: 600; text-transform: uppercase; }
        .badge-success { background: #d4edda; color: #155724; }
        .badge-danger { background: #f8d7da; color: #721c24; }
        .badge-warning { background: #fff3cd; color: #856404; }
        .badge-secondary { background: #e2e3e5; color: #383d41; }
        .empty { text-align: center; padding: 30px; color: #7f8c8d; }
        .error { background: #f8d7da; color: #721c24; padding: 10px; border-radius: 4px; margin-bottom: 10px; }
        code { background: #f8f9fa; padding: 2px 6px; border-radius: 3px; font-family: monospace; font-size: 13px; }
    </style>
</head>
<body>
    <header>
        <div class="container">
            <h1>{{.Title}}</h1>
            <div class="meta">Version: {{.Version}} | Uptime: {{.Uptime}}</div>
        </div>
    </header>

    <div class="container">
        {{range .Errors}}<div class="error">{{.}}</div>{{end}}

        <div class="section">
            <h2>Anomalies ({{len .Anomalies}})</h2>
            {{if .Anomalies}}
            <table>
                <thead><tr><th>Job</th><th>Kind</th><th>Severity</th><th>Detail</th></tr></thead>
                <tbody>
                    {{range .Anomalies}}
                    <tr>
                        <td><code>{{.JobName}}</code></td>
                        <td>{{stateBadge .Kind}}</td>
                        <td>{{.Severity}}</td>
                        <td>{{.Detail}}</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
            {{else}}
            <div class="empty">All active jobs are healthy</div>
            {{end}}
        </div>

        <div class="section">
            <h2>Jobs ({{len .Jobs}})</h2>
            {{if .Jobs}}
            <table>
                <thead><tr><th>Job</th><th>Health</th><th>Expected every</th><th>Severity</th><th>Last run</th><th>Last status</th><th>Message</th></tr></thead>
                <tbody>
                    {{range .Jobs}}
                    <tr>
                        <td><code>{{.Name}}</code></td>
                        <td>{{stateBadge .State}}</td>
                        <td>{{.Every}}</td>
                        <td>{{.Severity}}</td>
                        <td>{{ago .LastRunTime}}</td>
                        <td>{{stateBadge .LastStatus}}</td>
                        <td>{{truncate .LastMessage 60}}</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
            {{else}}
            <div class="empty">No jobs registered</div>
            {{end}}
        </div>

        {{with .Digest}}
        <div class="section">
            <h2>Today since {{.Since.Format "15:04 MST"}}</h2>
            {{if .Rows}}
            <table>
                <thead><tr><th>Job</th><th>Total</th><th>Success</th><th>Failed</th><th>Started</th></tr></thead>
                <tbody>
                    {{range .Rows}}
                    <tr>
                        <td><code>{{.JobName}}</code></td>
                        <td>{{.Total}}</td>
                        <td>{{.Count "success"}}</td>
                        <td>{{.Count "failed"}}</td>
                        <td>{{.Count "started"}}</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
            {{else}}
            <div class="empty">No runs recorded today</div>
            {{end}}
            {{if .Silent}}<p>No runs today: {{range $i, $n := .Silent}}{{if $i}}, {{end}}<code>{{$n}}</code>{{end}}</p>{{end}}
        </div>
        {{end}}

        {{if .Tasks}}
        <div class="section">
            <h2>Scheduled tasks</h2>
            <table>
                <thead><tr><th>Task</th><th>Schedule</th><th>Last run</th><th>Next run</th><th>Runs</th><th>Failures</th></tr></thead>
                <tbody>
                    {{range .Tasks}}
                    <tr>
                        <td>{{.Name}}</td>
                        <td><code>{{.Schedule}}</code></td>
                        <td>{{when .LastRun}}</td>
                        <td>{{when .NextRun}}</td>
                        <td>{{.RunCount}}</td>
                        <td>{{.Failures}}</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
        </div>
        {{end}}

        <div class="section">
            <h2>Webhook messages ({{len .Messages}})</h2>
            {{if .Messages}}
            <table>
                <thead><tr><th>Received</th><th>Source</th><th>Message</th></tr></thead>
                <tbody>
                    {{range .Messages}}
                    <tr>
                        <td>{{when .ReceivedAt}}</td>
                        <td>{{.Source}}</td>
                        <td>{{truncate .Text 120}}</td>
                    </tr>
                    {{end}}
                </tbody>
            </table>
            {{else}}
            <div class="empty">No webhook messages</div>
            {{end}}
        </div>
    </div>
</body>
</html>`
