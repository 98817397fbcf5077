package server

import (
	"context"
	"time"

	"github.com/caevv/cronwatch/internal/digest"
	"github.com/caevv/cronwatch/internal/health"
	"github.com/caevv/cronwatch/internal/inbox"
	"github.com/caevv/cronwatch/internal/scheduler"
	"github.com/caevv/cronwatch/internal/store"
)

// JobRow is one line of the dashboard's job table.
type JobRow struct {
	Name        string
	Schedule    string
	Every       time.Duration
	Severity    store.Severity
	State       health.State
	LastStatus  store.Status
	LastRunTime *time.Time
	LastMessage string
}

// DashboardData holds data for the dashboard template.
type DashboardData struct {
	Title     string
	Version   string
	Uptime    string
	Now       time.Time
	Jobs      []JobRow
	Anomalies []health.Anomaly
	Digest    *digest.Digest
	Messages  []inbox.Message
	Tasks     []scheduler.Stats
	Errors    []string
}

const dashboardMessages = 10

// dashboardData gathers everything the dashboard shows. Failing sources are
// reported on the page instead of failing the request.
func (s *Server) dashboardData(ctx context.Context) DashboardData {
	data := DashboardData{
		Title:    "cronwatch",
		Version:  Version,
		Uptime:   formatUptime(s.Uptime()),
		Now:      s.now(),
		Messages: s.inbox.Recent(dashboardMessages),
	}
	if s.tasks != nil {
		data.Tasks = s.tasks.AllStats()
	}

	overview, err := s.monitor.Overview(ctx)
	if err != nil {
		data.Errors = append(data.Errors, "jobs: "+err.Error())
	}
	latest, err := s.store.LatestRunPerJob(ctx)
	if err != nil {
		data.Errors = append(data.Errors, "latest runs: "+err.Error())
	}
	data.Jobs = jobRows(overview, latest)

	for _, jh := range overview {
		data.Anomalies = append(data.Anomalies, jh.Anomalies...)
	}
	health.Sort(data.Anomalies)

	if d, err := s.monitor.Digest(ctx); err != nil {
		data.Errors = append(data.Errors, "digest: "+err.Error())
	} else {
		data.Digest = d
	}
	return data
}

// jobRows joins the health overview with the latest run of each job.
func jobRows(overview []health.JobHealth, latest []*store.Run) []JobRow {
	byJob := make(map[string]*store.Run, len(latest))
	for _, r := range latest {
		byJob[r.JobName] = r
	}

	rows := make([]JobRow, 0, len(overview))
	for _, jh := range overview {
		row := JobRow{
			Name:     jh.Job.Name,
			Schedule: jh.Job.Schedule,
			Every:    jh.Job.ExpectedEvery(),
			Severity: jh.Job.Severity,
			State:    jh.State,
		}
		if r, ok := byJob[jh.Job.Name]; ok {
			t := r.CreatedAt
			row.LastStatus = r.Status
			row.LastRunTime = &t
			row.LastMessage = r.Message
		}
		rows = append(rows, row)
	}
	return rows
}
