// Package digest summarizes the day's runs per job.
package digest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/caevv/cronwatch/internal/store"
)

// Row is one job's run counts for the day.
type Row struct {
	JobName string               `json:"job_name"`
	Counts  map[store.Status]int `json:"counts"`
	Total   int                  `json:"total"`
}

// Count returns the number of runs with status s.
func (r Row) Count(s store.Status) int {
	return r.Counts[s]
}

// Digest is the summary since the start of the local day.
type Digest struct {
	Since       time.Time `json:"since"`
	GeneratedAt time.Time `json:"generated_at"`
	Rows        []Row     `json:"rows"`
	// Silent lists active jobs without a single run today.
	Silent []string `json:"silent,omitempty"`
}

// Reader is the slice of the store the builder needs.
type Reader interface {
	CountRunsByStatusSince(ctx context.Context, since time.Time) ([]store.StatusCount, error)
	ListJobs(ctx context.Context, activeOnly bool) ([]*store.Job, error)
}

// Builder builds digests in a fixed time zone.
type Builder struct {
	reader Reader
	loc    *time.Location
}

// NewBuilder creates a Builder. A nil location means time.Local.
func NewBuilder(r Reader, loc *time.Location) *Builder {
	if loc == nil {
		loc = time.Local
	}
	return &Builder{reader: r, loc: loc}
}

// StartOfDay returns local midnight of the day containing now.
func StartOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Build counts runs since local midnight. It only reads.
func (b *Builder) Build(ctx context.Context, now time.Time) (*Digest, error) {
	since := StartOfDay(now, b.loc)

	counts, err := b.reader.CountRunsByStatusSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	jobs, err := b.reader.ListJobs(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	byJob := make(map[string]*Row)
	for _, c := range counts {
		row, ok := byJob[c.JobName]
		if !ok {
			row = &Row{JobName: c.JobName, Counts: make(map[store.Status]int)}
			byJob[c.JobName] = row
		}
		row.Counts[c.Status] += c.Count
		row.Total += c.Count
	}

	d := &Digest{Since: since, GeneratedAt: now, Rows: make([]Row, 0, len(byJob))}
	for _, row := range byJob {
		d.Rows = append(d.Rows, *row)
	}
	sort.Slice(d.Rows, func(i, j int) bool { return d.Rows[i].JobName < d.Rows[j].JobName })

	for _, job := range jobs {
		if _, ran := byJob[job.Name]; !ran {
			d.Silent = append(d.Silent, job.Name)
		}
	}
	return d, nil
}
