package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caevv/cronwatch/internal/alert"
	"github.com/caevv/cronwatch/internal/inbox"
	"github.com/caevv/cronwatch/internal/monitor"
	"github.com/caevv/cronwatch/internal/notify"
	"github.com/caevv/cronwatch/internal/registry"
	"github.com/caevv/cronwatch/internal/store"
)

const (
	testToken  = "s3cret-token"
	testSecret = "slack-signing-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePoster struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (f *fakePoster) Send(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

type testEnv struct {
	server *Server
	store  store.Store
	poster *fakePoster
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(s, logger)
	if _, err := reg.SeedAdmins(context.Background(), []store.Admin{{UserID: "UADMIN", IsSuperAdmin: true}}); err != nil {
		t.Fatalf("SeedAdmins() error = %v", err)
	}

	poster := &fakePoster{}
	mon := monitor.New(monitor.Options{
		Store:         s,
		Dispatcher:    alert.NewDispatcher(s, poster, alert.Options{Logger: logger}),
		Location:      time.UTC,
		QuietFailures: true,
		Logger:        logger,
	})

	opts.Logger = logger
	srv := New(Deps{Store: s, Registry: reg, Monitor: mon, Inbox: inbox.New(5), Poster: poster}, opts)
	return &testEnv{server: srv, store: s, poster: poster}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.server.inbox.Add(inbox.Message{Text: "hello"})

	w := env.do(t, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[HealthResponse](t, w)
	if resp.Status != "healthy" || resp.WebhookMessages != 1 {
		t.Errorf("health = %+v", resp)
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("expected request id header")
	}
}

func TestRegisterJob_BadMaintainerRegistersNothing(t *testing.T) {
	env := newTestEnv(t, Options{})

	spec := RegisterRequest{
		JobSpec:     registry.JobSpec{Name: "backup", ExpectedEverySeconds: 3600},
		Maintainers: []string{"UMAINT", "  "},
	}
	w := env.do(t, http.MethodPost, "/api/jobs", spec, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("register status = %d, want 400, body %s", w.Code, w.Body)
	}

	w = env.do(t, http.MethodGet, "/api/jobs/backup", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get status = %d, want 404", w.Code)
	}

	// the same request with valid maintainers goes through
	spec.Maintainers = []string{"UMAINT"}
	if w := env.do(t, http.MethodPost, "/api/jobs", spec, nil); w.Code != http.StatusCreated {
		t.Errorf("retry status = %d, want 201, body %s", w.Code, w.Body)
	}
}

func TestGetJob_Health(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	maxRuntime := int64(1800)
	for _, job := range []*store.Job{
		{Name: "backup", ExpectedEverySeconds: 3600, MaxRuntimeSeconds: &maxRuntime, Severity: store.SeverityHigh, Active: true},
		{Name: "etl", ExpectedEverySeconds: 60, Severity: store.SeverityMedium, Active: true},
	} {
		if err := env.store.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", job.Name, err)
		}
	}
	started := time.Now().Add(-1900 * time.Second)
	if _, err := env.store.AppendRun(ctx, &store.Run{JobName: "backup", Status: store.StatusStarted, CreatedAt: started}); err != nil {
		t.Fatalf("AppendRun() error = %v", err)
	}

	tests := []struct {
		job       string
		wantState string
		wantKinds []string
	}{
		{"backup", "stuck", []string{"stuck"}},
		{"etl", "missed", []string{"missed"}},
	}
	for _, tt := range tests {
		t.Run(tt.job, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/jobs/"+tt.job, nil, nil)
			if w.Code != http.StatusOK {
				t.Fatalf("get status = %d", w.Code)
			}
			detail := decode[JobDetail](t, w)
			if string(detail.State) != tt.wantState {
				t.Errorf("state = %s, want %s", detail.State, tt.wantState)
			}
			if len(detail.Anomalies) != len(tt.wantKinds) {
				t.Fatalf("anomalies = %+v, want kinds %v", detail.Anomalies, tt.wantKinds)
			}
			for i, a := range detail.Anomalies {
				if string(a.Kind) != tt.wantKinds[i] || a.JobName != tt.job {
					t.Errorf("anomaly[%d] = %+v, want %s of %s", i, a, tt.wantKinds[i], tt.job)
				}
			}
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})

	spec := RegisterRequest{
		JobSpec:     registry.JobSpec{Name: "backup", ExpectedEverySeconds: 3600, MaxRuntimeSeconds: 1800},
		Maintainers: []string{"UMAINT"},
	}

	w := env.do(t, http.MethodPost, "/api/jobs", spec, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", w.Code, w.Body)
	}

	w = env.do(t, http.MethodPost, "/api/jobs", spec, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", w.Code)
	}
	if e := decode[ErrorResponse](t, w); e.Code != http.StatusConflict || e.Message == "" {
		t.Errorf("error body = %+v", e)
	}

	w = env.do(t, http.MethodPost, "/api/jobs/backup/runs", ReportRequest{Status: "success"}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("report status = %d, body %s", w.Code, w.Body)
	}

	w = env.do(t, http.MethodGet, "/api/jobs/backup", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	detail := decode[JobDetail](t, w)
	if detail.State != "ok" || len(detail.Maintainers) != 1 || len(detail.RecentRuns) != 1 {
		t.Errorf("detail = %+v", detail)
	}

	w = env.do(t, http.MethodPatch, "/api/jobs/backup", map[string]any{"severity": "high"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body %s", w.Code, w.Body)
	}
	if job := decode[store.Job](t, w); job.Severity != store.SeverityHigh {
		t.Errorf("severity = %s, want high", job.Severity)
	}

	w = env.do(t, http.MethodPost, "/api/jobs/backup/deactivate", nil, nil)
	if job := decode[store.Job](t, w); w.Code != http.StatusOK || job.Active {
		t.Errorf("deactivate status = %d, active = %v", w.Code, job.Active)
	}

	w = env.do(t, http.MethodGet, "/api/activity?job=backup", nil, nil)
	if entries := decode[[]store.ActivityEntry](t, w); len(entries) < 3 {
		t.Errorf("activity entries = %d, want at least 3", len(entries))
	}

	w = env.do(t, http.MethodDelete, "/api/jobs/backup", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/jobs/backup", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestRuns(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	for _, name := range []string{"backup", "cleanup"} {
		if err := env.store.CreateJob(ctx, &store.Job{Name: name, ExpectedEverySeconds: 60, Severity: store.SeverityLow, Active: true}); err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		path   string
		report ReportRequest
		want   int
	}{
		{"started", "/api/jobs/backup/runs", ReportRequest{Status: "started"}, http.StatusCreated},
		{"success", "/api/jobs/cleanup/runs", ReportRequest{Status: "success"}, http.StatusCreated},
		{"unknown job", "/api/jobs/ghost/runs", ReportRequest{Status: "success"}, http.StatusNotFound},
		{"bad status", "/api/jobs/backup/runs", ReportRequest{Status: "exploded"}, http.StatusBadRequest},
		{"reserved status", "/api/jobs/backup/runs", ReportRequest{Status: "missed"}, http.StatusBadRequest},
		{"missing status", "/api/jobs/backup/runs", ReportRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.report, nil)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}

	w := env.do(t, http.MethodGet, "/api/runs?limit=1", nil, nil)
	if runs := decode[[]store.Run](t, w); len(runs) != 1 {
		t.Errorf("recent runs = %d, want 1", len(runs))
	}
	w = env.do(t, http.MethodGet, "/api/runs/latest", nil, nil)
	if runs := decode[[]store.Run](t, w); len(runs) != 2 {
		t.Errorf("latest runs = %d, want 2", len(runs))
	}
	w = env.do(t, http.MethodGet, "/api/jobs/ghost/runs", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("runs of unknown job status = %d, want 404", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/anomalies", nil, nil)
	if resp := decode[AnomaliesResponse](t, w); resp.Count != 0 {
		t.Errorf("anomalies = %+v, want none", resp.Anomalies)
	}
	w = env.do(t, http.MethodGet, "/api/digest", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("digest status = %d", w.Code)
	}
}

func TestMaintainersAndAdmins(t *testing.T) {
	env := newTestEnv(t, Options{})
	if w := env.do(t, http.MethodPost, "/api/jobs", RegisterRequest{JobSpec: registry.JobSpec{Name: "etl", ExpectedEverySeconds: 60}}, nil); w.Code != http.StatusCreated {
		t.Fatalf("register status = %d", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/api/jobs/etl/maintainers", UserRequest{UserID: "U1"}, nil); w.Code != http.StatusCreated {
		t.Errorf("add maintainer status = %d", w.Code)
	}
	w := env.do(t, http.MethodGet, "/api/jobs/etl/maintainers", nil, nil)
	if ms := decode[[]store.Maintainer](t, w); len(ms) != 1 || ms[0].UserID != "U1" {
		t.Errorf("maintainers = %+v", ms)
	}
	if w := env.do(t, http.MethodDelete, "/api/jobs/etl/maintainers/U1", nil, nil); w.Code != http.StatusNoContent {
		t.Errorf("remove maintainer status = %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/jobs/etl/maintainers/U1", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("remove absent maintainer status = %d, want 404", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/api/admins", UserRequest{UserID: "U2"}, nil); w.Code != http.StatusCreated {
		t.Errorf("add admin status = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/api/admins", nil, nil)
	if admins := decode[[]store.Admin](t, w); len(admins) != 2 {
		t.Errorf("admins = %d, want 2", len(admins))
	}
	if w := env.do(t, http.MethodDelete, "/api/admins/UADMIN", nil, nil); w.Code != http.StatusForbidden {
		t.Errorf("remove super admin status = %d, want 403", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/admins/U2", nil, nil); w.Code != http.StatusNoContent {
		t.Errorf("remove admin status = %d", w.Code)
	}
}

func TestAPIAuth(t *testing.T) {
	env := newTestEnv(t, Options{APIToken: testToken})

	bearer := func(token string) http.Header {
		return http.Header{"Authorization": {"Bearer " + token}}
	}
	userToken := func(user string) string {
		tok, err := IssueUserToken(testToken, user, time.Hour)
		if err != nil {
			t.Fatalf("IssueUserToken() error = %v", err)
		}
		return tok
	}
	forged, err := IssueUserToken("other-secret", "UADMIN", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken() error = %v", err)
	}

	job := func(name string) RegisterRequest {
		return RegisterRequest{JobSpec: registry.JobSpec{Name: name, ExpectedEverySeconds: 60}}
	}

	tests := []struct {
		name   string
		header http.Header
		body   RegisterRequest
		want   int
	}{
		{"no token", nil, job("a"), http.StatusUnauthorized},
		{"wrong token", bearer("nope"), job("a"), http.StatusUnauthorized},
		{"forged user token", bearer(forged), job("a"), http.StatusUnauthorized},
		{"static token", bearer(testToken), job("a"), http.StatusCreated},
		{"admin user token", bearer(userToken("UADMIN")), job("b"), http.StatusCreated},
		{"non-admin user token", bearer(userToken("UNOBODY")), job("c"), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/jobs", tt.body, tt.header)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}

	// health stays public
	if w := env.do(t, http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrUnknownJob, http.StatusNotFound},
		{fmt.Errorf("job x: %w", store.ErrNotFound), http.StatusNotFound},
		{store.ErrDuplicateJob, http.StatusConflict},
		{registry.ErrForbidden, http.StatusForbidden},
		{registry.ErrInvalid, http.StatusBadRequest},
		{monitor.ErrInvalidReport, http.StatusBadRequest},
		{store.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", defaultLimit},
		{"limit=10", 10},
		{"limit=0", defaultLimit},
		{"limit=-3", defaultLimit},
		{"limit=abc", defaultLimit},
		{"limit=5000", maxLimit},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			if got := parseLimit(c); got != tt.want {
				t.Errorf("parseLimit() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWebhook(t *testing.T) {
	env := newTestEnv(t, Options{WebhookChannel: "C123"})

	if w := env.do(t, http.MethodPost, "/webhook", map[string]string{"source": "ci"}, nil); w.Code != http.StatusBadRequest {
		t.Errorf("missing message status = %d, want 400", w.Code)
	}

	w := env.do(t, http.MethodPost, "/webhook", WebhookRequest{Message: "deploy done"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, body %s", w.Code, w.Body)
	}
	resp := decode[WebhookResponse](t, w)
	if !resp.Success || !resp.Posted || resp.ID == "" {
		t.Errorf("webhook response = %+v", resp)
	}
	if len(env.poster.sent) != 1 || env.poster.sent[0].Recipient != "C123" {
		t.Fatalf("posted = %+v", env.poster.sent)
	}
	if !strings.Contains(env.poster.sent[0].Text, "external-app") {
		t.Errorf("posted text %q lacks default source", env.poster.sent[0].Text)
	}

	env.poster.err = notify.ErrDeliveryFailure
	w = env.do(t, http.MethodPost, "/webhook", WebhookRequest{Message: "second", Source: "cron", Channel: "C999"}, nil)
	if resp := decode[WebhookResponse](t, w); w.Code != http.StatusOK || resp.Posted {
		t.Errorf("failed post: status = %d, response = %+v", w.Code, resp)
	}

	w = env.do(t, http.MethodGet, "/webhook-messages", nil, nil)
	list := decode[WebhookMessagesResponse](t, w)
	if list.Count != 2 || list.Messages[1].Source != "cron" {
		t.Errorf("messages = %+v", list)
	}

	if w := env.do(t, http.MethodDelete, "/webhook-messages", nil, nil); w.Code != http.StatusOK {
		t.Errorf("clear status = %d", w.Code)
	}
	w = env.do(t, http.MethodGet, "/webhook-messages", nil, nil)
	if list := decode[WebhookMessagesResponse](t, w); list.Count != 0 {
		t.Errorf("messages after clear = %d", list.Count)
	}
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t, Options{})
	if err := env.store.CreateJob(context.Background(), &store.Job{Name: "nightly-etl", ExpectedEverySeconds: 86400, Severity: store.SeverityHigh, Active: true}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	env.server.inbox.Add(inbox.Message{Text: "from ci", Source: "ci"})

	w := env.do(t, http.MethodGet, "/", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dashboard status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"nightly-etl", "Anomalies (1)", "from ci"} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard lacks %q", want)
		}
	}
}

func sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySlackSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte("command=%2Fcronwatch&text=status")

	tests := []struct {
		name      string
		timestamp string
		signature string
		wantErr   bool
	}{
		{"valid", ts, sign(testSecret, ts, body), false},
		{"wrong secret", ts, sign("other", ts, body), true},
		{"stale", "1699990000", sign(testSecret, "1699990000", body), true},
		{"bad timestamp", "yesterday", sign(testSecret, "yesterday", body), true},
		{"missing signature", ts, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifySlackSignature(testSecret, tt.timestamp, body, tt.signature, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("verifySlackSignature() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseSlackUserID(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"<@U123ABC|alice>", "U123ABC", true},
		{"<@U123ABC>", "U123ABC", true},
		{"U123ABC", "U123ABC", true},
		{" U42 ", "U42", true},
		{"@alice", "", false},
		{"u123", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseSlackUserID(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("parseSlackUserID(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func (e *testEnv) slash(t *testing.T, user, text string) (int, string) {
	t.Helper()

	body := []byte(url.Values{"command": {"/cronwatch"}, "user_id": {user}, "text": {text}}.Encode())
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/slack/commands", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(slackTimestampHeader, ts)
	req.Header.Set(slackSignatureHeader, sign(testSecret, ts, body))

	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		return w.Code, w.Body.String()
	}
	reply := decode[slackReply](t, w)
	if reply.ResponseType != "ephemeral" {
		t.Errorf("response_type = %q, want ephemeral", reply.ResponseType)
	}
	return w.Code, reply.Text
}

func TestSlackCommands(t *testing.T) {
	env := newTestEnv(t, Options{SlackSigningSecret: testSecret})

	steps := []struct {
		name string
		user string
		text string
		want string
	}{
		{"help", "U1", "help", "cronwatch commands"},
		{"non-admin register", "UNOBODY", "register backup 3600", ":no_entry:"},
		{"admin register", "UADMIN", "register backup 3600 1800 high", "Registered `backup`"},
		{"bad register", "UADMIN", "register backup soon", "Usage"},
		{"invalid name", "UADMIN", "register Bad_Name! 60", "Failed to register job"},
		{"jobs", "U1", "jobs", "`backup` missed"},
		{"status", "U1", "status", "1 anomalies"},
		{"add maintainer", "UADMIN", "maintainer add backup <@UMAINT|maya>", "<@UMAINT> now maintains `backup`"},
		{"maintainer deactivates", "UMAINT", "deactivate backup", "Deactivated `backup`"},
		{"status after deactivate", "U1", "status", "All active jobs are healthy"},
		{"maintainer cannot delete", "UMAINT", "delete backup", ":no_entry:"},
		{"add admin", "UADMIN", "addadmin <@UNEW>", "<@UNEW> is now an admin"},
		{"admins", "U1", "admins", "<@UADMIN> (super admin)"},
		{"remove super admin", "UNEW", "removeadmin UADMIN", ":no_entry:"},
		{"remove admin", "UADMIN", "removeadmin <@UNEW>", "no longer an admin"},
		{"digest", "U1", "digest", "cronwatch digest"},
		{"delete", "UADMIN", "delete backup", "Deleted `backup`"},
		{"unknown", "U1", "frobnicate", "Unknown command"},
	}
	for _, st := range steps {
		code, text := env.slash(t, st.user, st.text)
		if code != http.StatusOK {
			t.Fatalf("%s: status = %d, body %s", st.name, code, text)
		}
		if !strings.Contains(text, st.want) {
			t.Errorf("%s: reply %q does not contain %q", st.name, text, st.want)
		}
	}
}

func TestSlackCommands_Rejected(t *testing.T) {
	disabled := newTestEnv(t, Options{})
	if code, _ := disabled.slash(t, "U1", "help"); code != http.StatusNotFound {
		t.Errorf("unconfigured status = %d, want 404", code)
	}

	env := newTestEnv(t, Options{SlackSigningSecret: testSecret})
	req := httptest.NewRequest(http.MethodPost, "/slack/commands", strings.NewReader("text=help"))
	req.Header.Set(slackTimestampHeader, strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set(slackSignatureHeader, "v0=deadbeef")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad signature status = %d, want 401", w.Code)
	}
}
