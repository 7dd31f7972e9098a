package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/browser"
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/jobs/evidence"
	"github.com/ternarybob/supercomp/internal/jobs/handoff"
	"github.com/ternarybob/supercomp/internal/jobs/store"
	"github.com/ternarybob/supercomp/internal/models"
	"github.com/ternarybob/supercomp/internal/services/history"
	"github.com/ternarybob/supercomp/internal/services/lookup"
	"github.com/ternarybob/supercomp/internal/storage/badger"
)

const ruc = "1790012345001"

var challengePNG = []byte("\x89PNG challenge")

type nopStarter struct {
	mu      sync.Mutex
	started []string
}

func (s *nopStarter) Start(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, jobID)
	return nil
}

type fixture struct {
	store   *store.Store
	handoff *handoff.Channel
	jobs    *JobHandler
	legacy  *LegacyHandler
	history *HistoryHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	ev, err := evidence.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	s := store.New(logger)
	h := handoff.New(s, logger)
	hist := history.NewService(manager.HistoryStorage(), logger)
	svc := lookup.NewService(s, h, ev, hist, nil, &nopStarter{}, common.NewDefaultConfig(), logger)

	return &fixture{
		store:   s,
		handoff: h,
		jobs:    NewJobHandler(svc, logger),
		legacy:  NewLegacyHandler(svc, logger),
		history: NewHistoryHandler(svc, logger),
	}
}

// publish drives a pending job to WaitingCaptcha the way a worker does
func (f *fixture) publish(t *testing.T, jobID string) {
	t.Helper()
	_, err := f.store.Transition(context.Background(), jobID, models.JobStateRunning)
	require.NoError(t, err)
	_, err = f.handoff.Publish(context.Background(), jobID, challengePNG)
	require.NoError(t, err)
}

func call(handler http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestCreateJobThenAttach(t *testing.T) {
	f := newFixture(t)

	rec := call(f.jobs.CreateJobHandler, http.MethodPost, "/api/jobs", `{"identifier":"1790012345001","year":"2024"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decode(t, rec)
	assert.Equal(t, true, first["success"])
	assert.Equal(t, "Pending", first["status"])
	assert.Equal(t, false, first["attached"])

	rec = call(f.jobs.CreateJobHandler, http.MethodPost, "/api/jobs", `{"identifier":"1790012345001"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode(t, rec)
	assert.Equal(t, first["jobId"], second["jobId"])
	assert.Equal(t, true, second["attached"])
}

func TestCreateJobRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	rec := call(f.jobs.CreateJobHandler, http.MethodPost, "/api/jobs", `{"identifier":"1790012345"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.KindValidation, decode(t, rec)["error_kind"])

	rec = call(f.jobs.CreateJobHandler, http.MethodPost, "/api/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(f.jobs.CreateJobHandler, http.MethodGet, "/api/jobs", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Equal(t, 0, f.store.Stats().Total)
}

func TestStartAutomationAccepted(t *testing.T) {
	f := newFixture(t)

	rec := call(f.jobs.StartAutomationHandler, http.MethodPost, "/api/automation", `{"identifier":"1790012345001"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.True(t, strings.HasPrefix(body["jobId"].(string), ruc+"-"))
}

func TestPollingAndSubmitFlow(t *testing.T) {
	f := newFixture(t)
	job, err := f.store.Create(context.Background(), ruc, "2024")
	require.NoError(t, err)
	base := "/api/jobs/" + job.ID

	rec := call(f.jobs.StatusHandler, http.MethodGet, base+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, false, status["ready"])
	assert.Equal(t, "Pending", status["status"])
	assert.Equal(t, job.ID, status["jobId"])

	rec = call(f.jobs.CaptchaHandler, http.MethodGet, base+"/captcha", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, models.KindNotReady, decode(t, rec)["error_kind"])

	rec = call(f.jobs.CaptchaHandler, http.MethodPost, base+"/captcha", `{"text":"AB12X"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.publish(t, job.ID)

	rec = call(f.jobs.StatusHandler, http.MethodGet, base+"/status", "")
	status = decode(t, rec)
	assert.Equal(t, true, status["ready"])
	assert.Equal(t, "WaitingCaptcha", status["status"])

	rec = call(f.jobs.CaptchaHandler, http.MethodGet, base+"/captcha", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, challengePNG, rec.Body.Bytes())

	rec = call(f.jobs.CaptchaHandler, http.MethodPost, base+"/captcha", `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, models.KindEmptySolution, decode(t, rec)["error_kind"])

	rec = call(f.jobs.CaptchaHandler, http.MethodPost, base+"/captcha", `{"text":"AB12X"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	rec = call(f.jobs.CaptchaHandler, http.MethodPost, base+"/captcha", `{"text":"OTHER"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, models.KindAlreadySubmitted, decode(t, rec)["error_kind"])

	stored, err := f.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "AB12X", stored.Solution)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	f := newFixture(t)

	rec := call(f.jobs.GetJobHandler, http.MethodGet, "/api/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, models.KindNotFound, decode(t, rec)["error_kind"])

	rec = call(f.jobs.StatusHandler, http.MethodGet, "/api/jobs/missing/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobOmitsImageBytes(t *testing.T) {
	f := newFixture(t)
	job, err := f.store.Create(context.Background(), ruc, "")
	require.NoError(t, err)
	f.publish(t, job.ID)

	rec := call(f.jobs.GetJobHandler, http.MethodGet, "/api/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "WaitingCaptcha", body["state"])

	challenge, ok := body["challenge"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), challenge["seq"])
	assert.NotContains(t, challenge, "image")
}

func TestEvidenceMissingIsNotFound(t *testing.T) {
	f := newFixture(t)
	job, err := f.store.Create(context.Background(), ruc, "")
	require.NoError(t, err)

	rec := call(f.jobs.EvidenceHandler, http.MethodGet, "/api/jobs/"+job.ID+"/evidence/before", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(f.jobs.EvidenceHandler, http.MethodGet, "/api/jobs/"+job.ID+"/evidence/report.pdf", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsReturnsFinishedJobs(t *testing.T) {
	f := newFixture(t)
	job, err := f.store.Create(context.Background(), ruc, "")
	require.NoError(t, err)
	_, err = f.store.Transition(context.Background(), job.ID, models.JobStateError, store.WithError(errors.New("boom")))
	require.NoError(t, err)

	rec := call(f.jobs.ListJobsHandler, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])
}

func TestLegacyRoutes(t *testing.T) {
	f := newFixture(t)

	rec := call(f.legacy.StatusHandler, http.MethodGet, "/captcha-status/"+ruc, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"ready": false}, decode(t, rec))

	rec = call(f.legacy.StartHandler, http.MethodPost, "/consultar-supercias", `{"ruc":"1790012345001"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := decode(t, rec)["jobId"].(string)

	rec = call(f.legacy.ImageHandler, http.MethodGet, "/captcha-image/"+ruc, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.publish(t, jobID)

	rec = call(f.legacy.StatusHandler, http.MethodGet, "/captcha-status/"+ruc, "")
	status := decode(t, rec)
	assert.Equal(t, true, status["ready"])
	assert.Equal(t, jobID, status["jobId"])

	rec = call(f.legacy.ImageHandler, http.MethodGet, "/captcha-image/"+ruc, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, challengePNG, rec.Body.Bytes())

	rec = call(f.legacy.SubmitHandler, http.MethodPost, "/submit-captcha", `{"ruc":"0990000000001","captcha":"AB12X"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(f.legacy.SubmitHandler, http.MethodPost, "/submit-captcha", `{"ruc":"1790012345001","captcha":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(f.legacy.SubmitHandler, http.MethodPost, "/submit-captcha", `{"ruc":"1790012345001","captcha":"AB12X"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jobID, decode(t, rec)["jobId"])
}

func TestRecordLookupAndHistory(t *testing.T) {
	f := newFixture(t)

	rec := call(f.history.RecordLookupHandler, http.MethodPost, "/api/lookups", `{"ruc":"1790012345001","year":"2023"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	name := body["name"].(string)
	assert.True(t, strings.HasPrefix(name, ruc+"_2023_"), name)

	rec = call(f.history.RecordLookupHandler, http.MethodPost, "/consultar", `{"ruc":"1790012345001","year":"1990"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(f.history.RecordLookupHandler, http.MethodPost, "/consultar", `{"ruc":"123","year":"2023"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(f.history.ListHistoryHandler, http.MethodGet, "/historial", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{name}, decode(t, rec)["files"])

	rec = call(f.history.ListRecordsHandler, http.MethodGet, "/api/history/records?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])
}

func TestHistoryRecordsFilterByRUC(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{
		`{"ruc":"1790012345001","year":"2023"}`,
		`{"ruc":"1790012345001","year":"2024"}`,
		`{"ruc":"0992345678001","year":"2023"}`,
	} {
		rec := call(f.history.RecordLookupHandler, http.MethodPost, "/api/lookups", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := call(f.history.ListRecordsHandler, http.MethodGet, "/api/history/records", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["count"])

	rec = call(f.history.ListRecordsHandler, http.MethodGet, "/api/history/records?ruc=1790012345001", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["count"])
	for _, r := range body["records"].([]interface{}) {
		assert.Equal(t, ruc, r.(map[string]interface{})["identifier"])
	}

	rec = call(f.history.ListRecordsHandler, http.MethodGet, "/api/history/records?ruc=1790012345001&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])
}

type fixedWorkers int

func (w fixedWorkers) Running() int { return int(w) }

type fixedBrowsers browser.Stats

func (b fixedBrowsers) Stats() browser.Stats { return browser.Stats(b) }

type fixedHistory struct {
	count int
	err   error
}

func (h fixedHistory) HistoryCount(ctx context.Context) (int, error) { return h.count, h.err }

func TestHealthReportsEverySource(t *testing.T) {
	logger := arbor.NewLogger()
	ws := NewWebSocketHandler(nil, logger, nil)
	defer ws.Close()

	sources := HealthSources{
		Jobs:     store.New(logger),
		Workers:  fixedWorkers(2),
		Browsers: fixedBrowsers{MaxSessions: 3, Active: 1},
		History:  fixedHistory{count: 7},
		Clients:  ws,
	}

	rec := call(NewAPIHandler(sources, logger).HealthHandler, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["workers"])
	assert.Equal(t, float64(7), body["history_records"])
	assert.Equal(t, float64(0), body["websocket_clients"])
	assert.Equal(t, ws.ServerInstanceID(), body["server_instance_id"])
	assert.Equal(t, map[string]interface{}{"max_sessions": float64(3), "active": float64(1), "closed": false}, body["browsers"])
	assert.Contains(t, body, "jobs")

	sources.History = fixedHistory{err: errors.New("database closed")}
	rec = call(NewAPIHandler(sources, logger).HealthHandler, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.NotContains(t, body, "history_records")
}

func TestYearsHandler(t *testing.T) {
	f := newFixture(t)

	rec := call(f.history.YearsHandler, http.MethodGet, "/api/years", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"2024", "2023", "2022", "2021", "2020"}, decode(t, rec)["years"])
}

func TestStatusForMapsErrorKinds(t *testing.T) {
	cases := map[error]int{
		models.ErrValidation:        http.StatusBadRequest,
		models.ErrEmptySolution:     http.StatusBadRequest,
		models.ErrNotFound:          http.StatusNotFound,
		models.ErrNotReady:          http.StatusConflict,
		models.ErrAlreadySubmitted:  http.StatusConflict,
		models.ErrAutomationFailure: http.StatusBadGateway,
		errors.New("disk on fire"):  http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}

	wrapped := fmt.Errorf("job x: %w", models.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, StatusFor(wrapped))
}

func TestPathSegment(t *testing.T) {
	assert.Equal(t, "abc", PathSegment("/api/jobs/abc/status", "/api/jobs/"))
	assert.Equal(t, "abc", PathSegment("/api/jobs/abc", "/api/jobs/"))
	assert.Equal(t, "", PathSegment("/api/jobs/", "/api/jobs/"))
	assert.Equal(t, "", PathSegment("/other/abc", "/api/jobs/"))
}
