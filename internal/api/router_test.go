package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/audit"
	"github.com/casarerpa/casarerpa/internal/auth"
	"github.com/casarerpa/casarerpa/internal/eventbus"
	"github.com/casarerpa/casarerpa/internal/resilience"
	"github.com/casarerpa/casarerpa/internal/robotmanager"
	"github.com/casarerpa/casarerpa/internal/values"
)

// fakeAuditRepo is a no-op audit.Repository sufficient to exercise the
// export routes without a real database.
type fakeAuditRepo struct{}

func (fakeAuditRepo) LogEvent(context.Context, audit.Event) (audit.Event, error) { return audit.Event{}, nil }
func (fakeAuditRepo) LogEventsBatch(context.Context, []audit.Event) ([]audit.Event, error) {
	return nil, nil
}
func (fakeAuditRepo) Query(context.Context, audit.QueryFilter) ([]audit.Event, error) { return nil, nil }
func (fakeAuditRepo) GetByID(context.Context, string) (audit.Event, error)            { return audit.Event{}, nil }
func (fakeAuditRepo) VerifyIntegrity(context.Context, int) (audit.IntegrityResult, error) {
	return audit.IntegrityResult{}, nil
}
func (fakeAuditRepo) CleanupOldEvents(context.Context, int) (audit.CleanupResult, error) {
	return audit.CleanupResult{}, nil
}
func (fakeAuditRepo) ExportJSON(_ context.Context, w io.Writer, _ audit.QueryFilter) (int, error) {
	_, err := w.Write([]byte(`{"events":[]}`))
	return 0, err
}
func (fakeAuditRepo) ExportCSV(_ context.Context, w io.Writer, _ audit.QueryFilter) (int, error) {
	_, err := w.Write([]byte("event_id\n"))
	return 0, err
}

func newTestRouter(t *testing.T, seedRole string) (http.Handler, *auth.Service, *robotmanager.Manager) {
	t.Helper()
	jwtMgr, err := auth.NewJWTManagerGenerated("casarerpa-test")
	require.NoError(t, err)

	store := auth.NewMemoryOperatorStore()
	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)
	_, err = store.Upsert(context.Background(), auth.Operator{
		ID:           "op-1",
		Email:        "ops@example.com",
		PasswordHash: hash,
		Role:         seedRole,
		IsActive:     true,
	})
	require.NoError(t, err)

	svc := auth.NewService(jwtMgr, auth.NewLocalAuthProvider(store, jwtMgr), nil)

	bus := eventbus.New(zap.NewNop())
	breakers := resilience.NewRegistry(resilience.DefaultSettings())
	manager := robotmanager.New(bus, breakers, zap.NewNop())

	router := NewRouter(RouterConfig{
		AuthService:  svc,
		RobotManager: manager,
		AuditRepo:    fakeAuditRepo{},
		Logger:       zap.NewNop(),
		Secure:       false,
	})
	return router, svc, manager
}

func login(t *testing.T, router http.Handler) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"email": "ops@example.com", "password": "s3cret-pass"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data tokenResponseBody `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.AccessToken)
	return resp.Data.AccessToken
}

func TestRouter_Login_ReturnsAccessToken(t *testing.T) {
	router, _, _ := newTestRouter(t, "operator")
	login(t, router)
}

func TestRouter_Login_WrongPasswordReturns401(t *testing.T) {
	router, _, _ := newTestRouter(t, "operator")
	body, _ := json.Marshal(map[string]string{"email": "ops@example.com", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_Jobs_RequiresAuthentication(t *testing.T) {
	router, _, _ := newTestRouter(t, "operator")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_SubmitAndGetJob_RoundTrip(t *testing.T) {
	router, _, _ := newTestRouter(t, "operator")
	token := login(t, router)

	body, _ := json.Marshal(submitJobRequestBody{WorkflowID: "wf-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data jobResponseBody `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.Data.JobID)
	require.Equal(t, string(values.JobStatusPending), created.Data.Status)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created.Data.JobID, nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestRouter_ListJobs_ShowsPendingSubmission(t *testing.T) {
	router, _, _ := newTestRouter(t, "operator")
	token := login(t, router)

	body, _ := json.Marshal(submitJobRequestBody{WorkflowID: "wf-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(httptest.NewRecorder(), req)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, listReq)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Data []jobResponseBody `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Data, 1)
}

func TestRouter_AuditExport_ForbiddenForNonAdmin(t *testing.T) {
	router, _, _ := newTestRouter(t, "operator")
	token := login(t, router)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/export.json", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouter_AuditExport_AllowedForAdmin(t *testing.T) {
	router, _, _ := newTestRouter(t, "admin")
	token := login(t, router)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit/export.json", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_Robots_ListsConnectedFleet(t *testing.T) {
	router, _, manager := newTestRouter(t, "operator")
	token := login(t, router)

	manager.RegisterRobot("robot-1", nil, robotmanager.Registration{RobotName: "worker-1", MaxConcurrentJobs: 2})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/robots", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed struct {
		Data []robotResponseBody `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Data, 1)
	require.Equal(t, "worker-1", listed.Data[0].RobotName)
}
