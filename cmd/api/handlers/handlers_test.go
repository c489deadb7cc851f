package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/estatehub/portal/cmd/api/container"
	"github.com/estatehub/portal/cmd/api/handlers"
	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/cmd/api/routes"
	"github.com/estatehub/portal/common/bootstrap"
	"github.com/estatehub/portal/common/config"
	"github.com/estatehub/portal/common/logger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	alice    = models.Actor{ID: "alice", Role: models.RoleEmployee}
	bob      = models.Actor{ID: "bob", Role: models.RoleAgent}
	customer = models.Actor{ID: "carol", Role: models.RoleCustomer}
)

const banner = `{"image_url":"https://cdn.example.com/summer.png","title":"Summer Sale","subtitle":"Up to 30% off"}`

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	e, _ := newTestStack(t)
	return e
}

func newTestStack(t *testing.T) (*echo.Echo, *container.Container) {
	t.Helper()
	ctx := context.Background()

	cfg := &config.Config{
		Service:     config.ServiceConfig{Name: "estatehub-test", Port: 8080},
		Storage:     config.StorageConfig{Backend: "memory"},
		Cache:       config.CacheConfig{Enabled: true, Backend: "memory", DefaultTTL: time.Minute},
		Idempotency: config.IdempotencyConfig{TTL: time.Hour},
		Pagination:  config.PaginationConfig{DefaultLimit: 20, MaxLimit: 100},
	}
	components, err := bootstrap.Setup(ctx, "estatehub-test",
		bootstrap.WithCustomConfig(cfg),
		bootstrap.WithCustomLogger(logger.Nop()),
		bootstrap.WithoutTelemetry(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { components.Shutdown(ctx) })

	c, err := container.NewContainer(components)
	require.NoError(t, err)

	e := echo.New()
	e.Validator = handlers.NewRequestValidator()
	e.HTTPErrorHandler = handlers.ErrorHandler(logger.Nop())
	routes.RegisterChangeRoutes(e, c)
	routes.RegisterResourceRoutes(e, c)
	routes.RegisterEmployeeRoutes(e, c)
	return e, c
}

type response struct {
	Code int
	Body map[string]interface{}
}

func do(t *testing.T, e *echo.Echo, method, path string, actor *models.Actor, body string, headers ...string) response {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if actor != nil {
		req.Header.Set("X-User-ID", actor.ID)
		req.Header.Set("X-User-Role", string(actor.Role))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	out := response{Code: rec.Code}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out.Body), rec.Body.String())
	}
	return out
}

func str(t *testing.T, m map[string]interface{}, key string) string {
	t.Helper()
	v, ok := m[key].(string)
	require.True(t, ok, "missing %q in %v", key, m)
	return v
}

func obj(t *testing.T, m map[string]interface{}, key string) map[string]interface{} {
	t.Helper()
	v, ok := m[key].(map[string]interface{})
	require.True(t, ok, "missing object %q in %v", key, m)
	return v
}

func TestChangeLifecycle(t *testing.T) {
	e := newTestServer(t)

	res := do(t, e, http.MethodPost, "/api/v1/banners", &admin, banner)
	require.Equal(t, http.StatusCreated, res.Code, res.Body)
	bannerID := str(t, res.Body, "id")
	assert.Equal(t, "Summer Sale", res.Body["title"], "fields are flattened into the resource body")

	res = do(t, e, http.MethodPost, "/api/v1/changes", &alice,
		`{"type":"banners","target_id":"`+bannerID+`","payload":{"title":"Summer Sale"},"is_draft":true}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body)
	assert.Equal(t, "draft", res.Body["status"])
	first := str(t, res.Body, "id")

	res = do(t, e, http.MethodPost, "/api/v1/changes/"+first+"/submit", &alice, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, "pending", res.Body["status"])

	res = do(t, e, http.MethodPost, "/api/v1/changes", &bob,
		`{"type":"banner","target_id":"`+bannerID+`","payload":{"title":"Winter Sale"},"is_draft":true}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body)
	second := str(t, res.Body, "id")

	res = do(t, e, http.MethodPost, "/api/v1/changes/"+second+"/submit", &bob, "")
	require.Equal(t, http.StatusConflict, res.Code, res.Body)
	assert.Equal(t, "conflict", res.Body["error"])
	assert.Equal(t, first, obj(t, res.Body, "details")["existing_change_id"])

	res = do(t, e, http.MethodPost, "/api/v1/changes/"+first+"/request-changes", &admin, `{}`)
	require.Equal(t, http.StatusBadRequest, res.Code, res.Body)
	assert.Equal(t, "validation_failed", res.Body["error"])

	res = do(t, e, http.MethodPost, "/api/v1/changes/"+first+"/request-changes", &admin, `{"reason":"fix image"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, "needs_revision", res.Body["status"])
	assert.Equal(t, "fix image", res.Body["reason"])

	res = do(t, e, http.MethodPatch, "/api/v1/changes/"+first, &alice,
		`{"payload":{"image_url":"https://cdn.example.com/sharp.png"}}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body)

	res = do(t, e, http.MethodPost, "/api/v1/changes/"+first+"/submit", &alice, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, "pending", res.Body["status"])

	res = do(t, e, http.MethodPost, "/api/v1/changes/"+first+"/approve", &alice, "")
	require.Equal(t, http.StatusForbidden, res.Code, res.Body)

	res = do(t, e, http.MethodPost, "/api/v1/changes/"+first+"/approve", &admin, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, "approved", obj(t, res.Body, "change")["status"])

	res = do(t, e, http.MethodGet, "/api/v1/banners/"+bannerID, nil, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, "https://cdn.example.com/sharp.png", res.Body["image_url"])
	assert.Equal(t, float64(2), res.Body["version"])

	res = do(t, e, http.MethodPost, "/api/v1/changes/"+first+"/approve", &admin, "")
	require.Equal(t, http.StatusConflict, res.Code, res.Body)
	assert.Equal(t, "invalid_state", res.Body["error"])
	details := obj(t, res.Body, "details")
	assert.Equal(t, "approved", details["status"])
	assert.Equal(t, []interface{}{"pending"}, details["allowed"])
}

func TestApproveNewResource(t *testing.T) {
	e := newTestServer(t)

	res := do(t, e, http.MethodPost, "/api/v1/changes", &alice, `{"type":"banner","payload":`+banner+`}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body)
	assert.Equal(t, "pending", res.Body["status"])
	id := str(t, res.Body, "id")

	res = do(t, e, http.MethodPost, "/api/v1/changes/"+id+"/approve", &admin, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	change := obj(t, res.Body, "change")
	resourceID := str(t, change, "target_id")
	assert.Equal(t, resourceID, obj(t, res.Body, "resource")["id"])

	res = do(t, e, http.MethodGet, "/api/v1/banners/"+resourceID, &customer, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, "Summer Sale", res.Body["title"])

	res = do(t, e, http.MethodGet, "/api/v1/banners?limit=1", nil, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Len(t, res.Body["items"], 1)
}

func TestCreateChange_Errors(t *testing.T) {
	e := newTestServer(t)

	tests := []struct {
		name   string
		actor  *models.Actor
		body   string
		status int
		code   string
	}{
		{"anonymous", nil, `{"type":"banner"}`, http.StatusUnauthorized, "unauthorized"},
		{"customer", &customer, `{"type":"banner"}`, http.StatusForbidden, "forbidden"},
		{"missing type", &alice, `{"payload":{}}`, http.StatusBadRequest, "validation_failed"},
		{"unknown type", &alice, `{"type":"castle"}`, http.StatusBadRequest, "validation_failed"},
		{"bad target", &alice, `{"type":"banner","target_id":"nope"}`, http.StatusBadRequest, "validation_failed"},
		{"unknown field", &alice, `{"type":"banner","payload":{"colour":"red"},"is_draft":true}`, http.StatusBadRequest, "validation_failed"},
		{"incomplete submit", &alice, `{"type":"banner","payload":{"title":"x"}}`, http.StatusBadRequest, "validation_failed"},
		{"missing target", &alice, `{"type":"banner","target_id":"7b0c3b8e-52a5-4a61-9f1c-6f1f3f0a1c11","payload":{}}`, http.StatusNotFound, "not_found"},
		{"malformed json", &alice, `{"type":`, http.StatusBadRequest, "validation_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := do(t, e, http.MethodPost, "/api/v1/changes", tt.actor, tt.body)
			assert.Equal(t, tt.status, res.Code, res.Body)
			assert.Equal(t, tt.code, res.Body["error"])
		})
	}
}

func TestUnknownRoleIsRejected(t *testing.T) {
	e := newTestServer(t)

	res := do(t, e, http.MethodGet, "/api/v1/changes", &models.Actor{ID: "mallory", Role: "root"}, "")
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestIdempotencyKey(t *testing.T) {
	e := newTestServer(t)
	body := `{"type":"banner","payload":` + banner + `}`

	first := do(t, e, http.MethodPost, "/api/v1/changes", &alice, body, "Idempotency-Key", "abc-123")
	require.Equal(t, http.StatusCreated, first.Code, first.Body)
	replay := do(t, e, http.MethodPost, "/api/v1/changes", &alice, body, "Idempotency-Key", "abc-123")
	require.Equal(t, http.StatusCreated, replay.Code, replay.Body)
	assert.Equal(t, first.Body["id"], replay.Body["id"])

	res := do(t, e, http.MethodGet, "/api/v1/changes", &alice, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, res.Body["items"], 1)

	// once the change is withdrawn a replay reports it gone, not in flight
	res = do(t, e, http.MethodDelete, "/api/v1/changes/"+str(t, first.Body, "id"), &alice, "")
	require.Equal(t, http.StatusNoContent, res.Code)
	replay = do(t, e, http.MethodPost, "/api/v1/changes", &alice, body, "Idempotency-Key", "abc-123")
	assert.Equal(t, http.StatusNotFound, replay.Code, replay.Body)
	assert.Equal(t, "not_found", replay.Body["error"])
}

func TestDeleteChange(t *testing.T) {
	e := newTestServer(t)

	res := do(t, e, http.MethodPost, "/api/v1/changes", &alice, `{"type":"banner","payload":`+banner+`}`)
	require.Equal(t, http.StatusCreated, res.Code)
	id := str(t, res.Body, "id")

	res = do(t, e, http.MethodDelete, "/api/v1/changes/"+id+"?moveToDraft=true", &alice, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, "draft", res.Body["status"])

	res = do(t, e, http.MethodDelete, "/api/v1/changes/"+id, &alice, "")
	require.Equal(t, http.StatusNoContent, res.Code, res.Body)

	res = do(t, e, http.MethodGet, "/api/v1/changes/"+id, &alice, "")
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = do(t, e, http.MethodDelete, "/api/v1/changes/"+id+"?moveToDraft=maybe", &alice, "")
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestListChanges_Params(t *testing.T) {
	e := newTestServer(t)

	for _, q := range []string{"limit=abc", "limit=0", "status=open", "type=castle", "targetId=x", "cursor=garbage"} {
		res := do(t, e, http.MethodGet, "/api/v1/changes?"+q, &alice, "")
		assert.Equal(t, http.StatusBadRequest, res.Code, q)
	}

	res := do(t, e, http.MethodGet, "/api/v1/changes?status=pending&type=banner", &admin, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, []interface{}{}, res.Body["items"])
}

func TestResourceDeleteRejectsOpenChanges(t *testing.T) {
	e := newTestServer(t)

	res := do(t, e, http.MethodPost, "/api/v1/banners", &admin, banner)
	require.Equal(t, http.StatusCreated, res.Code)
	bannerID := str(t, res.Body, "id")

	res = do(t, e, http.MethodPost, "/api/v1/changes", &alice, `{"type":"banner","target_id":"`+bannerID+`","payload":{"title":"A"}}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body)
	changeID := str(t, res.Body, "id")

	res = do(t, e, http.MethodDelete, "/api/v1/banners/"+bannerID, &alice, "")
	require.Equal(t, http.StatusForbidden, res.Code)

	res = do(t, e, http.MethodDelete, "/api/v1/banners/"+bannerID, &admin, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	assert.Equal(t, []interface{}{changeID}, res.Body["rejected_changes"])

	res = do(t, e, http.MethodGet, "/api/v1/changes/"+changeID, &alice, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "rejected", res.Body["status"])
	assert.Equal(t, "target resource deleted", res.Body["reason"])
}

func TestReassignAndDelete(t *testing.T) {
	e := newTestServer(t)

	res := do(t, e, http.MethodPost, "/api/v1/employees", &admin, `{"name":"Erin","email":"erin@example.com"}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body)
	from := str(t, res.Body, "id")
	res = do(t, e, http.MethodPost, "/api/v1/employees", &admin, `{"name":"Frank","email":"frank@example.com"}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body)
	to := str(t, res.Body, "id")

	res = do(t, e, http.MethodPost, "/api/v1/employees", &admin, `{"name":"Dup","email":"erin@example.com"}`)
	require.Equal(t, http.StatusBadRequest, res.Code, res.Body)
	res = do(t, e, http.MethodPost, "/api/v1/employees", &admin, `{"name":"Bad","email":"not-an-email"}`)
	require.Equal(t, http.StatusBadRequest, res.Code, res.Body)

	res = do(t, e, http.MethodPost, "/api/v1/agents", &admin, `{"name":"Gina","email":"gina@example.com","employee_id":"`+from+`"}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body)

	for _, title := range []string{"Loft", "Cottage"} {
		res = do(t, e, http.MethodPost, "/api/v1/properties", &admin, `{"title":"`+title+`","listing_type":"sale",
			"price":250000,"address":"1 Main St","city":"Springfield","employee_id":"`+from+`"}`)
		require.Equal(t, http.StatusCreated, res.Code, res.Body)
	}

	res = do(t, e, http.MethodDelete, "/api/v1/employees/"+from, &admin, "")
	require.Equal(t, http.StatusConflict, res.Code, res.Body)
	assert.Equal(t, "has_assignments", res.Body["error"])
	counts := obj(t, obj(t, res.Body, "details"), "assignments")
	assert.Equal(t, float64(2), counts["properties"])
	assert.Equal(t, float64(1), counts["agents"])

	res = do(t, e, http.MethodPost, "/api/v1/employees/"+from+"/reassign-and-delete", &admin, `{}`)
	require.Equal(t, http.StatusBadRequest, res.Code, res.Body)

	res = do(t, e, http.MethodPost, "/api/v1/employees/"+from+"/reassign-and-delete", &admin, `{"target_employee_id":"`+to+`"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body)
	moved := obj(t, res.Body, "reassigned")
	assert.Equal(t, float64(2), moved["properties"])
	assert.Equal(t, float64(1), moved["agents"])

	res = do(t, e, http.MethodGet, "/api/v1/employees/"+from, &admin, "")
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = do(t, e, http.MethodGet, "/api/v1/agents?employeeId="+to, &admin, "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Len(t, res.Body["items"], 1)

	res = do(t, e, http.MethodGet, "/api/v1/properties", &customer, "")
	require.Equal(t, http.StatusOK, res.Code)
	for _, item := range res.Body["items"].([]interface{}) {
		assert.Equal(t, to, item.(map[string]interface{})["employee_id"])
	}
}

func TestUnknownRoute(t *testing.T) {
	e := newTestServer(t)

	res := do(t, e, http.MethodGet, "/api/v1/nothing", &alice, "")
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "not_found", res.Body["error"])
}
