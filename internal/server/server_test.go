package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"flowdesk/internal/db"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

// seedWorkspace creates an admin, a member, a client and a template through
// the engine so handler tests can act on them.
func seedWorkspace(t *testing.T, e engine.Engine) (admin, member domain.User, client domain.Client, tpl domain.Template, tasks []domain.TemplateTask) {
	t.Helper()
	ctx := context.Background()
	admin, err := e.CreateUser(ctx, "admin@test", "Admin", "admin", "")
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	member, err = e.CreateUser(ctx, "member@test", "Member", "member", admin.ID)
	if err != nil {
		t.Fatalf("create member: %v", err)
	}
	client, err = e.CreateClient(ctx, domain.Client{ClientName: "Acme"}, admin.ID)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	tpl, tasks, err = e.ImportTemplate(ctx, templateDefFromRequest(ImportTemplateRequest{
		Name: "Onboarding",
		Tasks: []TemplateTaskInput{
			{Name: "Kickoff", Order: 0, DurationMinutes: 60, SLAHours: 24},
			{Name: "Review", Order: 1, DurationMinutes: 45, SLAHours: 24, RequiresApproval: true},
		},
	}), admin.ID)
	if err != nil {
		t.Fatalf("import template: %v", err)
	}
	return admin, member, client, tpl, tasks
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(userID string) map[string]string {
	return map[string]string{"X-Actor-Id": userID}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/instances", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	admin, member, client, tpl, tasks := seedWorkspace(t, srv.Engine)

	assignments := map[string]any{
		tasks[0].ID: map[string]string{"assignee_id": member.ID},
		tasks[1].ID: map[string]string{"assignee_id": member.ID, "approver_id": admin.ID},
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/instances", map[string]any{
		"template_id": tpl.ID,
		"client_id":   client.ID,
		"name":        "Acme onboarding",
		"assignments": assignments,
	}, asActor(admin.ID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create instance: %d %s", res.StatusCode, string(data))
	}
	var created InstanceResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	if len(created.Tasks) != 2 || created.Tasks[0].Status != domain.StatusPending {
		t.Fatalf("unexpected instance payload: %s", string(data))
	}
	first := created.Tasks[0].ID

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+first+"/start", nil, asActor(member.ID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+first+"/submit", map[string]any{
		"comment": "kickoff held",
	}, asActor(member.ID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	var submitted TaskInstanceResponse
	_ = json.Unmarshal(data, &submitted)
	if submitted.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", submitted.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/instances/"+created.ID+"/progress", nil, asActor(admin.ID))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", res.StatusCode, string(data))
	}
	var agg engine.Aggregate
	_ = json.Unmarshal(data, &agg)
	if agg.Progress != 50 || agg.CurrentTaskIndex != 1 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
}

func TestErrorEnvelopeMapping(t *testing.T) {
	srv := newTestServer(t)
	admin, member, client, tpl, tasks := seedWorkspace(t, srv.Engine)

	// member may not create instances
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/instances", map[string]any{
		"template_id": tpl.ID,
		"client_id":   client.ID,
		"name":        "nope",
		"assignments": map[string]any{tasks[0].ID: map[string]string{"assignee_id": member.ID}},
	}, asActor(member.ID))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "forbidden" {
		t.Fatalf("unexpected envelope: %s", string(data))
	}

	// missing assignee maps to validation_error 400
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/instances", map[string]any{
		"template_id": tpl.ID,
		"client_id":   client.ID,
		"name":        "partial",
		"assignments": map[string]any{},
	}, asActor(admin.ID))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "validation_error" {
		t.Fatalf("unexpected code: %s", string(data))
	}

	// submitting before start maps to invalid_transition 409
	assignments := map[string]any{
		tasks[0].ID: map[string]string{"assignee_id": member.ID},
		tasks[1].ID: map[string]string{"assignee_id": member.ID, "approver_id": admin.ID},
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/instances", map[string]any{
		"template_id": tpl.ID,
		"client_id":   client.ID,
		"name":        "flow",
		"assignments": assignments,
	}, asActor(admin.ID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create instance: %d %s", res.StatusCode, string(data))
	}
	var created InstanceResponse
	_ = json.Unmarshal(data, &created)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+created.Tasks[0].ID+"/submit", map[string]any{}, asActor(member.ID))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("unexpected code: %s", string(data))
	}

	// unknown task maps to not_found 404
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/missing", nil, asActor(admin.ID))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv := newTestServer(t)
	admin, _, _, _, _ := seedWorkspace(t, srv.Engine)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": admin.ID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("bad login payload: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.UserID != admin.ID || who.Role != "admin" || who.Source != "jwt" {
		t.Fatalf("unexpected principal: %s", string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	admin, _, _, _, _ := seedWorkspace(t, srv.Engine)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"name": "ci",
	}, asActor(admin.ID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key CreateAPIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil || key.Key == "" {
		t.Fatalf("bad key payload: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via key: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.UserID != admin.ID || who.Source != "api_key" {
		t.Fatalf("unexpected principal: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": "bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d %s", res.StatusCode, string(data))
	}
}
