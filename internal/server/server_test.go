package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"bajas/internal/config"
	"bajas/internal/db"
	"bajas/internal/engine"
	"bajas/internal/migrate"
)

const testSecret = "server-test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

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
	cfg := config.Default("LIMA")
	cfg.Finalize.MaxAttempts = 1
	cfg.Finalize.InitialBackoffMS = 1
	e := engine.New(conn, cfg)
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureMunicipality(ctx, tx, "LIMA", "Lima", now); err != nil {
		tx.Rollback()
		t.Fatalf("seed municipality: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:      testSecret,
			EnableDevLogin: true,
		},
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func mintToken(t *testing.T, actorID string, roles []string) string {
	t.Helper()
	token, err := signDevToken(testSecret, actorID, roles)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url, token string, body any) (*http.Response, []byte) {
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
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	approver := mintToken(t, "approver", []string{"finance-approver"})
	clerk := mintToken(t, "clerk-1", nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/assets", clerk, map[string]any{
		"code":        "INV-001",
		"description": "old desk",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register asset: %d %s", res.StatusCode, string(data))
	}
	var asset struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &asset)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", clerk, map[string]any{
		"disposal_type":              "OBSOLESCENCE",
		"reason":                     "END_OF_LIFE",
		"reason_description":         "beyond economic repair",
		"technical_report_author_id": "engineer-1",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open case: %d %s", res.StatusCode, string(data))
	}
	var opened struct {
		ID         string `json:"id"`
		FileNumber string `json:"file_number"`
		Status     string `json:"status"`
		Version    int64  `json:"version"`
	}
	if err := json.Unmarshal(data, &opened); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if opened.Status != "INITIATED" || opened.FileNumber == "" {
		t.Fatalf("unexpected case %+v", opened)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+opened.ID+"/assets", clerk, map[string]any{
		"asset_id":            asset.ID,
		"conservation_status": "BAD",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("attach: %d %s", res.StatusCode, string(data))
	}
	var link struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &link)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+opened.ID+"/evaluation", clerk, map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start evaluation: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+opened.ID+"/assets/"+link.ID+"/opinion", clerk, map[string]any{
		"technical_opinion": "scrap it",
		"recommendation":    "RECYCLE",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("opinion: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+opened.ID+"/resolve", approver, map[string]any{
		"approved": true,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(data))
	}
	var resolved struct {
		Status           string  `json:"status"`
		ResolutionNumber *string `json:"resolution_number"`
	}
	_ = json.Unmarshal(data, &resolved)
	if resolved.Status != "APPROVED" || resolved.ResolutionNumber == nil {
		t.Fatalf("unexpected resolve result %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+opened.ID+"/finalize", approver, map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize: %d %s", res.StatusCode, string(data))
	}
	var finalized struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(data, &finalized)
	if finalized.Status != "EXECUTED" {
		t.Fatalf("expected EXECUTED, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/"+opened.ID, clerk, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get case: %d %s", res.StatusCode, string(data))
	}
	var detail struct {
		Case struct {
			Status string `json:"status"`
		} `json:"case"`
		Links []struct {
			DisposedAt *string `json:"disposed_at"`
		} `json:"links"`
	}
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Case.Status != "EXECUTED" || len(detail.Links) != 1 || detail.Links[0].DisposedAt == nil {
		t.Fatalf("unexpected detail %s", string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cases", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	clerk := mintToken(t, "clerk-1", nil)
	approver := mintToken(t, "approver", []string{"finance-approver"})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/case_missing", clerk, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", clerk, map[string]any{
		"disposal_type":              "OBSOLESCENCE",
		"reason":                     "END_OF_LIFE",
		"reason_description":         "x",
		"technical_report_author_id": "engineer-1",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open case: %d %s", res.StatusCode, string(data))
	}
	var opened struct {
		ID      string `json:"id"`
		Version int64  `json:"version"`
	}
	_ = json.Unmarshal(data, &opened)

	// resolving from INITIATED is an invalid transition
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+opened.ID+"/resolve", approver, map[string]any{
		"approved": true,
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %s", code)
	}

	// stale version
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+opened.ID+"/evaluation", clerk, map[string]any{
		"version": opened.Version + 5,
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "conflict" {
		t.Fatalf("expected conflict, got %s", code)
	}

	// resolving without the approval role
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+opened.ID+"/evaluation", clerk, map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start evaluation: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+opened.ID+"/resolve", clerk, map[string]any{
		"approved": true,
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", code)
	}

	// rejecting without observations is a validation error
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/"+opened.ID+"/resolve", approver, map[string]any{
		"approved": false,
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "validation_error" {
		t.Fatalf("expected validation_error, got %s", code)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", "", map[string]any{
		"actor_id": "dev-user",
		"roles":    []string{"evaluator"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("unexpected login response %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", login.Token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me struct {
		ActorID string   `json:"actor_id"`
		Roles   []string `json:"roles"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "dev-user" || len(me.Roles) != 1 || me.Roles[0] != "evaluator" {
		t.Fatalf("unexpected me %s", string(data))
	}
}

func TestCursorPagination(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	clerk := mintToken(t, "clerk-1", nil)

	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", clerk, map[string]any{
			"disposal_type":              "TECHNICAL",
			"reason":                     "DAMAGE",
			"reason_description":         "water damage",
			"technical_report_author_id": "engineer-1",
		})
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("open case %d: %d %s", i, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases?limit=2", clerk, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list cases: %d %s", res.StatusCode, string(data))
	}
	var page struct {
		Items      []json.RawMessage `json:"items"`
		NextCursor string            `json:"next_cursor"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %d items cursor %q", len(page.Items), page.NextCursor)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases?limit=2&cursor="+url.QueryEscape(page.NextCursor), clerk, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page: %d %s", res.StatusCode, string(data))
	}
	var second struct {
		Items      []json.RawMessage `json:"items"`
		NextCursor string            `json:"next_cursor"`
	}
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(second.Items) != 1 || second.NextCursor != "" {
		t.Fatalf("expected final page of 1, got %d items cursor %q", len(second.Items), second.NextCursor)
	}
}
