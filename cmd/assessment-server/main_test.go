package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/assessments/internal/catalog"
	"github.com/ehr/assessments/internal/config"
	"github.com/ehr/assessments/internal/engine"
	"github.com/ehr/assessments/internal/platform/auth"
	"github.com/ehr/assessments/internal/platform/blobstore"
	"github.com/ehr/assessments/internal/platform/db"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testConfig(env string) *config.Config {
	return &config.Config{
		Env:                     env,
		AuthSigningKey:          testKey,
		CORSOrigins:             []string{"http://localhost:3000"},
		RateLimitRPS:            100,
		RateLimitBurst:          100,
		BodyLimit:               "2M",
		UploadBodyLimit:         "6M",
		BlobBackend:             "memory",
		AuthorLookupConcurrency: 4,
	}
}

func testServer(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	reg, err := catalog.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	e, err := newServer(cfg, zerolog.Nop(), nil, reg, blobstore.NewInMemoryBlobStore())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	return e
}

func serve(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	h := testServer(t, testConfig("development"))

	rec := serve(h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != version {
		t.Errorf("unexpected body %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestServer_Metrics(t *testing.T) {
	h := testServer(t, testConfig("development"))
	serve(h, http.MethodGet, "/health", "")

	rec := serve(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "assessments_http_requests_total") {
		t.Error("expected request counter in metrics output")
	}
}

func TestServer_DevAuthListsTypes(t *testing.T) {
	h := testServer(t, testConfig("development"))

	rec := serve(h, http.MethodGet, "/api/v1/assessment-types", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var types []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &types); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(types) != 6 {
		t.Errorf("expected 6 assessment types, got %d", len(types))
	}
}

func TestServer_JWTAuth(t *testing.T) {
	cfg := testConfig("production")
	h := testServer(t, cfg)

	if rec := serve(h, http.MethodGet, "/api/v1/assessment-types", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}

	key, _ := cfg.SigningKey()
	nurse, err := auth.IssueToken(auth.JWTConfig{SigningKey: key},
		auth.Clinician{ID: "c-1", Name: "Nurse Joy", Roles: []string{auth.RoleNurse}}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if rec := serve(h, http.MethodGet, "/api/v1/assessment-types", nurse); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for a nurse, got %d", rec.Code)
	}

	guest, _ := auth.IssueToken(auth.JWTConfig{SigningKey: key},
		auth.Clinician{ID: "g-1", Roles: []string{"guest"}}, time.Hour)
	if rec := serve(h, http.MethodGet, "/api/v1/assessment-types", guest); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a guest, got %d", rec.Code)
	}
}

func TestServer_AttachmentNotFound(t *testing.T) {
	h := testServer(t, testConfig("development"))
	rec := serve(h, http.MethodGet, "/api/v1/attachments/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAuthMiddleware_BadKey(t *testing.T) {
	cfg := testConfig("production")
	cfg.AuthSigningKey = "not-hex"
	if _, err := authMiddleware(cfg); err == nil {
		t.Error("expected error for a malformed signing key")
	}
}

func TestEvaluateCmd(t *testing.T) {
	cmd := evaluateCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"infestation":{"lice":true}}`))
	cmd.SetArgs([]string{"--type", "hair", "--catalog-dir", ""})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var findings []engine.Finding
	if err := json.Unmarshal(out.Bytes(), &findings); err != nil {
		t.Fatalf("decode: %v (%s)", err, out.String())
	}
	if len(findings) != 1 || findings[0].Status != "Pediculosis Detected" {
		t.Errorf("unexpected findings %+v", findings)
	}
}

func TestEvaluateCmd_UnknownType(t *testing.T) {
	cmd := evaluateCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(`{}`))
	cmd.SetArgs([]string{"--type", "dental", "--catalog-dir", ""})

	if err := cmd.Execute(); err == nil {
		t.Error("expected error for an unknown type")
	}
}

func TestCatalogListCmd(t *testing.T) {
	cmd := catalogCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"list", "--catalog-dir", ""})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, typ := range []string{"dietary", "hair", "nail", "skin", "physical", "psychosocial"} {
		if !strings.Contains(out.String(), typ) {
			t.Errorf("expected %s in catalog listing", typ)
		}
	}
}

func TestSchemaCmd_SingleType(t *testing.T) {
	cmd := schemaCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hair", "--catalog-dir", ""})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	s := out.String()
	if !strings.Contains(s, "CREATE TABLE IF NOT EXISTS") || !strings.Contains(s, "hair_assessments") {
		t.Errorf("unexpected DDL:\n%s", s)
	}
	if strings.Contains(s, "dietary_assessments") {
		t.Error("expected only the hair table")
	}
}

func TestTokenCmd(t *testing.T) {
	cmd := tokenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--signing-key", testKey, "--id", "c-9", "--name", "Dr. Quinn", "--role", "physician"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if parts := strings.Split(strings.TrimSpace(out.String()), "."); len(parts) != 3 {
		t.Errorf("expected a JWT, got %q", out.String())
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printStatus(&out, []db.MigrationStatus{
		{Version: 1, Name: "001_clinicians.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_next.sql"},
	})
	s := out.String()
	if !strings.Contains(s, "applied") || !strings.Contains(s, "2026-03-01T08:00:00Z") {
		t.Errorf("expected applied row, got:\n%s", s)
	}
	if !strings.Contains(s, "pending") {
		t.Errorf("expected pending row, got:\n%s", s)
	}
}
