package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/docqa/deid/internal/config"
	"github.com/docqa/deid/internal/deid"
	"github.com/docqa/deid/internal/platform/auth"
	"github.com/docqa/deid/internal/platform/db"
)

const testKey = "0123456789abcdef0123456789abcdef"

func testConfig(env string) *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            env,
		LedgerBackend:  config.LedgerMemory,
		AuthSigningKey: testKey,
		AuthIssuer:     "deid-tests",
		CORSOrigins:    []string{"http://localhost:3000"},
		RateLimitRPS:   100,
		RateLimitBurst: 100,
		BodyLimit:      "1M",
	}
}

func testEngine(t *testing.T, cfg *config.Config) *engine {
	t.Helper()
	eng, err := newEngine(context.Background(), cfg, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("newEngine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func signToken(t *testing.T, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "deid-tests",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func serve(h http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewServer_AuthAndRoutes(t *testing.T) {
	cfg := testConfig("production")
	e := newServer(cfg, testEngine(t, cfg), zerolog.New(io.Discard))

	rec := serve(e, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("health: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
	if rec.Header().Get("Strict-Transport-Security") == "" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("missing security headers: %v", rec.Header())
	}

	body := `{"document_content": "Contact: 06 12 34 56 78", "document_id": "srv-1"}`
	if rec := serve(e, http.MethodPost, "/api/deid/anonymize", "", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", rec.Code)
	}

	rec = serve(e, http.MethodPost, "/api/deid/anonymize", signToken(t, auth.RoleAnonymizer), body)
	if rec.Code != http.StatusOK {
		t.Fatalf("anonymize: %d %s", rec.Code, rec.Body.String())
	}
	var doc deid.AnonymizedDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Contains(doc.Content, "06 12 34 56 78") || doc.Count != 1 {
		t.Errorf("unexpected document %+v", doc)
	}

	if rec := serve(e, http.MethodGet, "/api/deid/mappings/srv-1", signToken(t, auth.RoleAnonymizer), ""); rec.Code != http.StatusForbidden {
		t.Errorf("anonymizer mappings read: status %d, want 403", rec.Code)
	}
	rec = serve(e, http.MethodGet, "/api/deid/mappings/srv-1", signToken(t, auth.RoleAuditor), "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"original_value":"06 12 34 56 78"`) {
		t.Errorf("auditor mappings read: %d %s", rec.Code, rec.Body.String())
	}

	if rec := serve(e, http.MethodGet, "/health/db", signToken(t, auth.RoleAdmin), ""); rec.Code != http.StatusNotFound {
		t.Errorf("/health/db without a pool: status %d, want 404", rec.Code)
	}
}

func TestNewServer_DevAuth(t *testing.T) {
	cfg := testConfig("development")
	cfg.AuthSigningKey = ""
	e := newServer(cfg, testEngine(t, cfg), zerolog.New(io.Discard))

	rec := serve(e, http.MethodPost, "/api/deid/detect", "", `{"text": "Email: patient@example.com"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"entity_type":"EMAIL"`) {
		t.Errorf("detect in dev mode: %d %s", rec.Code, rec.Body.String())
	}
}

func TestNewServer_BodyLimit(t *testing.T) {
	cfg := testConfig("production")
	cfg.BodyLimit = "1K"
	e := newServer(cfg, testEngine(t, cfg), zerolog.New(io.Discard))

	big := `{"document_content": "` + strings.Repeat("a", 4096) + `"}`
	if rec := serve(e, http.MethodPost, "/api/deid/anonymize", signToken(t, auth.RoleAnonymizer), big); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status %d, want 413", rec.Code)
	}
}

func TestNewEngine_DenylistFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "denylist.yaml")
	if err := os.WriteFile(path, []byte("medical_terms:\n  - service cardiologie\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig("development")
	cfg.DenylistFile = path
	eng := testEngine(t, cfg)

	spans, err := eng.svc.Detect("Service CARDIOLOGIE, Jean DUPONT")
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(spans) != 1 || spans[0].Value != "Jean DUPONT" {
		t.Errorf("unexpected spans %+v", spans)
	}

	cfg.DenylistFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := newEngine(context.Background(), cfg, zerolog.New(io.Discard)); err == nil {
		t.Error("expected error for a missing denylist file")
	}
}

func TestMatchInputs(t *testing.T) {
	fsys := fstest.MapFS{
		"notes/a.txt":           {Data: []byte("a")},
		"notes/2024/b.txt":      {Data: []byte("b")},
		"notes/2024/c.pdf":      {Data: []byte("c")},
		"notes/empty.txt/.keep": {Data: []byte("")},
	}
	got, err := matchInputs(fsys, "notes/**/*.txt")
	if err != nil {
		t.Fatalf("matchInputs: %v", err)
	}
	want := []string{"notes/2024/b.txt", "notes/a.txt"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := matchInputs(fsys, "notes/[.txt"); err == nil {
		t.Error("expected error for an invalid pattern")
	}
}

func TestAnonymizeFile(t *testing.T) {
	base := t.TempDir()
	out := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "in"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "in", "cr.txt"), []byte("Tél 06 12 34 56 78"), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := testEngine(t, testConfig("development"))

	if err := anonymizeFile(context.Background(), eng.svc, base, "in/cr.txt", out, io.Discard); err != nil {
		t.Fatalf("anonymizeFile: %v", err)
	}
	data, err := os.ReadFile(outputPath(out, "in/cr.txt"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.HasPrefix(string(data), "Tél [PHONE_") {
		t.Errorf("unexpected output %q", data)
	}

	var buf bytes.Buffer
	if err := anonymizeFile(context.Background(), eng.svc, base, "in/cr.txt", "", &buf); err != nil {
		t.Fatalf("anonymizeFile to stdout: %v", err)
	}
	var line struct {
		File    string `json:"file"`
		Content string `json:"content"`
		Count   int    `json:"count"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line.File != "in/cr.txt" || line.Count != 1 {
		t.Errorf("unexpected line %+v", line)
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "production", "warn")
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected log output %q", buf.String())
	}

	if got := newLogger(io.Discard, "production", "bogus").GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("invalid level should default to info, got %s", got)
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, &deid.EvaluationReport{
		Documents: 2,
		ByEntity:  []deid.EntityMetrics{{EntityType: "PHONE", Precision: 1, Recall: 0.5, F1: 0.6667, TruePositives: 1, FalseNegatives: 1, Support: 2}},
		Overall:   deid.EntityMetrics{EntityType: "OVERALL", Precision: 1, Recall: 0.5, F1: 0.6667},
	})
	out := buf.String()
	for _, want := range []string{"Documents: 2", "PHONE", "50.00%", "66.67%", "OVERALL"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_deid_mappings.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_deid_mappings_immutable.sql"},
	})
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows:\n%s", out)
	}
	if f := strings.Fields(lines[1]); len(f) != 4 || f[0] != "001" || f[2] != "applied" || f[3] != "2024-05-01T12:00:00Z" {
		t.Errorf("applied row not rendered: %q", lines[1])
	}
	if f := strings.Fields(lines[2]); len(f) != 4 || f[2] != "pending" || f[3] != "-" {
		t.Errorf("pending row not rendered: %q", lines[2])
	}
}

func TestNewServer_Metrics(t *testing.T) {
	cfg := testConfig("production")
	e := newServer(cfg, testEngine(t, cfg), zerolog.New(io.Discard))
	serve(e, http.MethodPost, "/api/deid/anonymize", signToken(t, auth.RoleAnonymizer), `{"document_content": "06 12 34 56 78"}`)

	rec := serve(e, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"deid_documents_processed_total 1\n",
		`deid_entities_replaced_total{entity_type="PHONE"} 1`,
		`route="/api/deid/anonymize",status_code="200"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Contains(body, "db_pool_") {
		t.Error("pool gauges exported without a pool")
	}
}
