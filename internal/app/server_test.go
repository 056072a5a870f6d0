package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/liveview/internal/config"
)

const schemaFile = `
-- departments and their staff
CREATE TABLE department (
  id BIGINT NOT NULL AUTO_INCREMENT,
  name VARCHAR(50) NOT NULL,
  PRIMARY KEY (id)
);
CREATE TABLE employee (
  id BIGINT NOT NULL AUTO_INCREMENT,
  name VARCHAR(100),
  department_id BIGINT,
  PRIMARY KEY (id)
);
`

func writeSchema(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.sql")
	require.NoError(t, os.WriteFile(path, []byte(schemaFile), 0o600))
	return path
}

func memoryConfig(t *testing.T) *config.Config {
	cfg := config.New()
	cfg.Listen = "127.0.0.1:0"
	cfg.SchemaFile = writeSchema(t)
	return cfg
}

func TestNewServerMemory(t *testing.T) {
	s, err := NewServer(context.Background(), memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, s.DB.Catalog().Size())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["tables"])

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNewServerRejectsConfig(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Driver = "pgx"
	_, err := NewServer(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err, "pgx without dsn")

	cfg = memoryConfig(t)
	cfg.SchemaFile = filepath.Join(t.TempDir(), "missing.sql")
	_, err = NewServer(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestMetricsDisabled(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Metrics.Enabled = false
	s, err := NewServer(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApplySchemaFileSkipsExisting(t *testing.T) {
	ctx := context.Background()
	s, err := NewServer(ctx, memoryConfig(t), zap.NewNop())
	require.NoError(t, err)
	_, err = s.DB.InsertAndCommit(ctx, "department", map[string]any{"name": "Sales"})
	require.NoError(t, err)

	require.NoError(t, ApplySchemaFile(ctx, s.DB, s.cfg.SchemaFile, zap.NewNop()))
	n, err := s.DB.SelectValue(ctx, "SELECT name FROM department WHERE id = @id", map[string]any{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, "Sales", n)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := NewServer(context.Background(), memoryConfig(t), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
