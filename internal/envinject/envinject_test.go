package envinject

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mpataki/testforge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixHostURL(t *testing.T) {
	i := New(true, "host.docker.internal", nil)
	assert.Equal(t, "http://host.docker.internal:8000/api", i.FixHostURL("http://localhost:8000/api"))
	assert.Equal(t, "https://host.docker.internal:3000", i.FixHostURL("https://127.0.0.1:3000"))
	assert.Equal(t, "http://localhost/api", i.FixHostURL("http://localhost/api"), "no port, no rewrite")
	assert.Equal(t, "postgres://localhost:5432/db", i.FixHostURL("postgres://localhost:5432/db"))

	outside := New(false, "host.docker.internal", nil)
	assert.Equal(t, "http://localhost:8000", outside.FixHostURL("http://localhost:8000"))
}

func TestBuildPrecedence(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"),
		[]byte("SHARED=from-dotenv\nONLY_DOTENV=\"quoted\"\nBACKEND_URL=http://dotenv\nAPI=http://localhost:9000\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env.local"),
		[]byte("ONLY_DOTENV=shadowed\nLOCAL=1\n"), 0644))

	i := New(true, "gw", nil)
	cfg := models.ProjectConfig{
		BackendURL:  "http://localhost:8000",
		FrontendURL: "http://127.0.0.1:3000",
		EnvVars:     map[string]string{"SHARED": "from-config", "BACKEND_URL": "http://config"},
	}
	env := i.Build(context.Background(), cfg, root)

	assert.Equal(t, "from-config", env["SHARED"])
	assert.Equal(t, "quoted", env["ONLY_DOTENV"])
	assert.Equal(t, "1", env["LOCAL"])
	assert.Equal(t, "http://gw:9000", env["API"])
	assert.Equal(t, "http://gw:8000", env["BACKEND_URL"], "computed values win")
	assert.Equal(t, "http://gw:8000", env["API_BASE_URL"])
	assert.Equal(t, "http://gw:3000", env["FRONTEND_URL"])
	assert.NotContains(t, env, "TEST_AUTH_TOKEN")
}

func loginServer(t *testing.T, handlers map[string]http.HandlerFunc) (*httptest.Server, *[]string) {
	t.Helper()
	var (
		mu   sync.Mutex
		hits []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		if h, ok := handlers[r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestBuildObtainsToken(t *testing.T) {
	srv, hits := loginServer(t, map[string]http.HandlerFunc{
		"/api/v1/auth/token": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "qa@example.com", body["username"])
			assert.Equal(t, "secret", body["password"])
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"data":{"access_token":"tok-123"}}`))
		},
	})

	i := New(false, "", nil)
	env := i.Build(context.Background(), models.ProjectConfig{
		BackendURL:    srv.URL + "/",
		LoginEmail:    "qa@example.com",
		LoginPassword: "secret",
	}, t.TempDir())

	assert.Equal(t, "tok-123", env["TEST_AUTH_TOKEN"])
	assert.Equal(t, "tok-123", env["ACCESS_TOKEN"])
	assert.Equal(t, "Bearer tok-123", env["AUTHORIZATION"])
	assert.Equal(t, "qa@example.com", env["TEST_LOGIN_EMAIL"])
	assert.Equal(t, []string{"/api/v1/auth/login", "/api/v1/auth/token"}, *hits)
}

func TestBuildSkipsLoginWhenTokenPresent(t *testing.T) {
	srv, hits := loginServer(t, nil)
	i := New(false, "", nil)
	env := i.Build(context.Background(), models.ProjectConfig{
		BackendURL:    srv.URL,
		LoginEmail:    "a@b.c",
		LoginPassword: "pw",
		EnvVars:       map[string]string{"TEST_AUTH_TOKEN": "preset"},
	}, t.TempDir())
	assert.Equal(t, "preset", env["TEST_AUTH_TOKEN"])
	assert.Empty(t, *hits)
}

func TestLoginFailureIsNotFatal(t *testing.T) {
	srv, hits := loginServer(t, map[string]http.HandlerFunc{
		"/api/auth/login": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		},
		"/auth/login": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"message":"ok but no token"}`))
		},
	})
	i := New(false, "", nil)
	_, ok := i.Login(context.Background(), srv.URL, "a@b.c", "pw")
	assert.False(t, ok)
	assert.Len(t, *hits, 6)

	// unreachable backend
	_, ok = i.Login(context.Background(), "http://127.0.0.1:1", "a@b.c", "pw")
	assert.False(t, ok)
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"access_token":"a"}`, "a"},
		{`{"token":"b"}`, "b"},
		{`{"accessToken":"c"}`, "c"},
		{`{"data":{"access_token":"d"}}`, "d"},
		{`{"tokens":{"access":"e","refresh":"x"}}`, "e"},
		{`{"token":{"nested":true}}`, ""},
		{`{}`, ""},
	}
	for _, tt := range tests {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(tt.body), &m))
		assert.Equal(t, tt.want, extractToken(m), tt.body)
	}
}

func TestEnviron(t *testing.T) {
	out := Environ([]string{"PATH=/bin", "HOME=/root", "BROKEN"}, map[string]string{"HOME": "/tmp", "A": "1"})
	assert.Equal(t, []string{"PATH=/bin", "BROKEN", "A=1", "HOME=/tmp"}, out)
}
