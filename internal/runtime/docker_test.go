package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/containers/web/json"):
		_, _ = w.Write([]byte(`{"Id":"abc123","Name":"/web","RestartCount":2,
			"State":{"Status":"running","Running":true,"StartedAt":"2024-01-01T00:00:00Z",
			"Health":{"Status":"unhealthy"}}}`))
	case strings.HasSuffix(r.URL.Path, "/containers/web/kill"),
		strings.HasSuffix(r.URL.Path, "/containers/web/restart"),
		strings.HasSuffix(r.URL.Path, "/containers/api/restart"):
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(r.URL.Path, "/containers/json"):
		_, _ = w.Write([]byte(`[{"Id":"abc123","Names":["/web"]},{"Id":"def456","Names":["/api"]}]`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"No such container"}`))
	}
}

func (f *fakeEngine) count(suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasSuffix(c, suffix) {
			n++
		}
	}
	return n
}

func newTestDocker(t *testing.T) (*Docker, *fakeEngine) {
	t.Helper()
	engine := &fakeEngine{}
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+strings.TrimPrefix(srv.URL, "http://")),
		client.WithVersion("1.43"),
		client.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return NewDockerWithClient(cli), engine
}

func TestDockerInspectHealth(t *testing.T) {
	d, _ := newTestDocker(t)

	raw, err := d.InspectHealth(context.Background(), ProcessRef{Name: "web"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", raw.Ref.ID)
	assert.Equal(t, "web", raw.Ref.Name)
	assert.True(t, raw.Running)
	assert.Equal(t, HealthUnhealthy, raw.Health)
	assert.Equal(t, 2, raw.RestartCount)
	assert.Equal(t, 2024, raw.StartedAt.Year())
}

func TestDockerInspectMissing(t *testing.T) {
	d, _ := newTestDocker(t)

	_, err := d.InspectHealth(context.Background(), ProcessRef{Name: "ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDockerListAndKill(t *testing.T) {
	d, engine := newTestDocker(t)

	refs, err := d.ListProcesses(context.Background(), ProcessFilter{All: true})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "web", refs[0].Name)

	require.NoError(t, d.Kill(context.Background(), ProcessRef{Name: "web"}))
	assert.Equal(t, 1, engine.count("/containers/web/kill"))
}

func TestDockerRestartAll(t *testing.T) {
	d, engine := newTestDocker(t)

	err := d.RestartAll(context.Background(), []ProcessRef{{Name: "web"}, {Name: "api"}})
	require.NoError(t, err)
	assert.Equal(t, 1, engine.count("/containers/web/restart"))
	assert.Equal(t, 1, engine.count("/containers/api/restart"))

	err = d.RestartAll(context.Background(), []ProcessRef{{Name: "web"}, {Name: "ghost"}})
	assert.ErrorIs(t, err, ErrNotFound)
}
