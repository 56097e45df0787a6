package container

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumenstudio/imagepipe/internal/infrastructure/serviceworker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func TestModule_GraphIsComplete(t *testing.T) {
	err := fx.ValidateApp(
		fx.NopLogger,
		fx.Supply(ConfigPath("")),
		Module,
	)
	require.NoError(t, err)
}

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestModule_InstallsAndServes(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><head></head><body>shop</body></html>"))
		case "/static/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = w.Write([]byte("console.log('shop')"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer origin.Close()

	port := freePort(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := fmt.Sprintf(`
app:
  environment: test
  log_level: error
server:
  host: 127.0.0.1
  port: %d
origin:
  upstream: %s
cache:
  version: v7
  manifest: ["/", "/static/app.js"]
monitoring:
  enable_tracing: false
`, port, origin.URL)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	var controller *serviceworker.Controller
	app := fxtest.New(t,
		fx.NopLogger,
		fx.Supply(ConfigPath(path)),
		Module,
		fx.Populate(&controller),
	)
	app.RequireStart()
	defer app.RequireStop()

	assert.Equal(t, serviceworker.StateActivated, controller.State())
	assert.Equal(t, "v7", controller.Version())

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(fmt.Sprintf("http://127.0.0.1:%d/readyz", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "controller and upstream checks pass")

	resp, err = client.Get(fmt.Sprintf("http://127.0.0.1:%d/static/app.js", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCleanupInterval(t *testing.T) {
	assert.Equal(t, 15*time.Minute, cleanupInterval(30*time.Minute))
	assert.Equal(t, time.Second, cleanupInterval(time.Second))
}
