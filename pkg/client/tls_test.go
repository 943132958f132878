package client

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/oms/internal/config"
	omstls "github.com/loykin/oms/internal/tls"
)

func TestTLSWithGeneratedCA(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	serverTLS, err := omstls.Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"state_code":10,"message":"Check System"}`)
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = srv.Serve(tls.NewListener(ln, serverTLS)) }()
	t.Cleanup(func() { _ = srv.Close() })

	c := New(Config{
		BaseURL: "https://" + ln.Addr().String(),
		Timeout: 2 * time.Second,
		TLS:     &TLSClientConfig{Enabled: true, CACert: filepath.Join(dir, "tls_ca.crt")},
	})
	st, err := c.SystemState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Check System", st.Message)

	// Without the CA the handshake fails.
	plain := New(Config{BaseURL: "https://" + ln.Addr().String(), Timeout: 2 * time.Second})
	assert.False(t, plain.IsReachable(context.Background()))
}
