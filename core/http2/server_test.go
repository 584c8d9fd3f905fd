package http2

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/searchktools/async-server/core/dispatch"
	corehttp "github.com/searchktools/async-server/core/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func startServer(t *testing.T, dcfg dispatch.Config, cfg Config) *Server {
	t.Helper()

	if dcfg.Workers == 0 {
		dcfg.Workers = 2
	}
	if dcfg.QueueCapacity == 0 {
		dcfg.QueueCapacity = 16
	}
	d := dispatch.New(dcfg)

	cfg.Addr = "127.0.0.1:0"
	if cfg.Payload == nil {
		cfg.Payload = []byte("Hello World")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	s, err := NewServer(cfg, d)
	require.NoError(t, err)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errCh)
		d.Close()
	})
	return s
}

func h2cClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

func get(t *testing.T, client *http.Client, url string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServer_H2C(t *testing.T) {
	s := startServer(t, dispatch.Config{}, Config{})
	client := h2cClient()

	for i := 0; i < 3; i++ {
		resp, body := get(t, client, "http://"+s.Addr().String()+"/", nil)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, 2, resp.ProtoMajor)
		assert.Equal(t, "Hello World", body)
		assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
		assert.Empty(t, resp.Header.Get("Connection"))
	}

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.TotalStreams)
	assert.Equal(t, uint64(1), stats.TotalConnections)
}

func TestServer_HTTP1(t *testing.T) {
	s := startServer(t, dispatch.Config{}, Config{})
	client := &http.Client{Timeout: 5 * time.Second}

	resp, body := get(t, client, "http://"+s.Addr().String()+"/", nil)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, resp.ProtoMajor)
	assert.Equal(t, "Hello World", body)
	assert.Equal(t, "keep-alive", resp.Header.Get("Connection"))
	assert.False(t, resp.Close)

	resp, _ = get(t, client, "http://"+s.Addr().String()+"/", http.Header{"Connection": {"close"}})
	assert.True(t, resp.Close)
}

func TestServer_NegotiatesContentType(t *testing.T) {
	s := startServer(t, dispatch.Config{}, Config{})

	resp, body := get(t, h2cClient(), "http://"+s.Addr().String()+"/", http.Header{"Accept": {"application/json"}})
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"payload":"Hello World"}`, body)
}

func TestServer_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s := startServer(t, dispatch.Config{
		Workers:       1,
		QueueCapacity: 1,
		Business: func(ctx context.Context, req *corehttp.Request, payload []byte) ([]byte, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return payload, nil
		},
	}, Config{})
	defer close(release)

	client := h2cClient()
	url := "http://" + s.Addr().String() + "/"

	background := func() {
		if resp, err := client.Get(url); err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}

	go background()
	<-started
	go background()

	require.Eventually(t, func() bool {
		return s.dispatcher.Stats().Queued == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp, body := get(t, client, url, nil)
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "Service Unavailable", body)
	assert.Equal(t, uint64(1), s.Stats().Rejected)
}

func TestServer_RequestTooLarge(t *testing.T) {
	s := startServer(t, dispatch.Config{}, Config{MaxRequestSize: 8})

	resp, err := h2cClient().Post("http://"+s.Addr().String()+"/", "text/plain", strings.NewReader("way more than eight bytes"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 413, resp.StatusCode)
}

func TestServer_TLS(t *testing.T) {
	cert := selfSignedCert(t)
	s := startServer(t, dispatch.Config{}, Config{
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	})

	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http2.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
	}

	resp, body := get(t, client, "https://"+s.Addr().String()+"/", nil)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Equal(t, "Hello World", body)
	require.NotNil(t, resp.TLS)
	assert.Equal(t, "h2", resp.TLS.NegotiatedProtocol)
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}
