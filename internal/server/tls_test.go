package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrix-io/sentrix/internal/logging"
)

func writeTestCert(t *testing.T, dir string, serial int64) (certPath, keyPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{Organization: []string{"sentrix test"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func serialOf(t *testing.T, r *CertReloader) int64 {
	t.Helper()
	cert, err := r.GetCertificate(nil)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return leaf.SerialNumber.Int64()
}

func TestCertReloader_LoadAndReload(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir, 1)

	r, err := NewCertReloader(certPath, keyPath, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(1), serialOf(t, r))

	writeTestCert(t, dir, 2)
	require.NoError(t, r.Reload())
	assert.Equal(t, int64(2), serialOf(t, r))
}

func TestCertReloader_FailedReloadKeepsCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir, 7)

	r, err := NewCertReloader(certPath, keyPath, logging.Nop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(certPath, []byte("garbage"), 0o600))
	assert.Error(t, r.Reload())
	assert.Equal(t, int64(7), serialOf(t, r))
}

func TestCertReloader_MissingFiles(t *testing.T) {
	_, err := NewCertReloader("/nonexistent/cert.pem", "/nonexistent/key.pem", logging.Nop())
	assert.Error(t, err)
}

func TestCertReloader_WatcherPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir, 1)

	r, err := NewCertReloader(certPath, keyPath, logging.Nop())
	require.NoError(t, err)
	r.StartWatcher(10 * time.Millisecond)
	defer r.Stop()

	writeTestCert(t, dir, 3)
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(certPath, future, future))

	assert.Eventually(t, func() bool { return serialOf(t, r) == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestCertReloader_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir, 1)

	r, err := NewCertReloader(certPath, keyPath, logging.Nop())
	require.NoError(t, err)
	r.Stop()
	r.Stop()
}

func TestListen_TLS(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir, 1)

	ln, reloader, err := Listen(context.Background(), ListenerConfig{
		Addr: "127.0.0.1:0",
		TLS:  TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath},
	}, logging.Nop())
	require.NoError(t, err)
	require.NotNil(t, reloader)
	defer reloader.Stop()

	srv := NewHTTPServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	go srv.Serve(ln)
	defer srv.Close()

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	resp, err := client.Get("https://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))
	require.NotNil(t, resp.TLS)
}

func TestListen_TLSRequiresFiles(t *testing.T) {
	_, _, err := Listen(context.Background(), ListenerConfig{
		Addr: "127.0.0.1:0",
		TLS:  TLSConfig{Enabled: true},
	}, logging.Nop())
	assert.Error(t, err)
}

func TestListen_ReusePort(t *testing.T) {
	if !reusePortSupported {
		_, _, err := Listen(context.Background(), ListenerConfig{Addr: "127.0.0.1:0", ReusePort: true}, nil)
		assert.ErrorIs(t, err, ErrReusePortUnsupported)
		return
	}

	first, _, err := Listen(context.Background(), ListenerConfig{Addr: "127.0.0.1:0", ReusePort: true}, logging.Nop())
	require.NoError(t, err)
	defer first.Close()

	second, _, err := Listen(context.Background(), ListenerConfig{Addr: first.Addr().String(), ReusePort: true}, logging.Nop())
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, first.Addr().String(), second.Addr().String())
}
