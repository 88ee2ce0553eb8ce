package privsep

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// daemonBinary is built once, from cmd/privsepd, into a temp directory
// shared by every test in this file. Building a real binary and exec'ing
// it is the only way to exercise Init's re-exec path faithfully — a
// privsep.Instance genuinely is a separate OS process with its own
// address space, the whole point of the exercise.
var daemonBinary string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "privsepd-build-*")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	daemonBinary = filepath.Join(dir, "privsepd")
	cmd := exec.Command("go", "build", "-o", daemonBinary, "./cmd/privsepd")
	cmd.Dir = mustGetwd()
	if out, err := cmd.CombinedOutput(); err != nil {
		panic("building cmd/privsepd for integration tests: " + err.Error() + "\n" + string(out))
	}

	os.Exit(m.Run())
}

func mustGetwd() string {
	dir, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	return dir
}

func generateTestKeyPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, priv
}

func TestInstanceLoadKeySignAndVerify(t *testing.T) {
	inst, err := Init(daemonBinary)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer inst.Close()

	keyPath, priv := generateTestKeyPEM(t)
	key, err := inst.LoadPrivateKeyFile(keyPath)
	if err != nil {
		t.Fatalf("LoadPrivateKeyFile: %v", err)
	}

	msg := []byte("integration test message")
	digest := sha256.Sum256(msg)
	sig, err := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := rsa.VerifyPKCS1v15(&priv.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

func TestInstancePrivEncVerifiesWithPublicOperation(t *testing.T) {
	inst, err := Init(daemonBinary)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer inst.Close()

	keyPath, priv := generateTestKeyPEM(t)
	key, err := inst.LoadPrivateKeyFile(keyPath)
	if err != nil {
		t.Fatalf("LoadPrivateKeyFile: %v", err)
	}

	msg := []byte("legacy TLS 1.0 style client key exchange padding")
	sig, err := key.PrivEnc(msg, 1) // RSA_PKCS1_PADDING
	if err != nil {
		t.Fatalf("PrivEnc: %v", err)
	}

	// The public-key half of RSA_public_decrypt: raise the result back up
	// with the public exponent and strip the PKCS#1 type-01 padding by
	// hand, since x509 exposes no direct equivalent.
	c := new(big.Int).SetBytes(sig)
	e := big.NewInt(int64(priv.PublicKey.E))
	got := new(big.Int).Exp(c, e, priv.PublicKey.N).Bytes()
	padded := make([]byte, priv.Size())
	copy(padded[len(padded)-len(got):], got)

	i := 2
	for i < len(padded) && padded[i] == 0xff {
		i++
	}
	if padded[0] != 0 || padded[1] != 1 || padded[i] != 0 {
		t.Fatalf("public-decrypt of PrivEnc output is not validly padded")
	}
	if string(padded[i+1:]) != string(msg) {
		t.Fatalf("public-decrypt of PrivEnc output = %q, want %q", padded[i+1:], msg)
	}
}

// selfSignedCert builds an in-memory self-signed leaf certificate over pub,
// signed by priv, for use as the server certificate in the TLS handshake
// test below. Grounded on the CA/cert generation in
// http_proxy/mtls_test.go's NewMTLSInMemoryCerts, trimmed to a single
// self-signed leaf since this test has no client-cert or CA-chaining
// requirement.
func selfSignedCert(t *testing.T, priv *rsa.PrivateKey) []byte {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return der
}

func TestInstanceKeyBacksARealTLSHandshake(t *testing.T) {
	inst, err := Init(daemonBinary)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer inst.Close()

	keyPath, priv := generateTestKeyPEM(t)
	key, err := inst.LoadPrivateKeyFile(keyPath)
	if err != nil {
		t.Fatalf("LoadPrivateKeyFile: %v", err)
	}

	certDER := selfSignedCert(t, priv)
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}

	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	server.TLS = &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
			Leaf:        leaf,
		}},
	}
	server.StartTLS()
	defer server.Close()

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	client := server.Client()
	client.Transport.(*http.Transport).TLSClientConfig = &tls.Config{RootCAs: pool}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestInstanceKillDaemonTriggersFatalHook(t *testing.T) {
	var gotErr error
	fatalCh := make(chan struct{})
	inst, err := Init(daemonBinary, WithFatalHook(func(err error) {
		gotErr = err
		close(fatalCh)
	}))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer inst.Close()

	keyPath, _ := generateTestKeyPEM(t)
	key, err := inst.LoadPrivateKeyFile(keyPath)
	if err != nil {
		t.Fatalf("LoadPrivateKeyFile: %v", err)
	}

	if err := inst.cmd.Process.Kill(); err != nil {
		t.Fatalf("killing daemon: %v", err)
	}
	inst.cmd.Wait()

	digest := sha256.Sum256([]byte("after kill"))
	_, signErr := key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if signErr == nil {
		t.Fatal("Sign after killing the daemon: got nil error")
	}

	select {
	case <-fatalCh:
	case <-time.After(2 * time.Second):
		t.Fatal("fatal hook was not invoked within 2s of killing the daemon")
	}
	if gotErr == nil {
		t.Fatal("fatal hook received a nil error")
	}
}

func TestParentCrashLeavesDaemonExitingOnPipeClose(t *testing.T) {
	inst, err := Init(daemonBinary)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	// A SIGKILL'd parent never runs Instance.Close's graceful path; the
	// kernel simply closes every fd the parent held, including the
	// liveness pipe's write end. Simulate exactly that effect without
	// actually killing this test process.
	if err := inst.livenessWrite.Close(); err != nil {
		t.Fatalf("closing liveness pipe: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- inst.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		inst.cmd.Process.Kill()
		t.Fatal("daemon did not exit within 200ms of the liveness pipe closing")
	}

	os.RemoveAll(inst.dir)
}

func TestLoadKeyMissingFileErrorPropagatesThroughInstance(t *testing.T) {
	inst, err := Init(daemonBinary)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer inst.Close()

	_, err = inst.LoadPrivateKeyFile("/no/such/file")
	if err == nil {
		t.Fatal("LoadPrivateKeyFile on a missing path: got nil error")
	}
	var target *net.OpError
	if errors.As(err, &target) {
		t.Fatalf("expected an in-band daemon error, got a transport error: %v", err)
	}
}
