package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/oms/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(config.TLSConfig{})
	if err != nil || c != nil {
		t.Fatalf("disabled TLS: cfg=%v err=%v", c, err)
	}
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	c, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, Hosts: []string{"oms.local", "10.0.0.30"}})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if c.MinVersion != tls.VersionTLS12 {
		t.Fatalf("min version %x", c.MinVersion)
	}
	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Fatalf("%s not written: %v", f, err)
		}
	}
	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "oms.local" || len(leaf.IPAddresses) != 1 {
		t.Fatalf("unexpected SANs: %v %v", leaf.DNSNames, leaf.IPAddresses)
	}

	// A second setup reuses the existing pair.
	before, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if _, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true}); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(filepath.Join(dir, tlsCrt))
	if string(before) != string(after) {
		t.Fatal("certificate regenerated")
	}
}

func TestSetupErrors(t *testing.T) {
	if _, err := Setup(config.TLSConfig{Enabled: true}); err == nil {
		t.Fatal("expected error without cert config")
	}
	if _, err := Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir()}); err == nil {
		t.Fatal("expected error for missing files without auto_generate")
	}
	if _, err := Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"}); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestSafeReadFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := safeReadFile(dir, filepath.Join(dir, "..", "passwd")); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}
