package pki

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIssueAndLoad(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	ca, err := NewAuthority("test CA", time.Hour, now)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	caPath := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caPath, ca.CertPEM(), 0o644); err != nil {
		t.Fatalf("write ca: %v", err)
	}

	srv, err := ca.Issue("controller", true, []string{"localhost", "127.0.0.1"}, time.Hour, now)
	if err != nil {
		t.Fatalf("Issue server: %v", err)
	}
	srvCert, srvKey, err := WriteFiles(dir, "controller", srv)
	if err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	cfg, err := ServerTLSConfig(caPath, srvCert, srvKey)
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	if cfg.ClientCAs == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("incomplete server config")
	}

	cli, err := ca.Issue("worker", false, nil, time.Hour, now)
	if err != nil {
		t.Fatalf("Issue client: %v", err)
	}
	cliCert, cliKey, err := WriteFiles(dir, "worker", cli)
	if err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	if _, err := ClientTLSConfig(caPath, cliCert, cliKey, "localhost"); err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}

	if _, err := ServerTLSConfig(srvCert+".missing", srvCert, srvKey); err == nil {
		t.Fatal("expected missing CA to fail")
	}
	if _, err := ServerTLSConfig(srvKey, srvCert, srvKey); err == nil {
		t.Fatal("expected a key file to be rejected as CA bundle")
	}
}
