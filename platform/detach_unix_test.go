//go:build unix

package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDetachAttr_NewSession(t *testing.T) {
	attr := detachAttr()
	if attr == nil || !attr.Setsid {
		t.Fatalf("detachAttr() = %+v, want Setsid", attr)
	}
}

func TestStartDetached_Runs(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "started")
	script := filepath.Join(dir, "app.sh")
	body := "#!/bin/sh\necho $$ > \"$1\"\n"
	if err := os.WriteFile(script, []byte(body), 0700); err != nil {
		t.Fatal(err)
	}

	if err := startDetached(script, marker); err != nil {
		t.Fatalf("startDetached() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(marker); err == nil && len(data) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("detached program never ran")
}
