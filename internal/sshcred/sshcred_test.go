package sshcred

import (
	"context"
	"testing"
	"time"
)

func TestRetrieveCredentialsFailsFastOnUnreachableHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	svc := NewCredentialService(nil)
	start := time.Now()
	_, _, err := svc.RetrieveCredentials(ctx, "192.0.2.1", 22, "root", "pw")
	if err == nil {
		t.Fatal("expected an error dialing an unreachable host")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected the context deadline to bound the dial, took %s", elapsed)
	}
}
