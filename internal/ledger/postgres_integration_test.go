//go:build integration

package ledger_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/hostdomains/internal/ledger"
	"github.com/jmerrifield20/hostdomains/internal/testutil/containers"
)

func TestPostgresLedger_RoundTripVerifies(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	l := ledger.NewPostgres(pg.Pool, zap.NewNop())

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != ledger.GenesisHash {
		t.Fatalf("fresh ledger root: got %q", root)
	}

	for _, action := range []string{ledger.ActionCreate, ledger.ActionVerify, ledger.ActionRetry} {
		if _, err := l.Append(ctx, "d1", action, "acct-1", map[string]string{"a": action}); err != nil {
			t.Fatalf("Append %s: %v", action, err)
		}
	}
	if err := l.Verify(ctx); err != nil {
		t.Fatalf("Verify after round trip: %v", err)
	}
	if _, err := l.Append(ctx, "d2", ledger.ActionCreate, "acct-2", nil); err != nil {
		t.Fatalf("Append d2: %v", err)
	}
	h, err := l.History(ctx, "d1")
	if err != nil || len(h) != 3 {
		t.Fatalf("History = %d entries, %v", len(h), err)
	}
	for i, e := range h {
		if e.Seq != i+1 {
			t.Errorf("History[%d].Seq = %d", i, e.Seq)
		}
	}
	if err := l.Verify(ctx); err != nil {
		t.Fatalf("Verify with two domains: %v", err)
	}
	n, _ := l.Len(ctx)
	if n != 5 {
		t.Errorf("Len: got %d, want 5", n)
	}
}
