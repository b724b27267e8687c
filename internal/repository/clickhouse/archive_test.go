package clickhouse

import (
	"context"
	"testing"
)

func TestSplitAddr(t *testing.T) {
	got := splitAddr(" ch1:9000, ,ch2:9000 ")
	if len(got) != 2 || got[0] != "ch1:9000" || got[1] != "ch2:9000" {
		t.Fatalf("unexpected addrs: %v", got)
	}
	if got := splitAddr(""); len(got) != 1 || got[0] != "localhost:9000" {
		t.Fatalf("unexpected default: %v", got)
	}
}

func TestNilArchiveIsNoop(t *testing.T) {
	var a *Archive
	if err := a.ArchiveRun(context.Background(), "run", nil, nil); err != nil {
		t.Fatalf("nil archive: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
