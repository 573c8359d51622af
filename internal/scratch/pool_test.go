package scratch

import (
	"testing"

	"github.com/23skdu/longbow-tilize/internal/format"
	"github.com/23skdu/longbow-tilize/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPoolReuse(t *testing.T) {
	p := NewPool()
	defer p.Free()

	k := Key{Use: "staging", Name: "act", Format: format.Bfp8_b, Shape: [4]int{2, 1, 32, 32}}
	b1, fresh := p.Get(k, 1024)
	if !fresh || len(b1) != 1024 {
		t.Fatalf("first Get: len %d fresh %v", len(b1), fresh)
	}
	b1[0] = 7

	b2, fresh := p.Get(k, 512)
	if fresh {
		t.Error("second Get should reuse")
	}
	if len(b2) != 512 || b2[0] != 7 {
		t.Errorf("reused buffer len %d first byte %d", len(b2), b2[0])
	}

	other := k
	other.Index = 1
	if _, fresh := p.Get(other, 64); !fresh {
		t.Error("worker 1 must get its own buffer")
	}
	if p.Len() != 2 || p.Bytes() != 1024+64 {
		t.Errorf("Len %d Bytes %d", p.Len(), p.Bytes())
	}
}

func TestPoolGrowsAndFrees(t *testing.T) {
	p := NewPool()
	k := Key{Use: "shuffle_out"}
	p.Get(k, 100)
	if _, fresh := p.Get(k, 200); !fresh {
		t.Error("larger request should reallocate")
	}
	if p.Bytes() != 200 {
		t.Errorf("Bytes = %d, want 200", p.Bytes())
	}
	if got := testutil.ToFloat64(metrics.StagingBytes); got != 200 {
		t.Errorf("staging gauge = %v, want 200", got)
	}
	p.Free()
	if p.Bytes() != 0 || p.Len() != 0 {
		t.Errorf("after Free: Bytes %d Len %d", p.Bytes(), p.Len())
	}
}
