package shuffle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/23skdu/longbow-tilize/internal/format"
	"github.com/23skdu/longbow-tilize/internal/scratch"
	"github.com/23skdu/longbow-tilize/internal/simd"
	"github.com/23skdu/longbow-tilize/internal/tensor"
	"github.com/23skdu/longbow-tilize/internal/workpool"
)

var k3 = Kernel{Rows: 3, Cols: 3}

func pattern(shape [4]int, f format.DataFormat) tensor.View {
	v := tensor.New(shape, f)
	for i := range v.Data {
		v.Data[i] = byte(i*7 + i/5 + 1)
	}
	return v
}

// reference shuffles element by element from the definition.
func reference(v tensor.View, s int) []byte {
	hp := (v.Shape[tensor.DimR] + s - 1) / s * s
	wp := (v.Shape[tensor.DimC] + s - 1) / s * s
	ho, wo := hp/s, wp/s
	item := v.ItemSize
	out := make([]byte, v.Shape[0]*v.Shape[1]*hp*wp*item)
	for w := 0; w < v.Shape[0]; w++ {
		for z := 0; z < v.Shape[1]; z++ {
			for y := 0; y < v.Shape[2]; y++ {
				for x := 0; x < v.Shape[3]; x++ {
					plane := z*s*s + (y%s)*s + x%s
					d := (((w*v.Shape[1]*s*s+plane)*ho+y/s)*wo + x/s) * item
					src := v.Offset(w, z, y, x)
					copy(out[d:d+item], v.Data[src:src+item])
				}
			}
		}
	}
	return out
}

func TestShuffleMatchesReference(t *testing.T) {
	formats := []format.DataFormat{format.RawUInt8, format.Float16, format.Float32}
	for _, f := range formats {
		for _, s := range []int{1, 2, 3, 4, 5} {
			for _, lanes := range []int{4, 16} {
				t.Run(fmt.Sprintf("%v/s%d/w%d", f, s, lanes), func(t *testing.T) {
					defer simd.SetWidth(lanes)()
					v := pattern([4]int{2, 3, 13, 37}, f)
					sh := New(nil, 4)
					out, err := sh.Shuffle(context.Background(), v, s, k3)
					if err != nil {
						t.Fatal(err)
					}
					if !bytes.Equal(out.Data, reference(v, s)) {
						t.Error("shuffled bytes differ from reference")
					}
					want := [4]int{2, 3 * s * s, (13 + s - 1) / s, (37 + s - 1) / s}
					if out.Shape != want {
						t.Errorf("shape = %v, want %v", out.Shape, want)
					}
				})
			}
		}
	}
}

func TestPaddingDeterminism(t *testing.T) {
	for _, s := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("s%d", s), func(t *testing.T) {
			shape := [4]int{2, 2, 9, 11}
			v := pattern(shape, format.Float32)
			sh := New(scratch.NewPool(), 3)

			got, err := sh.Shuffle(context.Background(), v, s, k3)
			if err != nil {
				t.Fatal(err)
			}
			first := bytes.Clone(got.Data)

			padShape := shape
			padShape[2] = alignUp(shape[2], s)
			padShape[3] = alignUp(shape[3], s)
			manual := tensor.New(padShape, format.Float32)
			for w := 0; w < shape[0]; w++ {
				for z := 0; z < shape[1]; z++ {
					for r := 0; r < shape[2]; r++ {
						copy(manual.Row(w, z, r)[:shape[3]*4], v.Row(w, z, r)[:shape[3]*4])
					}
				}
			}
			want, err := sh.Shuffle(context.Background(), manual, s, k3)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(first, want.Data) {
				t.Error("padded shuffle differs from shuffle of zero-padded tensor")
			}
		})
	}
}

func TestOddWidthTailUsesScalarMap(t *testing.T) {
	defer simd.SetWidth(4)()
	for _, width := range []int{5, 17, 33} {
		t.Run(fmt.Sprint(width), func(t *testing.T) {
			c, err := NewContext(Key{Shape: [4]int{1, 1, 6, width}, ItemSize: 4, Stride: 2, Kernel: k3})
			if err != nil {
				t.Fatal(err)
			}
			last := width - 1
			if c.VecCols > last {
				t.Fatalf("VecCols %d covers final column %d", c.VecCols, last)
			}
			wp := c.Padded[3]
			for y := 0; y < c.Padded[2]; y++ {
				var found bool
				for _, p := range c.Scalar {
					if int(p.Src) == y*wp+last {
						found = true
						if int(p.Dst) != c.Dst(y, last) {
							t.Errorf("row %d: scalar dst %d, generic %d", y, p.Dst, c.Dst(y, last))
						}
					}
				}
				if !found {
					t.Errorf("row %d: final column not in scalar map", y)
				}
			}
			for _, p := range c.Scalar {
				if int(p.Src)%wp < c.VecCols {
					t.Errorf("vector column %d in scalar map", int(p.Src)%wp)
				}
			}
		})
	}
}

func TestTableIsPermutation(t *testing.T) {
	c, err := NewContext(Key{Shape: [4]int{1, 1, 12, 20}, ItemSize: 2, Stride: 4, Kernel: k3})
	if err != nil {
		t.Fatal(err)
	}
	seen := make([]bool, len(c.Table))
	for i, d := range c.Table {
		if seen[d] {
			t.Fatalf("offset %d hit twice (src %d)", d, i)
		}
		seen[d] = true
	}
	if c.NeedsPad {
		t.Error("12x20 is already aligned to 4")
	}
	if c.ConvRows != 3 || c.ConvCols != 5 {
		t.Errorf("conv dims %dx%d, want 3x5", c.ConvRows, c.ConvCols)
	}
}

func TestContextCache(t *testing.T) {
	defer simd.SetWidth(8)()
	sh := New(nil, 1)
	k := Key{Shape: [4]int{1, 1, 4, 4}, ItemSize: 4, Stride: 2, Kernel: k3}
	a, _ := sh.Context(k)
	b, _ := sh.Context(k)
	if a != b {
		t.Error("context not reused")
	}
	restore := simd.SetWidth(16)
	c, _ := sh.Context(k)
	restore()
	if c == a {
		t.Error("context survived a vector width change")
	}
}

func TestInvalidParams(t *testing.T) {
	tests := []Key{
		{Shape: [4]int{1, 1, 4, 4}, ItemSize: 4, Stride: 0, Kernel: k3},
		{Shape: [4]int{1, 1, 4, 4}, ItemSize: 4, Stride: 2},
		{Shape: [4]int{1, 0, 4, 4}, ItemSize: 4, Stride: 2, Kernel: k3},
	}
	for i, k := range tests {
		if _, err := NewContext(k); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("case %d: err = %v", i, err)
		}
	}
}

func TestShuffleCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := pattern([4]int{1, 4, 7, 7}, format.Float32)
	if _, err := New(nil, 2).Shuffle(ctx, v, 2, k3); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestShuffleOnWorkerPool(t *testing.T) {
	for _, size := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers%d", size), func(t *testing.T) {
			pool := workpool.New(size)
			defer pool.Close()
			v := pattern([4]int{2, 3, 13, 37}, format.Float16)
			out, err := New(nil, 4).ShuffleOn(context.Background(), pool, v, 2, k3)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(out.Data, reference(v, 2)) {
				t.Error("shuffled bytes differ from reference")
			}
			if pool.Pending() != 0 {
				t.Error("pool not drained")
			}
		})
	}
}
