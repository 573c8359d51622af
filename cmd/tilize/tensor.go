package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tilize/internal/engine"
	"github.com/23skdu/longbow-tilize/internal/format"
	"github.com/23skdu/longbow-tilize/internal/geometry"
	"github.com/23skdu/longbow-tilize/internal/shuffle"
	"github.com/23skdu/longbow-tilize/internal/tensor"
)

// tensorFlags select the host tensor of a command: an Arrow IPC file or a
// random tensor of a given shape.
type tensorFlags struct {
	path    string
	shape   string
	format  string
	seed    uint64
	queues  []string
	stride  int
	kernel  string
	ramSlot int
}

func (f *tensorFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.path, "tensor", "", "Arrow IPC file holding the host tensor")
	fs.StringVar(&f.shape, "shape", "1x1x32x32", "Shape WxZxRxC of a random tensor when --tensor is unset")
	fs.StringVar(&f.format, "host-format", "Float32", "Data format of a random tensor")
	fs.Uint64Var(&f.seed, "seed", 1, "Random tensor seed")
	fs.StringSliceVar(&f.queues, "queue", nil, "Queue families to push (default all)")
	fs.IntVar(&f.stride, "shuffle-stride", 0, "Space-to-depth stride applied before the push (0 disables)")
	fs.StringVar(&f.kernel, "shuffle-kernel", "1x1", "Convolution kernel RxC for the shuffle")
	fs.IntVar(&f.ramSlot, "ram-slot", 0, "Slot random-access queues are written at")
}

func (f *tensorFlags) load() (tensor.View, error) {
	if f.path != "" {
		file, err := os.Open(f.path)
		if err != nil {
			return tensor.View{}, err
		}
		defer file.Close()
		return tensor.ReadIPC(file)
	}
	shape, err := parseDims(f.shape, 4)
	if err != nil {
		return tensor.View{}, err
	}
	df, err := format.Parse(f.format)
	if err != nil {
		return tensor.View{}, err
	}
	return randomTensor([4]int(shape), df, f.seed)
}

func (f *tensorFlags) shuffleOptions() (*engine.ShuffleOptions, error) {
	if f.stride == 0 {
		return nil, nil
	}
	k, err := parseDims(f.kernel, 2)
	if err != nil {
		return nil, err
	}
	return &engine.ShuffleOptions{Stride: f.stride, Kernel: shuffle.Kernel{Rows: k[0], Cols: k[1]}}, nil
}

// pushShape is the shape the queues see: the shuffled shape when a
// shuffle is requested.
func pushShape(v tensor.View, sh *engine.ShuffleOptions) ([4]int, error) {
	if sh == nil {
		return v.Shape, nil
	}
	c, err := shuffle.NewContext(shuffle.Key{Shape: v.Shape, ItemSize: v.Format.ItemSize(), Stride: sh.Stride, Kernel: sh.Kernel})
	if err != nil {
		return [4]int{}, err
	}
	return c.Out, nil
}

// selectQueues returns the named descriptors, or all of them.
func selectQueues(all []*geometry.Descriptor, names []string) ([]*geometry.Descriptor, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]*geometry.Descriptor, len(all))
	for _, d := range all {
		byName[d.Name] = d
	}
	out := make([]*geometry.Descriptor, 0, len(names))
	for _, n := range names {
		d, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown queue %q", n)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseDims(s string, n int) ([]int, error) {
	parts := strings.Split(s, "x")
	if len(parts) != n {
		return nil, fmt.Errorf("dims %q: want %d values separated by x", s, n)
	}
	out := make([]int, n)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("dims %q: bad value %q", s, p)
		}
		out[i] = v
	}
	return out, nil
}

// randomTensor fills a tensor with values in [-4, 4) for float formats and
// random bytes otherwise.
func randomTensor(shape [4]int, f format.DataFormat, seed uint64) (tensor.View, error) {
	v := tensor.New(shape, f)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	switch f {
	case format.Float32:
		for i := 0; i < v.NumElements(); i++ {
			binary.LittleEndian.PutUint32(v.Data[4*i:], math.Float32bits(rng.Float32()*8-4))
		}
	default:
		for i := range v.Data {
			v.Data[i] = byte(rng.UintN(256))
		}
	}
	return v, v.Validate()
}
