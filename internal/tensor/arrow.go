package tensor

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-tilize/internal/format"
)

// Arrow schema metadata keys carrying the tensor description.
const (
	MetaShape  = "tilize.shape"
	MetaFormat = "tilize.format"
	ColumnData = "data"
)

// Schema returns the Arrow schema used to carry a tensor of the given
// shape and format: one binary column, one row per batch entry.
func Schema(shape [4]int, f format.DataFormat) *arrow.Schema {
	dims := make([]string, 4)
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	md := arrow.NewMetadata(
		[]string{MetaShape, MetaFormat},
		[]string{strings.Join(dims, ","), f.String()},
	)
	return arrow.NewSchema([]arrow.Field{{Name: ColumnData, Type: arrow.BinaryTypes.Binary}}, &md)
}

// ToRecord encodes v as an Arrow record. The caller releases the record.
func ToRecord(mem memory.Allocator, v View) arrow.Record {
	v = v.Compact()
	b := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer b.Release()

	entry := v.Strides[DimW]
	for w := 0; w < v.Shape[DimW]; w++ {
		b.Append(v.Data[w*entry : (w+1)*entry])
	}
	col := b.NewArray()
	defer col.Release()

	return array.NewRecord(Schema(v.Shape, v.Format), []arrow.Array{col}, int64(v.Shape[DimW]))
}

// ShapeFromSchema parses the tensor description from schema metadata.
func ShapeFromSchema(s *arrow.Schema) ([4]int, format.DataFormat, error) {
	var shape [4]int
	md := s.Metadata()
	rawShape, ok := md.GetValue(MetaShape)
	if !ok {
		return shape, format.Invalid, fmt.Errorf("schema missing %s metadata", MetaShape)
	}
	rawFmt, ok := md.GetValue(MetaFormat)
	if !ok {
		return shape, format.Invalid, fmt.Errorf("schema missing %s metadata", MetaFormat)
	}
	parts := strings.Split(rawShape, ",")
	if len(parts) != 4 {
		return shape, format.Invalid, fmt.Errorf("shape %q must have 4 dims", rawShape)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return shape, format.Invalid, fmt.Errorf("invalid shape dim %q", p)
		}
		shape[i] = n
	}
	f, err := format.Parse(rawFmt)
	if err != nil {
		return shape, format.Invalid, err
	}
	return shape, f, nil
}

// Collector accumulates records into a single contiguous view.
type Collector struct {
	shape  [4]int
	format format.DataFormat
	data   []byte
	rows   int
}

func NewCollector(s *arrow.Schema) (*Collector, error) {
	shape, f, err := ShapeFromSchema(s)
	if err != nil {
		return nil, err
	}
	if f.ItemSize() == 0 {
		return nil, fmt.Errorf("format %v has no host representation", f)
	}
	size := shape[0] * shape[1] * shape[2] * shape[3] * f.ItemSize()
	return &Collector{shape: shape, format: f, data: make([]byte, 0, size)}, nil
}

// Add appends the batch entries held by rec.
func (c *Collector) Add(rec arrow.Record) error {
	if rec.NumCols() != 1 {
		return fmt.Errorf("expected 1 column, got %d", rec.NumCols())
	}
	col, ok := rec.Column(0).(*array.Binary)
	if !ok {
		return fmt.Errorf("column %q is %s, want binary", ColumnData, rec.Column(0).DataType())
	}
	entry := c.shape[1] * c.shape[2] * c.shape[3] * c.format.ItemSize()
	for i := 0; i < col.Len(); i++ {
		val := col.Value(i)
		if len(val) != entry {
			return fmt.Errorf("entry %d has %d bytes, want %d", c.rows, len(val), entry)
		}
		if c.rows == c.shape[0] {
			return fmt.Errorf("more than %d batch entries", c.shape[0])
		}
		c.data = append(c.data, val...)
		c.rows++
	}
	return nil
}

// View returns the collected tensor once every batch entry arrived.
func (c *Collector) View() (View, error) {
	if c.rows != c.shape[0] {
		return View{}, fmt.Errorf("received %d of %d batch entries", c.rows, c.shape[0])
	}
	return Contiguous(c.shape, c.format, c.data), nil
}

// WriteIPC writes v to w in the Arrow IPC stream format.
func WriteIPC(w io.Writer, v View) error {
	mem := memory.NewGoAllocator()
	rec := ToRecord(mem, v)
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("write record: %w", err)
	}
	return wr.Close()
}

// ReadIPC reads a tensor from an Arrow IPC stream.
func ReadIPC(r io.Reader) (View, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return View{}, fmt.Errorf("open ipc stream: %w", err)
	}
	defer rdr.Release()

	col, err := NewCollector(rdr.Schema())
	if err != nil {
		return View{}, err
	}
	for rdr.Next() {
		if err := col.Add(rdr.Record()); err != nil {
			return View{}, err
		}
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return View{}, fmt.Errorf("read ipc stream: %w", err)
	}
	return col.View()
}
