package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-tilize/internal/engine"
	"github.com/23skdu/longbow-tilize/internal/tensor"
)

// Client sends tensors to an ingest server.
type Client struct {
	c   flight.Client
	mem memory.Allocator
}

// Dial connects to addr without transport security.
func Dial(addr string, maxMessageBytes int) (*Client, error) {
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if maxMessageBytes > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageBytes), grpc.MaxCallSendMsgSize(maxMessageBytes)))
	}
	c, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{c: c, mem: memory.NewGoAllocator()}, nil
}

func (c *Client) Close() error { return c.c.Close() }

// SendTensor pushes v into the queues named by req and returns the
// server's push result.
func (c *Client) SendTensor(ctx context.Context, req Request, v tensor.View) (*engine.Result, error) {
	desc, err := req.Descriptor()
	if err != nil {
		return nil, err
	}
	stream, err := c.c.DoPut(ctx)
	if err != nil {
		return nil, fmt.Errorf("open DoPut: %w", err)
	}

	rec := tensor.ToRecord(c.mem, v)
	defer rec.Release()
	wr := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.mem))
	wr.SetFlightDescriptor(desc)
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return nil, streamErr(stream, fmt.Errorf("write tensor: %w", err))
	}
	if err := wr.Close(); err != nil {
		return nil, streamErr(stream, fmt.Errorf("close writer: %w", err))
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send: %w", err)
	}

	put, err := stream.Recv()
	if err != nil {
		return nil, err
	}
	var res engine.Result
	if err := json.Unmarshal(put.AppMetadata, &res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &res, nil
}

// streamErr replaces a send-side EOF with the status the server closed the
// stream with.
func streamErr(stream flight.FlightService_DoPutClient, err error) error {
	if !errors.Is(err, io.EOF) {
		return err
	}
	if _, rerr := stream.Recv(); rerr != nil && !errors.Is(rerr, io.EOF) {
		return rerr
	}
	return err
}
