package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-tilize/internal/engine"
	"github.com/23skdu/longbow-tilize/internal/geometry"
	"github.com/23skdu/longbow-tilize/internal/logger"
	"github.com/23skdu/longbow-tilize/internal/queue"
	"github.com/23skdu/longbow-tilize/internal/tensor"
)

// Observer is told the outcome of every push the server runs.
type Observer interface {
	ObservePush(res *engine.Result, err error)
}

type Options struct {
	// Timeout applies to requests that do not carry their own.
	Timeout         time.Duration
	MaxMessageBytes int
	Observer        Observer
}

// Server is a Flight service that only implements DoPut.
type Server struct {
	flight.BaseFlightServer

	eng    *engine.Engine
	queues map[string]*geometry.Descriptor
	opts   Options
	mem    memory.Allocator
	srv    flight.Server
}

func NewServer(eng *engine.Engine, descs []*geometry.Descriptor, opts Options) *Server {
	queues := make(map[string]*geometry.Descriptor, len(descs))
	for _, d := range descs {
		queues[d.Name] = d
	}
	return &Server{eng: eng, queues: queues, opts: opts, mem: memory.NewGoAllocator()}
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	var opts []grpc.ServerOption
	if s.opts.MaxMessageBytes > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(s.opts.MaxMessageBytes), grpc.MaxSendMsgSize(s.opts.MaxMessageBytes))
	}
	s.srv = flight.NewServerWithMiddleware(nil, opts...)
	if err := s.srv.Init(addr); err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.srv.RegisterFlightService(s)
	go func() {
		if err := s.srv.Serve(); err != nil {
			logger.Log.Error("Flight server stopped", "error", err)
		}
	}()
	logger.Log.Info("Flight ingest listening", "addr", s.srv.Addr().String(), "queues", len(s.queues))
	return nil
}

func (s *Server) Addr() net.Addr { return s.srv.Addr() }

func (s *Server) Stop() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
}

func (s *Server) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "open stream: %v", err)
	}
	defer rdr.Release()

	req, err := ParseDescriptor(rdr.LatestFlightDescriptor())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	descs := make([]*geometry.Descriptor, 0, len(req.Queues))
	for _, name := range req.Queues {
		d, ok := s.queues[name]
		if !ok {
			return status.Errorf(codes.NotFound, "unknown queue %q", name)
		}
		descs = append(descs, d)
	}

	col, err := tensor.NewCollector(rdr.Schema())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	for rdr.Next() {
		if err := col.Add(rdr.Record()); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}
	if err := rdr.Err(); err != nil {
		return status.Errorf(codes.Internal, "read stream: %v", err)
	}
	v, err := col.View()
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.eng.Push(stream.Context(), descs, v, req.options(s.opts.Timeout))
	if s.opts.Observer != nil {
		s.opts.Observer.ObservePush(res, err)
	}
	if err != nil {
		logger.Log.Warn("Ingest push failed", "queues", req.Queues, "error", err)
		return status.Error(pushCode(err), err.Error())
	}
	meta, err := json.Marshal(res)
	if err != nil {
		return status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return stream.Send(&flight.PutResult{AppMetadata: meta})
}

func pushCode(err error) codes.Code {
	switch {
	case errors.Is(err, queue.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, engine.ErrNotInitialized):
		return codes.Unavailable
	case errors.Is(err, geometry.ErrShapeMismatch), errors.Is(err, geometry.ErrUnsupportedFormat),
		errors.Is(err, geometry.ErrInvalidDescriptor), errors.Is(err, tensor.ErrInvalidView):
		return codes.InvalidArgument
	}
	return codes.Internal
}
