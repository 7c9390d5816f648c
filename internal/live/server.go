package live

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName        = "marketstream.v1.QuoteStream"
	streamQuotesMethod = "/" + serviceName + "/StreamQuotes"
)

// QuoteStreamServer is implemented by Server.
type QuoteStreamServer interface {
	StreamQuotes(req *structpb.Struct, ss grpc.ServerStream) error
}

// quoteStreamDesc describes the QuoteStream service. Messages are
// google.protobuf.Struct so no generated code is needed.
var quoteStreamDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*QuoteStreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamQuotes",
			Handler:       streamQuotesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "marketstream/v1/quote_stream.proto",
}

func streamQuotesHandler(srv any, ss grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := ss.RecvMsg(req); err != nil {
		return err
	}
	return srv.(QuoteStreamServer).StreamQuotes(req, ss)
}

var _ QuoteStreamServer = (*Server)(nil)

// Server implements the StreamQuotes gRPC endpoint.
type Server struct {
	streamer Streamer
	log      *slog.Logger
}

// NewServer creates a gRPC server backed by the given streamer.
func NewServer(streamer Streamer, log *slog.Logger) *Server {
	return &Server{streamer: streamer, log: log}
}

// RegisterGRPC registers the server on the given gRPC server instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&quoteStreamDesc, s)
}

// StreamQuotes follows the requested symbols through a dedicated View. The
// first messages are the current status and any cached quotes; after that
// every change is streamed. The stream ends when the client disconnects.
func (s *Server) StreamQuotes(req *structpb.Struct, ss grpc.ServerStream) error {
	opts := OptionsFromStruct(req)

	view := NewView(s.streamer, s.log)
	defer view.Close()

	subID, ch := view.Subscribe(4096)
	view.Update(opts)

	s.log.Info("grpc client subscribed", "subID", subID,
		"stocks", len(opts.StockSymbols), "crypto", len(opts.CryptoSymbols))

	ctx := ss.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case c, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := structpb.NewStruct(ChangeToMap(c))
			if err != nil {
				s.log.Warn("encoding change", "error", err)
				continue
			}
			if err := ss.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}
