package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName   = "fep.transport.v1.Participant"
	deliverMethod = "/" + serviceName + "/Deliver"

	mdKind     = "fep-kind"
	mdSignal   = "fep-signal"
	mdSender   = "fep-sender"
	mdReceiver = "fep-receiver"
	mdTime     = "fep-time"
	mdMsgKind  = "fep-message-kind"
)

// participantServer is the server side of the participant service.
type participantServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(participantServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(participantServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var participantServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*participantServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fep/transport/v1/participant.proto",
}

// GrpcConfig configures a GrpcAdapter.
type GrpcConfig struct {
	Name        string
	ListenAddr  string
	Peers       []string
	CallTimeout time.Duration
}

// GrpcAdapter is a participant adapter that reaches its peers over gRPC.
// Published envelopes are delivered locally and sent to every peer.
type GrpcAdapter struct {
	*core

	config GrpcConfig
	logger *slog.Logger

	server *grpc.Server
	lis    net.Listener

	// Cache connections to peers to avoid reconnecting every time
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGrpcAdapter creates an adapter; call Start to accept deliveries.
func NewGrpcAdapter(cfg GrpcConfig) *GrpcAdapter {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 100 * time.Millisecond
	}
	a := &GrpcAdapter{
		config: cfg,
		logger: slog.With("component", "grpc-transport", "participant", cfg.Name),
		conns:  make(map[string]*grpc.ClientConn),
	}
	a.core = newCore(cfg.Name, a.publish)
	return a
}

// Start listens on the configured address and serves deliveries.
func (a *GrpcAdapter) Start() error {
	lis, err := net.Listen("tcp", a.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.config.ListenAddr, err)
	}
	a.lis = lis
	a.server = grpc.NewServer()
	a.server.RegisterService(&participantServiceDesc, a)

	go func() {
		if err := a.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.logger.Error("grpc server stopped", "error", err)
		}
	}()
	a.logger.Info("grpc transport listening", "addr", lis.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (a *GrpcAdapter) Addr() string {
	if a.lis == nil {
		return a.config.ListenAddr
	}
	return a.lis.Addr().String()
}

// AddPeer adds a peer address at runtime.
func (a *GrpcAdapter) AddPeer(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.Peers = append(a.config.Peers, addr)
}

// Close stops the server, closes peer connections and the local dispatcher.
func (a *GrpcAdapter) Close() error {
	if a.server != nil {
		a.server.GracefulStop()
	}
	a.mu.Lock()
	for addr, conn := range a.conns {
		conn.Close()
		delete(a.conns, addr)
	}
	a.mu.Unlock()
	a.d.close()
	return nil
}

// Deliver receives one envelope from a peer.
func (a *GrpcAdapter) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, fmt.Errorf("missing delivery metadata")
	}
	env, err := decodeEnvelope(md, in.GetValue())
	if err != nil {
		return nil, err
	}
	a.receive(env)
	return &emptypb.Empty{}, nil
}

func (a *GrpcAdapter) publish(env envelope) error {
	a.receive(env)

	a.mu.Lock()
	peers := append([]string(nil), a.config.Peers...)
	a.mu.Unlock()

	var errs []error
	for _, peer := range peers {
		if err := a.send(peer, env); err != nil {
			errs = append(errs, fmt.Errorf("deliver to %s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

func (a *GrpcAdapter) conn(peer string) (*grpc.ClientConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conn, ok := a.conns[peer]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(peer, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s: %w", peer, err)
	}
	a.conns[peer] = conn
	return conn, nil
}

func (a *GrpcAdapter) send(peer string, env envelope) error {
	conn, err := a.conn(peer)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.config.CallTimeout)
	defer cancel()

	ctx, payload := encodeEnvelope(ctx, env)
	return conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(payload), new(emptypb.Empty))
}

func encodeEnvelope(ctx context.Context, env envelope) (context.Context, []byte) {
	switch env.kind {
	case kindData:
		ctx = metadata.AppendToOutgoingContext(ctx,
			mdKind, "data",
			mdSignal, env.sample.Signal,
			mdSender, env.sample.Sender,
			mdTime, strconv.FormatInt(env.sample.Time, 10))
		return ctx, env.sample.Data
	case kindCommand, kindNotification:
		k := "command"
		if env.kind == kindNotification {
			k = "notification"
		}
		ctx = metadata.AppendToOutgoingContext(ctx,
			mdKind, k,
			mdMsgKind, env.msg.Kind,
			mdSender, env.msg.Sender,
			mdReceiver, env.msg.Receiver)
		return ctx, env.msg.Body
	}
	return ctx, nil
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func decodeEnvelope(md metadata.MD, payload []byte) (envelope, error) {
	switch first(md, mdKind) {
	case "data":
		t, err := strconv.ParseInt(first(md, mdTime), 10, 64)
		if err != nil {
			return envelope{}, fmt.Errorf("bad sample time: %w", err)
		}
		return envelope{kind: kindData, sample: Sample{
			Signal: first(md, mdSignal),
			Sender: first(md, mdSender),
			Time:   t,
			Data:   payload,
		}}, nil
	case "command", "notification":
		k := kindCommand
		if first(md, mdKind) == "notification" {
			k = kindNotification
		}
		return envelope{kind: k, msg: Message{
			Kind:     first(md, mdMsgKind),
			Sender:   first(md, mdSender),
			Receiver: first(md, mdReceiver),
			Body:     payload,
		}}, nil
	}
	return envelope{}, fmt.Errorf("unknown delivery kind %q", first(md, mdKind))
}
