package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ChatSendMethod is the full gRPC method name of the chat service.
// Requests and replies are google.protobuf.Struct messages carrying the
// same fields as the JSON chat endpoint.
const ChatSendMethod = "/changeassist.v1.ChatService/Send"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCChatConfig holds configuration for the gRPC chat transport.
type GRPCChatConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCChatConfig returns default configuration for the given address.
func DefaultGRPCChatConfig(addr string) GRPCChatConfig {
	return GRPCChatConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   60 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCChat sends chat messages over gRPC instead of HTTP.
type GRPCChat struct {
	conn           *grpc.ClientConn
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewGRPCChat connects to the chat service and waits until the channel is ready.
func NewGRPCChat(cfg GRPCChatConfig, logger *slog.Logger, extra ...grpc.DialOption) (*GRPCChat, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chat service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("chat service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to chat service over gRPC", "address", cfg.Address)

	return &GRPCChat{
		conn:           conn,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Chat sends a free-form message with the prior history.
func (c *GRPCChat) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("chat: encode request: %w", err)
	}

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ChatSendMethod, in, out); err != nil {
		c.logger.Warn("gRPC chat call failed", "error", err)
		return nil, fmt.Errorf("chat: %w", err)
	}

	var reply ChatReply
	if err := fromStruct(out, &reply); err != nil {
		return nil, fmt.Errorf("chat: decode reply: %w", err)
	}
	return &reply, nil
}

// Close closes the gRPC connection.
func (c *GRPCChat) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
