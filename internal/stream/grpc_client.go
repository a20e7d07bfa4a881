package stream

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"
)

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// SeriesAck is the unary response of the series submit method.
type SeriesAck struct {
	Accepted int    `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

type GRPCClient struct {
	mu sync.Mutex

	logger    *logrus.Entry
	addr      string
	tlsConfig *tls.Config
	token     string
	method    string
	conn      *grpc.ClientConn
	dialOpts  []grpc.DialOption
}

func NewGRPCClient(addr string, tlsCfg *tls.Config, token, method string, logger *logrus.Entry, opts ...grpc.DialOption) *GRPCClient {
	return &GRPCClient{
		logger:    logger.WithField("transport", "grpc"),
		addr:      addr,
		tlsConfig: tlsCfg,
		token:     token,
		method:    method,
		dialOpts:  opts,
	}
}

func (c *GRPCClient) Name() string { return "grpc" }

func (c *GRPCClient) Send(ctx context.Context, p Payload) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	var ack SeriesAck
	err = conn.Invoke(c.decorateContext(ctx), c.method, &p.Frame, &ack, grpc.UseCompressor(gzip.Name))
	if err != nil {
		return fmt.Errorf("invoke %s: %w", c.method, err)
	}
	if ack.Accepted < p.PointCount {
		return fmt.Errorf("%w: accepted %d of %d points: %s", ErrRejected, ack.Accepted, p.PointCount, ack.Message)
	}
	c.logger.WithField("points", ack.Accepted).Debug("series delivered")
	return nil
}

func (c *GRPCClient) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *GRPCClient) connection() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	var creds credentials.TransportCredentials
	if c.tlsConfig != nil {
		creds = credentials.NewTLS(c.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	}, c.dialOpts...)

	conn, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger.WithField("addr", c.addr).Info("grpc backend connected")
	return conn, nil
}

func (c *GRPCClient) decorateContext(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}
