package attack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region methods
// The attack service speaks google.protobuf.Struct on both sides so no
// generated stubs are needed.
const (
	MethodEvaluateClean = "/robusteval.v1.AttackService/EvaluateClean"
	MethodRunAttack     = "/robusteval.v1.AttackService/RunAttack"
)

const (
	defaultMaxRetries = 2
	defaultBackoff    = 500 * time.Millisecond
)

// ErrMalformedResponse is returned when the service answers with an
// unexpected message shape.
var ErrMalformedResponse = errors.New("malformed attack service response")

// #endregion methods

// #region types
// CleanResult holds the response from an EvaluateClean call.
type CleanResult struct {
	Accuracy float64
	Correct  []bool
}

// #endregion types

// #region client-struct
// Client wraps the gRPC connection to the attack service that hosts the
// model and the attack implementations.
type Client struct {
	conn        *grpc.ClientConn
	cc          grpc.ClientConnInterface
	maxRetries  int
	backoff     time.Duration
	callTimeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxRetries sets how often transient failures are retried.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the pause between retries.
func WithBackoff(d time.Duration) ClientOption {
	return func(c *Client) { c.backoff = d }
}

// WithCallTimeout bounds each attempt. Zero means no per-call bound.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.callTimeout = d }
}

// #endregion client-struct

// #region constructor
// NewClient connects to the attack service at addr.
func NewClient(addr string, opts ...ClientOption) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	c := NewClientWithConn(conn, opts...)
	c.conn = conn
	return c, nil
}

// NewClientWithConn creates a Client over an existing connection.
// Used for testing without a real gRPC server.
func NewClientWithConn(cc grpc.ClientConnInterface, opts ...ClientOption) *Client {
	c := &Client{
		cc:         cc,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// #endregion constructor

// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #region evaluate-clean
// EvaluateClean asks the service for the model's per-sample correctness
// on unperturbed inputs.
func (c *Client) EvaluateClean(ctx context.Context) (CleanResult, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, MethodEvaluateClean, req, resp); err != nil {
		return CleanResult{}, fmt.Errorf("evaluate clean rpc: %w", err)
	}

	correct, err := boolList(resp, "correct")
	if err != nil {
		return CleanResult{}, err
	}
	accVal, ok := resp.GetFields()["accuracy"]
	if !ok {
		return CleanResult{}, fmt.Errorf("%w: missing accuracy", ErrMalformedResponse)
	}
	if _, isNum := accVal.GetKind().(*structpb.Value_NumberValue); !isNum {
		return CleanResult{}, fmt.Errorf("%w: accuracy is not a number", ErrMalformedResponse)
	}
	return CleanResult{Accuracy: accVal.GetNumberValue(), Correct: correct}, nil
}

// #endregion evaluate-clean

// #region run-attack
// RunAttack runs attackID against the given sample indices and returns
// one verdict per index, true meaning the sample resisted the attack.
func (c *Client) RunAttack(ctx context.Context, attackID string, indices []int) ([]bool, error) {
	idx := make([]interface{}, len(indices))
	for i, v := range indices {
		idx[i] = v
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"attack":  attackID,
		"indices": idx,
	})
	if err != nil {
		return nil, fmt.Errorf("build run attack request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.invoke(ctx, MethodRunAttack, req, resp); err != nil {
		return nil, fmt.Errorf("run attack %s rpc: %w", attackID, err)
	}

	robust, err := boolList(resp, "robust")
	if err != nil {
		return nil, err
	}
	if len(robust) != len(indices) {
		return nil, fmt.Errorf("%w: attack %s returned %d verdicts for %d samples",
			ErrMalformedResponse, attackID, len(robust), len(indices))
	}
	return robust, nil
}

// #endregion run-attack

// #region invoke
func (c *Client) invoke(ctx context.Context, method string, req, resp *structpb.Struct) error {
	for attempt := 0; ; attempt++ {
		err := c.invokeOnce(ctx, method, req, resp)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt >= c.maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
		resp.Reset()
	}
}

func (c *Client) invokeOnce(ctx context.Context, method string, req, resp *structpb.Struct) error {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}
	return c.cc.Invoke(ctx, method, req, resp)
}

// retryable reports whether a failure is worth another attempt.
func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	}
	return false
}

// #endregion invoke

// #region helpers
func boolList(s *structpb.Struct, key string) ([]bool, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedResponse, key)
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: %s is not a list", ErrMalformedResponse, key)
	}
	out := make([]bool, len(list.GetValues()))
	for i, item := range list.GetValues() {
		b, isBool := item.GetKind().(*structpb.Value_BoolValue)
		if !isBool {
			return nil, fmt.Errorf("%w: %s[%d] is not a bool", ErrMalformedResponse, key, i)
		}
		out[i] = b.BoolValue
	}
	return out, nil
}

// #endregion helpers
