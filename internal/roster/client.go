package roster

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/runstr/exitfee-saga/internal/coordinator/oplog"
	"github.com/runstr/exitfee-saga/internal/errclass"
	"github.com/runstr/exitfee-saga/internal/pkg/interceptors"
)

// Client calls the roster service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens an instrumented connection to addr. The caller closes it.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(interceptors.PropagateClientInterceptor()),
	)
	if err != nil {
		return nil, fmt.Errorf("roster: dial %s: %w", addr, err)
	}
	return conn, nil
}

// ApplyTeamChange moves userID off fromTeamID and, for a switch, onto
// toTeamID. The idempotency key held in ctx travels with the request.
func (c *Client) ApplyTeamChange(ctx context.Context, userID string, fromTeamID, toTeamID *string) error {
	req := changeToStruct(TeamChange{
		UserID:         userID,
		FromTeamID:     oplog.Deref(fromTeamID),
		ToTeamID:       oplog.Deref(toTeamID),
		IdempotencyKey: interceptors.IdempotencyKey(ctx),
	})

	if err := c.conn.Invoke(ctx, fullMethod(MethodApplyTeamChange), req, new(structpb.Struct)); err != nil {
		return fmt.Errorf("roster: apply team change for %s: %w", userID, mapStatus(err))
	}
	return nil
}

// ValidateTeamSwitch checks the destination team before any money moves.
func (c *Client) ValidateTeamSwitch(ctx context.Context, userID string, fromTeamID, toTeamID *string) error {
	req := changeToStruct(TeamChange{
		UserID:     userID,
		FromTeamID: oplog.Deref(fromTeamID),
		ToTeamID:   oplog.Deref(toTeamID),
	})

	if err := c.conn.Invoke(ctx, fullMethod(MethodValidateTeamSwitch), req, new(structpb.Struct)); err != nil {
		return fmt.Errorf("roster: validate team switch for %s: %w", userID, mapStatus(err))
	}
	return nil
}

// mapStatus joins the matching domain error onto a gRPC status error so
// both errors.Is and status.FromError keep working.
func mapStatus(err error) error {
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch s.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %w", errclass.ErrTeamNotFound, err)
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %w", errclass.ErrTeamFull, err)
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %w", errclass.ErrAlreadyOnTeam, err)
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %w", errclass.ErrUserNotOnTeam, err)
	default:
		return err
	}
}
