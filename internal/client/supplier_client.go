package client

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const sendPONotificationMethod = "/supplier.v1.SupplierNotificationService/SendPONotification"

// SupplierGRPCClient calls the supplier notification service. Messages are
// google.protobuf.Struct so no generated stubs are needed.
type SupplierGRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewSupplierGRPCClient dials the supplier notification service.
func NewSupplierGRPCClient(addr string, timeout time.Duration) (*SupplierGRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	)
	if err != nil {
		return nil, err
	}
	return &SupplierGRPCClient{conn: conn, timeout: timeout}, nil
}

// Close releases the underlying gRPC connection.
func (c *SupplierGRPCClient) Close() error {
	return c.conn.Close()
}

// SendPONotification asks the supplier service to deliver the order. The
// response carries a boolean "sent" field.
func (c *SupplierGRPCClient) SendPONotification(ctx context.Context, poID, eventType string) (bool, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(map[string]any{
		"po_id":      poID,
		"event_type": eventType,
	})
	if err != nil {
		return false, err
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, sendPONotificationMethod, req, resp); err != nil {
		return false, err
	}
	return resp.GetFields()["sent"].GetBoolValue(), nil
}

// LogOnlyNotifier accepts every notification and logs it. It stands in for the
// supplier service when that integration is disabled.
type LogOnlyNotifier struct {
	log zerolog.Logger
}

// NewLogOnlyNotifier creates a LogOnlyNotifier.
func NewLogOnlyNotifier(log zerolog.Logger) *LogOnlyNotifier {
	return &LogOnlyNotifier{log: log}
}

// SendPONotification logs and reports success.
func (n *LogOnlyNotifier) SendPONotification(_ context.Context, poID, eventType string) (bool, error) {
	n.log.Info().Str("po_id", poID).Str("event_type", eventType).Msg("Supplier notification skipped (integration disabled)")
	return true, nil
}
