package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/inline/internal/outbox"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/rtclient"
)

var protocolCodes = map[protocol.Code]codes.Code{
	protocol.CodeBadRequest:       codes.InvalidArgument,
	protocol.CodeUnauthenticated:  codes.Unauthenticated,
	protocol.CodeNotFound:         codes.NotFound,
	protocol.CodePermissionDenied: codes.PermissionDenied,
	protocol.CodeInternal:         codes.Internal,
}

// toStatus maps a domain error onto a gRPC status. Errors that already
// carry a status pass through.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	var perr *protocol.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	case errors.Is(err, outbox.ErrMessageNotFound), errors.Is(err, outbox.ErrUnknownTransaction):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, outbox.ErrQueueClosed), errors.Is(err, rtclient.ErrNotConnected):
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	case errors.As(err, &perr):
		code, ok := protocolCodes[perr.Code]
		if !ok {
			code = codes.Unknown
		}
		return grpcstatus.Errorf(code, "%s: %v", op, err)
	}
	return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
}
