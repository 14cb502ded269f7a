package rpcapi

import (
	"errors"
	"strings"

	"github.com/nimbusvault/vraft/pkg/vaultraft"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// grpcCode maps a domain error kind onto the nearest standard gRPC
// status code, since nothing here carries a generated Status proto to
// attach rich error details to.
func grpcCode(kind vaultraft.Kind) codes.Code {
	switch kind {
	case vaultraft.KindNotRegistered, vaultraft.KindVersionConflict:
		return codes.FailedPrecondition
	case vaultraft.KindAlreadyRegistered:
		return codes.AlreadyExists
	case vaultraft.KindBadNonce, vaultraft.KindBadSignature:
		return codes.Unauthenticated
	case vaultraft.KindNotFound:
		return codes.NotFound
	case vaultraft.KindNotLeader:
		return codes.FailedPrecondition
	case vaultraft.KindUnavailable:
		return codes.Unavailable
	case vaultraft.KindResourceExhausted:
		return codes.ResourceExhausted
	case vaultraft.KindInvalidArgument:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// encodeStatus packs a StatusError's Kind and LeaderHint into the
// gRPC status message so the client can reconstruct it exactly;
// fields are joined with a separator that never appears in a Kind.
func encodeStatus(e *vaultraft.StatusError) error {
	msg := string(e.Kind) + "\x1f" + e.LeaderHint + "\x1f" + e.Message
	return status.Error(grpcCode(e.Kind), msg)
}

// ToGRPCError converts a domain error into a gRPC status error for
// the wire. Errors that are not a *vaultraft.StatusError pass through
// status.Convert's default (codes.Unknown) unchanged.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var se *vaultraft.StatusError
	if errors.As(err, &se) {
		return encodeStatus(se)
	}
	return err
}

// FromGRPCError reverses ToGRPCError on the client side, reconstructing
// the original *vaultraft.StatusError including its Kind and LeaderHint.
func FromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	parts := strings.SplitN(st.Message(), "\x1f", 3)
	if len(parts) != 3 {
		return err
	}
	return &vaultraft.StatusError{
		Kind:       vaultraft.Kind(parts[0]),
		LeaderHint: parts[1],
		Message:    parts[2],
	}
}
