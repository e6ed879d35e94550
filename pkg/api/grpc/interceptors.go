package grpc

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/auth"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/observability"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type rankedRequest interface {
	GetRank() int32
	GetJobID() string
}

// AuthInterceptor verifies the bearer token of every call. A token only
// authorises its own rank within its own job.
func AuthInterceptor(secret, jobID string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing authorization header")
		}

		token, err := auth.BearerToken(values[0])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		claims, err := auth.Verify(secret, token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		if claims.Role != auth.RoleRank {
			return nil, status.Errorf(codes.PermissionDenied, "role %q may not join collectives", claims.Role)
		}
		if jobID != "" && claims.JobID != jobID {
			return nil, status.Errorf(codes.PermissionDenied, "token is for job %q", claims.JobID)
		}
		if r, ok := req.(rankedRequest); ok {
			if int(r.GetRank()) != claims.Rank {
				return nil, status.Errorf(codes.PermissionDenied, "token for rank %d used by rank %d", claims.Rank, r.GetRank())
			}
			if r.GetJobID() != claims.JobID {
				return nil, status.Errorf(codes.PermissionDenied, "token for job %q used for job %q", claims.JobID, r.GetJobID())
			}
		}

		return handler(ctx, req)
	}
}

// loggingInterceptor logs every call at debug level and failures at warn
func loggingInterceptor(logger *observability.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fields := map[string]interface{}{
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
			"duration": time.Since(start),
		}
		if r, ok := req.(rankedRequest); ok {
			fields["rank"] = r.GetRank()
		}

		if err != nil {
			fields["error"] = err
			logger.Warn("Call failed", fields)
		} else {
			logger.Debug("Call completed", fields)
		}
		return resp, err
	}
}
