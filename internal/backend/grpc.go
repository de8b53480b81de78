package backend

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ============================================================================
// gRPC 傳輸
// ============================================================================
//
// 服務只有一個 unary 方法，請求與回應都是 google.protobuf.Struct：
//
//	service ExecutionBackend {
//	  rpc Execute(google.protobuf.Struct) returns (google.protobuf.Struct);
//	}
//
// 欄位名稱與 HTTP 後端的 JSON 一致（job_id, swarm_id, title ...）。

const (
	serviceName   = "swarmmarket.execution.v1.ExecutionBackend"
	executeMethod = "/" + serviceName + "/Execute"
)

// maxExactFloat float64 能精確表示的最大整數
const maxExactFloat = 1 << 53

type executionServer interface {
	Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*executionServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "swarmmarket/execution/v1/backend.proto",
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(executionServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: executeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(executionServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Server
// ============================================================================

// Server 將任一 Backend 實作以 gRPC 對外提供
type Server struct {
	backend Backend
	log     *slog.Logger
}

// NewServer 建立 gRPC 後端服務
func NewServer(b Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: b, log: logger}
}

// Register 將服務註冊到 gRPC server
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Execute handles the Execute RPC.
func (s *Server) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.log.Info("Executing job", "jobID", req.JobID, "swarmID", req.SwarmID)
	result, err := s.backend.Execute(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Errorf(codes.Internal, "execute job %s: %v", req.JobID, err)
	}
	if !result.Success {
		s.log.Warn("Job execution failed", "jobID", req.JobID, "detail", result.ErrorDetail)
	}

	out, err := encodeResult(result)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ============================================================================
// Client
// ============================================================================

// GRPCClient 透過 gRPC 呼叫遠端執行後端
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewGRPCClient 建立連線；連線是延遲建立的，第一次呼叫時才真正撥號
func NewGRPCClient(addr string, timeout time.Duration) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to execution backend: %w", err)
	}
	return &GRPCClient{conn: conn, timeout: timeout}, nil
}

// Execute 呼叫遠端後端；timeout > 0 時另外限制單次呼叫時間
func (c *GRPCClient) Execute(ctx context.Context, req Request) (*types.ExecutionResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	in, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, executeMethod, in, out); err != nil {
		return nil, fmt.Errorf("rpc execute failed: %w", err)
	}
	return decodeResult(out)
}

// Close 關閉連線
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// ============================================================================
// Struct 編解碼
// ============================================================================

func encodeRequest(req Request) (*structpb.Struct, error) {
	members := make([]interface{}, 0, len(req.Members))
	for _, m := range req.Members {
		members = append(members, map[string]interface{}{
			"address": m.Address,
			"role":    m.Role,
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"job_id":       string(req.JobID),
		"swarm_id":     string(req.SwarmID),
		"title":        req.Title,
		"description":  req.Description,
		"requirements": req.Requirements,
		"members":      members,
	})
}

func decodeRequest(in *structpb.Struct) (Request, error) {
	f := in.GetFields()
	req := Request{
		JobID:        types.JobID(f["job_id"].GetStringValue()),
		SwarmID:      types.SwarmID(f["swarm_id"].GetStringValue()),
		Title:        f["title"].GetStringValue(),
		Description:  f["description"].GetStringValue(),
		Requirements: f["requirements"].GetStringValue(),
	}
	if req.JobID == "" {
		return Request{}, fmt.Errorf("job_id is required")
	}
	for _, v := range f["members"].GetListValue().GetValues() {
		mf := v.GetStructValue().GetFields()
		req.Members = append(req.Members, types.Member{
			Address: mf["address"].GetStringValue(),
			Role:    mf["role"].GetStringValue(),
		})
	}
	return req, nil
}

func encodeResult(r *types.ExecutionResult) (*structpb.Struct, error) {
	contributions := make([]interface{}, 0, len(r.Contributions))
	for _, c := range r.Contributions {
		if c.ExecutionTimeMillis > maxExactFloat {
			return nil, fmt.Errorf("execution time %d for %s is too large", c.ExecutionTimeMillis, c.Address)
		}
		contributions = append(contributions, map[string]interface{}{
			"address":           c.Address,
			"execution_time_ms": float64(c.ExecutionTimeMillis),
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"success":            r.Success,
		"result_fingerprint": r.ResultFingerprint,
		"error_detail":       r.ErrorDetail,
		"output":             r.Output,
		"contributions":      contributions,
	})
}

func decodeResult(out *structpb.Struct) (*types.ExecutionResult, error) {
	f := out.GetFields()
	r := &types.ExecutionResult{
		Success:           f["success"].GetBoolValue(),
		ResultFingerprint: f["result_fingerprint"].GetStringValue(),
		ErrorDetail:       f["error_detail"].GetStringValue(),
		Output:            f["output"].GetStringValue(),
	}
	for _, v := range f["contributions"].GetListValue().GetValues() {
		cf := v.GetStructValue().GetFields()
		ms := cf["execution_time_ms"].GetNumberValue()
		if ms < 0 || ms > maxExactFloat || ms != math.Trunc(ms) {
			return nil, fmt.Errorf("invalid execution_time_ms %v", ms)
		}
		r.Contributions = append(r.Contributions, types.Contribution{
			Address:             cf["address"].GetStringValue(),
			ExecutionTimeMillis: uint64(ms),
		})
	}
	return r, nil
}
