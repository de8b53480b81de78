// Package api 提供市場的 REST 介面
//
// 所有路由掛在 /api/v1 之下，只做參數解析與錯誤映射，
// 狀態變更全部委派給 Service（controller.Controller）。
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/swarm-market/internal/apperr"
	"github.com/ChuLiYu/swarm-market/internal/controller"
	"github.com/ChuLiYu/swarm-market/internal/jobmanager"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// Service API 依賴的操作集合
type Service interface {
	CreateJob(ctx context.Context, req jobmanager.CreateJobRequest) (*types.Job, error)
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)
	ListJobs(ctx context.Context, status types.JobStatus) ([]*types.Job, error)
	Dispute(ctx context.Context, jobID types.JobID, reason string) (*types.Job, error)
	GetSettlement(ctx context.Context, jobID types.JobID) (*types.Settlement, error)

	SubmitBid(ctx context.Context, req jobmanager.BidRequest) (*types.Bid, error)
	ListBids(ctx context.Context, jobID types.JobID, orderBy jobmanager.BidOrder, order jobmanager.SortDirection) ([]*types.Bid, error)
	GetBid(ctx context.Context, id types.BidID) (*types.Bid, error)
	WithdrawBid(ctx context.Context, bidID types.BidID, owner string) error
	AcceptBid(ctx context.Context, jobID types.JobID, bidID types.BidID, client string) (*types.Job, error)

	RegisterSwarm(ctx context.Context, req jobmanager.RegisterSwarmRequest) (*types.Swarm, error)
	GetSwarm(ctx context.Context, id types.SwarmID) (*types.Swarm, error)
	SetSwarmActive(ctx context.Context, id types.SwarmID, owner string, active bool) (*types.Swarm, error)
	GetAgent(ctx context.Context, address string) (*types.Agent, error)

	UnqueuedAssignments(ctx context.Context) ([]*types.Job, error)
	ReenqueueExecution(ctx context.Context, jobID types.JobID) (types.TaskHandle, error)
	DeadLetters() []types.DeadLetter
	RetryDeadLetter(ctx context.Context, taskID types.TaskID) (types.TaskHandle, error)
	Status() controller.Status
}

// HTTPVerb 路由方法
type HTTPVerb int

const (
	GET HTTPVerb = iota
	POST
	PATCH
)

// route 一條 REST 路由
type route struct {
	Verb    HTTPVerb
	Path    string
	Handler gin.HandlerFunc
}

// Server REST API 伺服器
type Server struct {
	svc    Service
	log    *slog.Logger
	engine *gin.Engine
}

// New 建立 API 伺服器並註冊所有路由
func New(svc Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, log: logger}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/api/v1")
	for _, r := range s.routes() {
		switch r.Verb {
		case GET:
			v1.GET(r.Path, r.Handler)
		case POST:
			v1.POST(r.Path, r.Handler)
		case PATCH:
			v1.PATCH(r.Path, r.Handler)
		default:
			panic(fmt.Sprintf("HTTP verb %d not supported", r.Verb))
		}
	}
	s.engine = engine
	return s
}

func (s *Server) routes() []route {
	return []route{
		{POST, "/jobs", s.createJob},
		{GET, "/jobs", s.listJobs},
		{GET, "/jobs/:id", s.getJob},
		{POST, "/jobs/:id/dispute", s.disputeJob},
		{GET, "/jobs/:id/settlement", s.getSettlement},
		{POST, "/jobs/:id/bids", s.submitBid},
		{GET, "/jobs/:id/bids", s.listBids},
		{POST, "/jobs/:id/accept", s.acceptBid},
		{POST, "/jobs/:id/reenqueue", s.reenqueue},

		{GET, "/bids/:id", s.getBid},
		{POST, "/bids/:id/withdraw", s.withdrawBid},

		{POST, "/swarms", s.registerSwarm},
		{GET, "/swarms/:id", s.getSwarm},
		{PATCH, "/swarms/:id", s.updateSwarm},
		{GET, "/agents/:address", s.getAgent},

		{GET, "/admin/unqueued", s.unqueued},
		{GET, "/admin/dead-letters", s.deadLetters},
		{POST, "/admin/dead-letters/:task_id/retry", s.retryDeadLetter},
		{GET, "/admin/status", s.status},
	}
}

// Handler 回傳 http.Handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// NewHTTPServer 包裝成 http.Server
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// ============================================================================
// 錯誤映射
// ============================================================================

// statusOf 依錯誤類別決定 HTTP 狀態碼
func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidState, apperr.KindDuplicateBid:
		return http.StatusConflict
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindQueueUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		s.log.Error("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	kind := string(apperr.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	c.JSON(code, gin.H{"error": kind, "message": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(apperr.KindInvalidArgument), "message": err.Error()})
}
