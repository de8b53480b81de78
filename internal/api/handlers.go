package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/swarm-market/internal/jobmanager"
	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// ============================================================================
// 請求格式
// ============================================================================

type createJobRequest struct {
	Title        string       `json:"title" binding:"required"`
	Description  string       `json:"description"`
	Requirements string       `json:"requirements"`
	Payment      types.Amount `json:"payment" binding:"required"`
	ClientID     string       `json:"client_id" binding:"required"`
}

type submitBidRequest struct {
	SwarmID        types.SwarmID `json:"swarm_id" binding:"required"`
	Price          types.Amount  `json:"price"`
	EstimatedHours uint32        `json:"estimated_hours" binding:"required"`
	Message        string        `json:"message"`
}

type acceptBidRequest struct {
	BidID    types.BidID `json:"bid_id" binding:"required"`
	ClientID string      `json:"client_id" binding:"required"`
}

type withdrawBidRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

type registerSwarmRequest struct {
	Name    string         `json:"name"`
	OwnerID string         `json:"owner_id" binding:"required"`
	Members []types.Member `json:"members" binding:"required"`
}

type updateSwarmRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
	Active  *bool  `json:"active" binding:"required"`
}

// ============================================================================
// 工作
// ============================================================================

func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job, err := s.svc.CreateJob(c.Request.Context(), jobmanager.CreateJobRequest{
		Title:        req.Title,
		Description:  req.Description,
		Requirements: req.Requirements,
		Payment:      req.Payment,
		ClientID:     req.ClientID,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) listJobs(c *gin.Context) {
	status := types.JobStatus(c.DefaultQuery("status", string(types.StatusOpen)))
	jobs, err := s.svc.ListJobs(c.Request.Context(), status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.svc.GetJob(c.Request.Context(), types.JobID(c.Param("id")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) disputeJob(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job, err := s.svc.Dispute(c.Request.Context(), types.JobID(c.Param("id")), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) getSettlement(c *gin.Context) {
	settlement, err := s.svc.GetSettlement(c.Request.Context(), types.JobID(c.Param("id")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, settlement)
}

func (s *Server) reenqueue(c *gin.Context) {
	handle, err := s.svc.ReenqueueExecution(c.Request.Context(), types.JobID(c.Param("id")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle)
}

// ============================================================================
// 出價
// ============================================================================

func (s *Server) submitBid(c *gin.Context) {
	var req submitBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	bid, err := s.svc.SubmitBid(c.Request.Context(), jobmanager.BidRequest{
		JobID:          types.JobID(c.Param("id")),
		SwarmID:        req.SwarmID,
		Price:          req.Price,
		EstimatedHours: req.EstimatedHours,
		Message:        req.Message,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, bid)
}

func (s *Server) listBids(c *gin.Context) {
	bids, err := s.svc.ListBids(c.Request.Context(),
		types.JobID(c.Param("id")),
		jobmanager.BidOrder(c.Query("order_by")),
		jobmanager.SortDirection(c.Query("order")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bids)
}

func (s *Server) acceptBid(c *gin.Context) {
	var req acceptBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job, err := s.svc.AcceptBid(c.Request.Context(), types.JobID(c.Param("id")), req.BidID, req.ClientID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) getBid(c *gin.Context) {
	bid, err := s.svc.GetBid(c.Request.Context(), types.BidID(c.Param("id")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bid)
}

func (s *Server) withdrawBid(c *gin.Context) {
	var req withdrawBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.svc.WithdrawBid(c.Request.Context(), types.BidID(c.Param("id")), req.OwnerID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ============================================================================
// 群組與代理
// ============================================================================

func (s *Server) registerSwarm(c *gin.Context) {
	var req registerSwarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	swarm, err := s.svc.RegisterSwarm(c.Request.Context(), jobmanager.RegisterSwarmRequest{
		Name:    req.Name,
		OwnerID: req.OwnerID,
		Members: req.Members,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, swarm)
}

func (s *Server) getSwarm(c *gin.Context) {
	swarm, err := s.svc.GetSwarm(c.Request.Context(), types.SwarmID(c.Param("id")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, swarm)
}

func (s *Server) updateSwarm(c *gin.Context) {
	var req updateSwarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	swarm, err := s.svc.SetSwarmActive(c.Request.Context(), types.SwarmID(c.Param("id")), req.OwnerID, *req.Active)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, swarm)
}

func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.svc.GetAgent(c.Request.Context(), c.Param("address"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// ============================================================================
// 操作員
// ============================================================================

func (s *Server) unqueued(c *gin.Context) {
	jobs, err := s.svc.UnqueuedAssignments(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) deadLetters(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.DeadLetters())
}

func (s *Server) retryDeadLetter(c *gin.Context) {
	handle, err := s.svc.RetryDeadLetter(c.Request.Context(), types.TaskID(c.Param("task_id")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle)
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Status())
}
