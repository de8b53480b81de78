package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

// HTTPClient 呼叫代理服務的 POST {baseURL}/execute
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient 建立 HTTP 後端客戶端；timeout 限制單次請求
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	JobID        string `json:"job_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Requirements string `json:"requirements"`
	SwarmID      string `json:"swarm_id"`
}

type taskResult struct {
	AgentAddress    string `json:"agent_address"`
	TaskName        string `json:"task_name"`
	Output          string `json:"output"`
	TokensUsed      int64  `json:"tokens_used"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

type executeResponse struct {
	JobID       string       `json:"job_id"`
	Success     bool         `json:"success"`
	FinalOutput string       `json:"final_output"`
	TaskResults []taskResult `json:"task_results"`
	ResultHash  string       `json:"result_hash"`
}

// Execute 送出執行請求並轉換回應
func (c *HTTPClient) Execute(ctx context.Context, req Request) (*types.ExecutionResult, error) {
	body, err := json.Marshal(executeRequest{
		JobID:        string(req.JobID),
		Title:        req.Title,
		Description:  req.Description,
		Requirements: req.Requirements,
		SwarmID:      string(req.SwarmID),
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute job %s: %w", req.JobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("execute job %s: backend returned %s: %s",
			req.JobID, resp.Status, strings.TrimSpace(string(detail)))
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("execute job %s: decode response: %w", req.JobID, err)
	}

	result := &types.ExecutionResult{
		Success:           out.Success,
		ResultFingerprint: out.ResultHash,
		Output:            out.FinalOutput,
	}
	if !out.Success {
		result.ErrorDetail = out.FinalOutput
	}
	for _, tr := range out.TaskResults {
		if tr.ExecutionTimeMs < 0 {
			return nil, fmt.Errorf("execute job %s: negative execution time for %s", req.JobID, tr.AgentAddress)
		}
		result.Contributions = append(result.Contributions, types.Contribution{
			Address:             tr.AgentAddress,
			ExecutionTimeMillis: uint64(tr.ExecutionTimeMs),
		})
	}
	return result, nil
}
