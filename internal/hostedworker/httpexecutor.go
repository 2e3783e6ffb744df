// Taskrelay is a multi-tenant task dispatch substrate for coordinating hosted agent workers.
// Copyright (C) 2026 The Taskrelay Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package hostedworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"taskrelay/internal/domain"
)

// HTTPExecutor runs a task run's prompt against an agent runtime's
// MCP-style RPC endpoint (POST {endpoint}, a JSON-RPC 2.0 envelope
// calling the "continue_task" tool) and unwraps the MCP content
// envelope from the response. Binaries with no concrete agent backend
// wire this in against whatever MCP-speaking model runner they have;
// it holds no opinion about what runs behind the endpoint.
type HTTPExecutor struct {
	client   *resty.Client
	endpoint string
}

// rpcRequest is a JSON-RPC 2.0 request framed the way the agent
// runtime's /mcp/v1/rpc endpoint expects a tools/call invocation.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  rpcCallParams `json:"params"`
	ID      string        `json:"id"`
}

type rpcCallParams struct {
	Name      string       `json:"name"`
	Arguments rpcArguments `json:"arguments"`
}

type rpcArguments struct {
	TaskID string `json:"task_id"`
	Input  string `json:"input"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  *rpcResult      `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResult struct {
	Content []rpcContent `json:"content"`
}

type rpcContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// agentResult is the JSON payload an agent runtime returns as the text
// content of a successful tools/call response.
type agentResult struct {
	Status  string          `json:"status"`
	Summary string          `json:"summary"`
	Full    json.RawMessage `json:"full,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewHTTPExecutor builds an HTTPExecutor posting to endpoint with the
// given request timeout.
func NewHTTPExecutor(endpoint string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	return &HTTPExecutor{client: client, endpoint: endpoint}
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, run *domain.TaskRun) (domain.RunStatus, string, json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params: rpcCallParams{
			Name: "continue_task",
			Arguments: rpcArguments{
				TaskID: run.TaskID,
				Input:  run.Prompt,
			},
		},
		ID: uuid.NewString(),
	}

	var out rpcResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		Post(e.endpoint)
	if err != nil {
		return domain.RunFailed, "", nil, fmt.Errorf("agent rpc request: %w", err)
	}
	if resp.IsError() {
		return domain.RunFailed, "", nil, fmt.Errorf("agent returned status %d", resp.StatusCode())
	}
	if out.Error != nil {
		return domain.RunFailed, "", nil, out.Error
	}
	if out.Result == nil || len(out.Result.Content) == 0 {
		return domain.RunFailed, "", nil, fmt.Errorf("agent rpc response had no content")
	}

	var result agentResult
	for _, c := range out.Result.Content {
		if c.Type != "text" {
			continue
		}
		if jsonErr := json.Unmarshal([]byte(c.Text), &result); jsonErr != nil {
			// The agent returned plain prose rather than a structured
			// result; treat the raw text as the summary.
			result = agentResult{Status: string(domain.RunCompleted), Summary: c.Text}
		}
		break
	}

	if result.Status == string(domain.RunFailed) {
		return domain.RunFailed, result.Summary, result.Full, fmt.Errorf("%s", result.Error)
	}
	return domain.RunCompleted, result.Summary, result.Full, nil
}
