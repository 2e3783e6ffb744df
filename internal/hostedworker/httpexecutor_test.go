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
	"net/http"
	"net/http/httptest"
	"testing"

	"taskrelay/internal/domain"
)

func TestHTTPExecutorSendsJSONRPCEnvelopeAndParsesContent(t *testing.T) {
	var gotReq rpcRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp/v1/rpc", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		result := agentResult{Status: "completed", Summary: "built the thing"}
		text, _ := json.Marshal(result)
		resp := rpcResponse{
			JSONRPC: "2.0",
			ID:      gotReq.ID,
			Result: &rpcResult{
				Content: []rpcContent{{Type: "text", Text: string(text)}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL+"/mcp/v1/rpc", 0)
	run := &domain.TaskRun{ID: "run-1", TaskID: "task-1", Prompt: "build the widget"}

	status, summary, _, err := exec.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != domain.RunCompleted {
		t.Fatalf("expected RunCompleted, got %s", status)
	}
	if summary != "built the thing" {
		t.Fatalf("expected summary from agent result, got %q", summary)
	}

	if gotReq.JSONRPC != "2.0" || gotReq.Method != "tools/call" {
		t.Fatalf("expected a JSON-RPC 2.0 tools/call envelope, got %+v", gotReq)
	}
	if gotReq.Params.Name != "continue_task" {
		t.Fatalf("expected continue_task tool, got %q", gotReq.Params.Name)
	}
	if gotReq.Params.Arguments.TaskID != "task-1" || gotReq.Params.Arguments.Input != "build the widget" {
		t.Fatalf("unexpected rpc arguments: %+v", gotReq.Params.Arguments)
	}
}

func TestHTTPExecutorSurfacesRPCError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp/v1/rpc", func(w http.ResponseWriter, r *http.Request) {
		resp := rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: -32000, Message: "agent unavailable"},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL+"/mcp/v1/rpc", 0)
	run := &domain.TaskRun{ID: "run-1", TaskID: "task-1", Prompt: "build the widget"}

	status, _, _, err := exec.Execute(context.Background(), run)
	if err == nil {
		t.Fatal("expected an error from rpc error response")
	}
	if status != domain.RunFailed {
		t.Fatalf("expected RunFailed, got %s", status)
	}
}

func TestHTTPExecutorFallsBackToPlainTextSummary(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp/v1/rpc", func(w http.ResponseWriter, r *http.Request) {
		resp := rpcResponse{
			JSONRPC: "2.0",
			Result: &rpcResult{
				Content: []rpcContent{{Type: "text", Text: "done, no structured result"}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exec := NewHTTPExecutor(srv.URL+"/mcp/v1/rpc", 0)
	run := &domain.TaskRun{ID: "run-1", TaskID: "task-1", Prompt: "build the widget"}

	status, summary, _, err := exec.Execute(context.Background(), run)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != domain.RunCompleted {
		t.Fatalf("expected RunCompleted, got %s", status)
	}
	if summary != "done, no structured result" {
		t.Fatalf("expected raw text fallback summary, got %q", summary)
	}
}
