package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
)

// Admin introspection over durable batch workflows. Every handler degrades to
// an informative response when the durable path is disabled.

// AdminBatchesListHandler lists batch workflow executions from Temporal
// visibility. ?status=Running filters by execution status.
func AdminBatchesListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc := temporalClient(d)
		if tc == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"batches": []any{},
				"durable": false,
			})
			return
		}

		limit := queryInt(r, "limit", 50)
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		query := "WorkflowType = 'BatchWorkflow'"
		if status := r.URL.Query().Get("status"); status != "" {
			query += " AND ExecutionStatus = '" + status + "'"
		}

		resp, err := tc.ListWorkflow(r.Context(), &workflowservice.ListWorkflowExecutionsRequest{
			PageSize: int32(limit),
			Query:    query,
		})
		if err != nil {
			jsonError(w, "temporal query error: "+err.Error(), http.StatusBadGateway)
			return
		}

		batches := make([]map[string]any, 0, len(resp.Executions))
		for _, exec := range resp.Executions {
			b := map[string]any{
				"workflow_id": exec.Execution.WorkflowId,
				"run_id":      exec.Execution.RunId,
				"status":      exec.Status.String(),
				"start_time":  exec.StartTime.AsTime().Format(time.RFC3339),
			}
			if exec.CloseTime != nil {
				b["close_time"] = exec.CloseTime.AsTime().Format(time.RFC3339)
				b["duration_ms"] = exec.CloseTime.AsTime().Sub(exec.StartTime.AsTime()).Milliseconds()
			}
			batches = append(batches, b)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"batches": batches,
			"durable": true,
		})
	}
}

// AdminBatchDescribeHandler reports the state of one batch workflow.
func AdminBatchDescribeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc := temporalClient(d)
		if tc == nil {
			jsonError(w, "durable batches disabled", http.StatusNotImplemented)
			return
		}

		id := chi.URLParam(r, "id")
		desc, err := tc.DescribeWorkflowExecution(r.Context(), "batch-"+id, "")
		if err != nil {
			jsonError(w, "describe error: "+err.Error(), http.StatusNotFound)
			return
		}

		info := desc.WorkflowExecutionInfo
		out := map[string]any{
			"workflow_id": info.Execution.WorkflowId,
			"run_id":      info.Execution.RunId,
			"status":      info.Status.String(),
			"start_time":  info.StartTime.AsTime().Format(time.RFC3339),
		}
		if info.CloseTime != nil {
			out["close_time"] = info.CloseTime.AsTime().Format(time.RFC3339)
			out["duration_ms"] = info.CloseTime.AsTime().Sub(info.StartTime.AsTime()).Milliseconds()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// AdminBatchHistoryHandler pages through the event history of one batch
// workflow, oldest first.
func AdminBatchHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tc := temporalClient(d)
		if tc == nil {
			jsonError(w, "durable batches disabled", http.StatusNotImplemented)
			return
		}

		id := chi.URLParam(r, "id")
		iter := tc.GetWorkflowHistory(r.Context(), "batch-"+id, "",
			false, enums.HISTORY_EVENT_FILTER_TYPE_ALL_EVENT)

		var events []map[string]any
		for iter.HasNext() {
			event, err := iter.Next()
			if err != nil {
				jsonError(w, "history error: "+err.Error(), http.StatusBadGateway)
				return
			}
			events = append(events, map[string]any{
				"event_id":   event.EventId,
				"event_type": event.EventType.String(),
				"timestamp":  event.EventTime.AsTime().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"batch_id": id,
			"events":   events,
		})
	}
}

func temporalClient(d Dependencies) client.Client {
	if d.Dispatcher == nil {
		return nil
	}
	return d.Dispatcher.TemporalClient()
}
