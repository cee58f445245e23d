package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
	"github.com/cascadeflow/cascadeflow/internal/tsdb"
)

func marshalEvent(e cascade.MetricEvent) ([]byte, error) {
	return json.Marshal(e)
}

// modelInfo is the public view of one configured model.
type modelInfo struct {
	Name          string  `json:"name"`
	Provider      string  `json:"provider"`
	InputPer1K    float64 `json:"cost_per_1k_input"`
	OutputPer1K   float64 `json:"cost_per_1k_output"`
	MaxTokens     int     `json:"max_tokens"`
	SupportsTools bool    `json:"supports_tools"`
	Deprecated    bool    `json:"deprecated,omitempty"`
}

// ModelsHandler lists the models the agent routes across, cheapest first.
func ModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		models := d.Agent.Models()
		out := make([]modelInfo, len(models))
		for i, m := range models {
			out[i] = modelInfo{
				Name:          m.Name,
				Provider:      m.Provider,
				InputPer1K:    m.CostPer1KInput,
				OutputPer1K:   m.CostPer1KOutput,
				MaxTokens:     m.MaxTokens,
				SupportsTools: m.SupportsTools,
				Deprecated:    m.Deprecated,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": out})
	}
}

// RunsHandler pages through the run ledger, newest first. A trace_id query
// returns the single matching run.
func RunsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Ledger == nil {
			jsonError(w, "run ledger disabled", http.StatusNotImplemented)
			return
		}
		if traceID := r.URL.Query().Get("trace_id"); traceID != "" {
			rec, err := d.Ledger.GetRun(r.Context(), traceID)
			if err != nil {
				jsonError(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if rec == nil {
				jsonError(w, "run not found", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, rec)
			return
		}

		limit := queryInt(r, "limit", 50)
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		offset := queryInt(r, "offset", 0)
		runs, err := d.Ledger.ListRuns(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"runs":   runs,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// StatsHandler returns rolling-window aggregates: global by default,
// ?by=model or ?by=domain for grouped views.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch by := r.URL.Query().Get("by"); by {
		case "", "global":
			writeJSON(w, http.StatusOK, map[string]any{"windows": d.Stats.Global()})
		case "model":
			writeJSON(w, http.StatusOK, map[string]any{"models": d.Stats.Summary()})
		case "domain":
			writeJSON(w, http.StatusOK, map[string]any{"domains": d.Stats.SummaryByDomain()})
		default:
			jsonError(w, fmt.Sprintf("unknown grouping %q", by), http.StatusBadRequest)
		}
	}
}

// TimeseriesHandler queries the embedded TSDB. Defaults to the last hour of
// run counts at one-minute resolution.
func TimeseriesHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.TSDB == nil {
			jsonError(w, "timeseries disabled", http.StatusNotImplemented)
			return
		}
		q := r.URL.Query()
		params := tsdb.QueryParams{
			Metric: q.Get("metric"),
			Model:  q.Get("model"),
			Domain: q.Get("domain"),
			StepMs: int64(queryInt(r, "step_ms", 60_000)),
		}
		if params.Metric == "" {
			params.Metric = tsdb.MetricRuns
		}

		now := time.Now().UTC()
		params.Start = now.Add(-time.Hour)
		params.End = now
		if v := q.Get("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				jsonError(w, "bad from timestamp", http.StatusBadRequest)
				return
			}
			params.Start = t
		}
		if v := q.Get("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				jsonError(w, "bad to timestamp", http.StatusBadRequest)
				return
			}
			params.End = t
		}

		series, err := d.TSDB.Query(r.Context(), params)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"metric": params.Metric,
			"series": series,
		})
	}
}

// EventsHandler relays the live event bus as SSE.
func EventsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := d.Events.Subscribe(64)
		defer d.Events.Unsubscribe(sub)

		_, _ = fmt.Fprint(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-sub.C:
				payload, err := marshalEvent(e)
				if err != nil {
					continue
				}
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
				flusher.Flush()
			}
		}
	}
}

// ProviderHealthHandler reports passive provider health.
func ProviderHealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Health == nil {
			jsonError(w, "health tracking disabled", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": d.Health.AllStats()})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
