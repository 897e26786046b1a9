package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"gocloud.dev/gcerrors"

	"github.com/getsentry/calltrace/internal/callgraph"
	"github.com/getsentry/calltrace/internal/export"
	"github.com/getsentry/calltrace/internal/httputil"
	"github.com/getsentry/calltrace/internal/storageutil"
	"github.com/getsentry/calltrace/internal/timeutil"
)

const hottestFunctionsLimit = 10

type (
	PostGraphResponse struct {
		SessionID string `json:"session_id"`
	}

	FunctionStats struct {
		ID        string           `json:"id"`
		CallCount uint64           `json:"call_count"`
		TotalTime timeutil.Seconds `json:"total_time"`
		OwnTime   timeutil.Seconds `json:"own_time"`
	}

	AsyncStats struct {
		TotalAwaitTime     timeutil.Seconds `json:"total_await_time"`
		ActiveTime         timeutil.Seconds `json:"active_time"`
		WallTime           timeutil.Seconds `json:"wall_time"`
		Efficiency         float64          `json:"efficiency"`
		MaxConcurrentTasks int              `json:"max_concurrent_tasks"`
		Tasks              int              `json:"tasks"`
		CancelledTasks     int              `json:"cancelled_tasks"`
	}

	GraphStatsResponse struct {
		SessionID        string           `json:"session_id"`
		Nodes            int              `json:"nodes"`
		Edges            int              `json:"edges"`
		Calls            uint64           `json:"calls"`
		Duration         timeutil.Seconds `json:"duration"`
		DroppedFrames    uint64           `json:"dropped_frames"`
		Aborted          bool             `json:"aborted"`
		HottestFunctions []FunctionStats  `json:"hottest_functions"`
		Async            *AsyncStats      `json:"async,omitempty"`
	}
)

func (env *environment) postGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := hubFromContext(ctx)

	projectID, ok := httputil.GetUint64PathParameter(w, r, "project_id")
	if !ok {
		return
	}
	hub.Scope().SetTag("project_id", strconv.FormatUint(projectID, 10))

	s := sentry.StartSpan(ctx, "request.body")
	s.Description = "Read request body"
	body, err := io.ReadAll(r.Body)
	s.Finish()
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s = sentry.StartSpan(ctx, "json.unmarshal")
	s.Description = "Unmarshal call graph"
	doc, err := export.Unmarshal(body)
	s.Finish()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if doc.Metadata.SessionID == "" {
		doc.Metadata.SessionID = uuid.New().String()
	}
	hub.Scope().SetTag("session_id", doc.Metadata.SessionID)

	s = sentry.StartSpan(ctx, "processing")
	s.Description = "Validate call graph"
	g, err := export.FromDict(doc)
	s.Finish()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hub.Scope().SetContext("Call graph", map[string]interface{}{
		"nodes":          len(doc.Nodes),
		"edges":          len(doc.Edges),
		"timeline":       len(doc.Timeline),
		"dropped_frames": doc.Metadata.DroppedFrames,
		"size":           len(body),
	})

	s = sentry.StartSpan(ctx, "gcs.write")
	s.Description = "Write call graph to storage"
	err = export.Save(ctx, env.storage, export.StoragePath(projectID, doc.Metadata.SessionID), doc)
	s.Finish()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// transient, the client will retry
			w.WriteHeader(http.StatusTooManyRequests)
		} else {
			hub.CaptureException(err)
			if code := gcerrors.Code(err); code == gcerrors.FailedPrecondition {
				w.WriteHeader(http.StatusPreconditionFailed)
			} else {
				w.WriteHeader(http.StatusInternalServerError)
			}
		}
		return
	}

	s = sentry.StartSpan(ctx, "json.marshal")
	s.Description = "Marshal call graph Kafka message"
	b, err := json.Marshal(buildGraphKafkaMessage(projectID, doc, g, env.config.RetentionDays))
	s.Finish()
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s = sentry.StartSpan(ctx, "processing")
	s.Description = "Send call graph summary to Kafka"
	err = env.graphsWriter.WriteMessages(ctx, kafka.Message{
		Topic: env.config.GraphsKafkaTopic,
		Key:   []byte(doc.Metadata.SessionID),
		Value: b,
	})
	s.Finish()
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, r, http.StatusCreated, PostGraphResponse{SessionID: doc.Metadata.SessionID})
}

func (env *environment) getGraph(w http.ResponseWriter, r *http.Request) {
	doc, ok := env.loadGraph(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, doc)
}

func (env *environment) getGraphStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := hubFromContext(ctx)

	doc, ok := env.loadGraph(w, r)
	if !ok {
		return
	}

	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Compute call graph statistics"
	g, err := export.FromDict(doc)
	if err != nil {
		s.Finish()
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	response := graphStats(doc, g)
	s.Finish()

	writeJSON(w, r, http.StatusOK, response)
}

func (env *environment) loadGraph(w http.ResponseWriter, r *http.Request) (export.Document, bool) {
	ctx := r.Context()
	hub := hubFromContext(ctx)

	projectID, ok := httputil.GetUint64PathParameter(w, r, "project_id")
	if !ok {
		return export.Document{}, false
	}
	params, logger, ok := httputil.GetRequiredPathParameters(w, r, "session_id")
	if !ok {
		return export.Document{}, false
	}
	sessionID := params["session_id"]
	if _, err := uuid.Parse(sessionID); err != nil {
		http.Error(w, "session_id should be a UUID", http.StatusBadRequest)
		return export.Document{}, false
	}
	hub.Scope().SetTags(map[string]string{
		"project_id": strconv.FormatUint(projectID, 10),
		"session_id": sessionID,
	})

	s := sentry.StartSpan(ctx, "gcs.read")
	s.Description = "Read call graph from storage"
	doc, err := export.Load(ctx, env.storage, export.StoragePath(projectID, sessionID))
	s.Finish()
	if err != nil {
		if errors.Is(err, storageutil.ErrObjectNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return export.Document{}, false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			w.WriteHeader(http.StatusTooManyRequests)
			return export.Document{}, false
		}
		logger.Err(err).Msg("can't read call graph")
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return export.Document{}, false
	}
	return doc, true
}

func graphStats(doc export.Document, g *callgraph.AsyncGraph) GraphStatsResponse {
	response := GraphStatsResponse{
		SessionID:        doc.Metadata.SessionID,
		Nodes:            len(doc.Nodes),
		Edges:            len(doc.Edges),
		Duration:         timeutil.Seconds(doc.Metadata.Wall()),
		DroppedFrames:    doc.Metadata.DroppedFrames,
		Aborted:          doc.Metadata.Aborted,
		HottestFunctions: make([]FunctionStats, 0, hottestFunctionsLimit),
	}
	nodes := g.Nodes()
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].OwnTime > nodes[j].OwnTime
	})
	for i, n := range nodes {
		response.Calls += n.CallCount
		if i < hottestFunctionsLimit {
			response.HottestFunctions = append(response.HottestFunctions, FunctionStats{
				ID:        n.ID,
				CallCount: n.CallCount,
				TotalTime: timeutil.Seconds(n.TotalTime),
				OwnTime:   timeutil.Seconds(n.OwnTime),
			})
		}
	}
	if timeline := g.Timeline(); len(timeline) > 0 {
		stats := callgraph.ComputeStats(timeline)
		async := AsyncStats{
			TotalAwaitTime:     timeutil.Seconds(stats.TotalAwaitTime),
			ActiveTime:         timeutil.Seconds(stats.ActiveTime),
			WallTime:           timeutil.Seconds(stats.WallTime),
			Efficiency:         stats.Efficiency,
			MaxConcurrentTasks: stats.MaxConcurrentTasks,
			Tasks:              len(stats.Tasks),
		}
		for _, ts := range stats.Tasks {
			if ts.Cancelled {
				async.CancelledTasks++
			}
		}
		response.Async = &async
	}
	return response
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	hub := hubFromContext(r.Context())
	s := sentry.StartSpan(r.Context(), "json.marshal")
	defer s.Finish()
	b, err := json.Marshal(v)
	if err != nil {
		hub.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// hubFromContext returns the request's hub, requests not going through the
// Sentry middleware get a clone of the current one.
func hubFromContext(ctx context.Context) *sentry.Hub {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}
	return sentry.CurrentHub().Clone()
}
