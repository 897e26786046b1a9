package main

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/getsentry/calltrace/internal/callgraph"
	"github.com/getsentry/calltrace/internal/export"
)

type (
	KafkaWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// GraphKafkaMessage is the summary of a stored call graph sent to Kafka.
	GraphKafkaMessage struct {
		ProjectID          uint64 `json:"project_id"`
		SessionID          string `json:"session_id"`
		StartTimestamp     int64  `json:"start_timestamp"`
		DurationNS         uint64 `json:"duration_ns"`
		Received           int64  `json:"received"`
		RetentionDays      int    `json:"retention_days"`
		Nodes              int    `json:"nodes"`
		Edges              int    `json:"edges"`
		Calls              uint64 `json:"calls"`
		DroppedFrames      uint64 `json:"dropped_frames"`
		Aborted            bool   `json:"aborted"`
		Tasks              int    `json:"tasks"`
		MaxConcurrentTasks int    `json:"max_concurrent_tasks"`
	}
)

func buildGraphKafkaMessage(projectID uint64, doc export.Document, g *callgraph.AsyncGraph, retentionDays int) GraphKafkaMessage {
	stats := g.Stats()
	m := GraphKafkaMessage{
		ProjectID:          projectID,
		SessionID:          doc.Metadata.SessionID,
		StartTimestamp:     doc.Metadata.StartTime.Time().Unix(),
		DurationNS:         uint64(doc.Metadata.Duration.Duration()),
		Received:           time.Now().Unix(),
		RetentionDays:      retentionDays,
		Nodes:              len(doc.Nodes),
		Edges:              len(doc.Edges),
		DroppedFrames:      doc.Metadata.DroppedFrames,
		Aborted:            doc.Metadata.Aborted,
		Tasks:              len(stats.Tasks),
		MaxConcurrentTasks: stats.MaxConcurrentTasks,
	}
	for _, n := range doc.Nodes {
		m.Calls += n.CallCount
	}
	return m
}
