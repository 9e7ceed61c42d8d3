package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"taskboard/activity"
	"taskboard/stream"
)

func main() {
	logger := log.New()
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		logger.SetLevel(log.DebugLevel)
	}
	if os.Getenv("LOG_FORMAT") == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	eventsQueue := os.Getenv("EVENTS_QUEUE")
	activityTable := os.Getenv("ACTIVITY_TABLE")
	if connStr == "" || eventsQueue == "" || activityTable == "" {
		logger.Fatal("missing storage config")
	}

	queue, err := stream.NewQueueClient(connStr, eventsQueue)
	if err != nil {
		logger.Fatalf("queue client: %v", err)
	}
	recorder, err := activity.NewTableRecorder(connStr, activityTable)
	if err != nil {
		logger.Fatalf("activity table: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(log.Fields{"queue": eventsQueue, "table": activityTable}).Info("activity archiver starting")
	c := &activity.Consumer{Queue: queue, Recorder: recorder, Logger: logger}
	c.Run(ctx)
	logger.Info("activity archiver stopped")
}
