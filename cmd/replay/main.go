// Ops tool for the outbox: list failed events and republish them by ID.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"pragati/config"
	"pragati/pkg/db"
	"pragati/pkg/logger"
	"pragati/pkg/mq"
	"pragati/pkg/outbox"
)

func main() {
	var (
		eventID    = flag.Int64("event", 0, "outbox event ID to replay")
		listFailed = flag.Int("list-failed", 0, "list up to N failed events and exit")
	)
	flag.Parse()

	if *eventID == 0 && *listFailed == 0 {
		fmt.Fprintln(os.Stderr, "usage: replay -event <id> | -list-failed <n>")
		os.Exit(2)
	}

	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Sync()

	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	repo := outbox.NewRepository(dbConn)
	ctx := context.Background()

	if *listFailed > 0 {
		events, err := repo.GetFailedEvents(ctx, *listFailed)
		if err != nil {
			log.Fatal("failed to list events", zap.Error(err))
		}
		for _, e := range events {
			fmt.Printf("%d\t%s\t%s/%s\tretries=%d\t%s\n",
				e.ID, e.RoutingKey, e.AggregateType, e.AggregateID, e.RetryCount, e.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return
	}

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	replayer := outbox.NewReplayService(repo, publisher)
	if err := replayer.ReplayEvent(ctx, *eventID); err != nil {
		log.Fatal("replay failed", zap.Int64("event_id", *eventID), zap.Error(err))
	}
	log.Info("event replayed", zap.Int64("event_id", *eventID))
}
