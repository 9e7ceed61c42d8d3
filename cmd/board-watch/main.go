// Command board-watch follows a project's board and prints it whenever an
// event changes it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/client"
	"taskboard/domain"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "taskboard base URL")
	project := flag.String("project", "", "project id")
	flag.Parse()

	token := os.Getenv("TASKBOARD_TOKEN")
	if *project == "" || token == "" {
		log.Fatal("-project and TASKBOARD_TOKEN are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New()
	board := client.NewBoard(client.New(*server, token), *project, logger)
	board.OnChange = func(ev domain.Event) {
		fmt.Printf("-- %s\n", ev.EventName())
		render(os.Stdout, board.State.Tasks())
	}

	for ctx.Err() == nil {
		if err := board.Load(ctx); err != nil {
			logger.WithError(err).Error("load board")
		} else {
			render(os.Stdout, board.State.Tasks())
			if err := board.Follow(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("stream ended")
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}
}

func render(w io.Writer, tasks []domain.Task) {
	column := ""
	for _, t := range tasks {
		if t.Column != column {
			column = t.Column
			fmt.Fprintf(w, "%s\n", strings.ToUpper(column))
		}
		fmt.Fprintf(w, "  %d. %s (%s)\n", t.Order, t.Title, t.ID)
	}
}
