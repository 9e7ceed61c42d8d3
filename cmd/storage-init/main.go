package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"taskboard/config"
	"taskboard/domain"
	"taskboard/storage"
)

// seeder is satisfied by both stores.
type seeder interface {
	UpsertProject(ctx context.Context, p domain.Project) error
	UpsertUser(ctx context.Context, u domain.UserRef) error
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")
	ctx := context.Background()

	driver := os.Getenv("STORE_DRIVER")
	if driver == "" {
		driver = config.DriverTable
	}
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")

	var (
		store seeder
		err   error
	)
	switch driver {
	case config.DriverSQLite:
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = config.Default().Storage.SQLitePath
		}
		s, err := storage.OpenSQLite(ctx, path)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		defer s.Close()
		store = s
		log.WithField("path", path).Info("sqlite schema ready")
	case config.DriverTable:
		if connStr == "" {
			log.Fatal("missing STORAGE_CONNECTION_STRING")
		}
		tables := tableNames()
		if err := createTables(ctx, connStr, []string{tables[0], tables[1], tables[2], os.Getenv("ACTIVITY_TABLE")}); err != nil {
			log.Fatalf("create tables: %v", err)
		}
		if store, err = storage.NewTableStore(connStr, tables[0], tables[1], tables[2]); err != nil {
			log.Fatalf("storage: %v", err)
		}
	default:
		log.Fatalf("unknown store driver %q", driver)
	}

	if queue := os.Getenv("EVENTS_QUEUE"); queue != "" {
		if connStr == "" {
			log.Fatal("events queue requires STORAGE_CONNECTION_STRING")
		}
		if err := createQueues(ctx, connStr, []string{queue}); err != nil {
			log.Fatalf("create queues: %v", err)
		}
	}

	if projectID := os.Getenv("SEED_PROJECT_ID"); projectID != "" {
		if err := seed(ctx, store, projectID, os.Getenv("SEED_OWNER_ID"), os.Getenv("SEED_OWNER_NAME")); err != nil {
			log.Fatalf("seed: %v", err)
		}
	}

	log.Info("storage init complete")
}

func tableNames() [3]string {
	def := config.Default().Storage
	names := [3]string{def.TasksTable, def.ProjectsTable, def.UsersTable}
	for i, env := range []string{"TASKS_TABLE", "PROJECTS_TABLE", "USERS_TABLE"} {
		if v := os.Getenv(env); v != "" {
			names[i] = v
		}
	}
	return names
}

// seed creates a project with the default columns owned by ownerID.
func seed(ctx context.Context, store seeder, projectID, ownerID, ownerName string) error {
	if ownerID == "" {
		return errors.New("SEED_OWNER_ID is required with SEED_PROJECT_ID")
	}
	if ownerName == "" {
		ownerName = ownerID
	}
	if err := store.UpsertUser(ctx, domain.UserRef{ID: ownerID, Username: ownerName}); err != nil {
		return err
	}
	p := domain.Project{ID: projectID, Title: projectID, Owner: ownerID, Columns: domain.DefaultColumns()}
	if err := store.UpsertProject(ctx, p); err != nil {
		return err
	}
	log.WithFields(log.Fields{"project": projectID, "owner": ownerID}).Info("seeded project")
	return nil
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		c := svc.NewClient(name)
		_, err := c.CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		_, err = q.Create(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
		log.WithField("queue", name).Debug("queue ready")
	}
	return nil
}
