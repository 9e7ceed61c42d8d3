package activity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

// Recorder stores entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// TableRecorder writes entries to an Azure table partitioned by project.
type TableRecorder struct {
	table *aztables.Client
}

// NewTableRecorder opens the activity table.
func NewTableRecorder(connStr, table string) (*TableRecorder, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableRecorder{table: svc.NewClient(table)}, nil
}

type entryEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Event        string `json:"Event"`
	TaskID       string `json:"TaskId,omitempty"`
	Column       string `json:"Column,omitempty"`
	Order        int    `json:"Order"`
	At           string `json:"At"`
	Payload      string `json:"Payload"`
}

func encodeEntry(e Entry) ([]byte, error) {
	return sonic.Marshal(entryEntity{
		PartitionKey: e.ProjectID,
		RowKey:       e.RowKey(),
		Event:        e.Event,
		TaskID:       e.TaskID,
		Column:       e.Column,
		Order:        e.Order,
		At:           e.At.Format(time.RFC3339Nano),
		Payload:      e.Payload,
	})
}

// Record implements Recorder. A row that already exists is a redelivery and
// counts as recorded.
func (r *TableRecorder) Record(ctx context.Context, e Entry) error {
	payload, err := encodeEntry(e)
	if err != nil {
		return err
	}
	_, err = r.table.AddEntity(ctx, payload, nil)
	if alreadyExists(err) {
		return nil
	}
	return err
}

func alreadyExists(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict
}
