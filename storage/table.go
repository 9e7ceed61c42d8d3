package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// maxTransactionActions is the Azure Tables limit for one entity group transaction.
const maxTransactionActions = 100

// TableStore persists tasks, projects and users in Azure Table Storage.
// Tasks are partitioned by project so one project's writes can share a transaction.
type TableStore struct {
	taskTable    *aztables.Client
	projectTable *aztables.Client
	userTable    *aztables.Client
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr, tasksTable, projectsTable, usersTable string) (*TableStore, error) {
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
	return &TableStore{
		taskTable:    svc.NewClient(tasksTable),
		projectTable: svc.NewClient(projectsTable),
		userTable:    svc.NewClient(usersTable),
	}, nil
}

// entity carries the table keys.
type entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

const edmInt32 = "Edm.Int32"

type taskEntity struct {
	entity
	ETag        string `json:"odata.etag,omitempty"`
	Column      string `json:"Column"`
	Order       int    `json:"Order"`
	OrderType   string `json:"Order@odata.type,omitempty"`
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Assignee    string `json:"Assignee"`
	Creator     string `json:"Creator"`
	Priority    string `json:"Priority"`
	Status      string `json:"Status"`
	Tags        string `json:"Tags"`
	DueDate     string `json:"DueDate"`
	CompletedAt string `json:"CompletedAt"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

type projectEntity struct {
	entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Owner       string `json:"Owner"`
	Members     string `json:"Members"`
	Columns     string `json:"Columns"`
	Color       string `json:"Color"`
	Archived    bool   `json:"Archived"`
}

type userEntity struct {
	entity
	Username string `json:"Username"`
	Email    string `json:"Email"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s string) *time.Time {
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func encodeTaskEntity(t domain.Task) ([]byte, error) {
	ent := taskEntity{
		entity:      entity{PartitionKey: t.ProjectID, RowKey: t.ID},
		Column:      t.Column,
		Order:       t.Order,
		OrderType:   edmInt32,
		Title:       t.Title,
		Description: t.Description,
		Assignee:    t.AssigneeID(),
		Creator:     t.CreatorID(),
		Priority:    t.Priority,
		Status:      t.Status,
		DueDate:     formatTimePtr(t.DueDate),
		CompletedAt: formatTimePtr(t.CompletedAt),
		CreatedAt:   formatTime(t.CreatedAt),
		UpdatedAt:   formatTime(t.UpdatedAt),
	}
	if len(t.Tags) > 0 {
		tags, err := sonic.MarshalString(t.Tags)
		if err != nil {
			return nil, err
		}
		ent.Tags = tags
	}
	return sonic.Marshal(ent)
}

// decodeTaskEntity converts a listed entity; its odata.etag becomes the Version.
func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		ProjectID:   ent.PartitionKey,
		Column:      ent.Column,
		Order:       ent.Order,
		Title:       ent.Title,
		Description: ent.Description,
		Priority:    ent.Priority,
		Status:      ent.Status,
		DueDate:     parseTimePtr(ent.DueDate),
		CompletedAt: parseTimePtr(ent.CompletedAt),
		CreatedAt:   parseTime(ent.CreatedAt),
		UpdatedAt:   parseTime(ent.UpdatedAt),
		Version:     ent.ETag,
	}
	if ent.Assignee != "" {
		t.Assignee = &domain.UserRef{ID: ent.Assignee}
	}
	if ent.Creator != "" {
		t.Creator = &domain.UserRef{ID: ent.Creator}
	}
	if ent.Tags != "" {
		if err := sonic.UnmarshalString(ent.Tags, &t.Tags); err != nil {
			return domain.Task{}, fmt.Errorf("decode tags of %s: %w", ent.RowKey, err)
		}
	}
	return t, nil
}

func encodeProjectEntity(p domain.Project) ([]byte, error) {
	members, err := sonic.MarshalString(p.Members)
	if err != nil {
		return nil, err
	}
	columns, err := sonic.MarshalString(p.Columns)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(projectEntity{
		entity:      entity{PartitionKey: p.ID, RowKey: p.ID},
		Title:       p.Title,
		Description: p.Description,
		Owner:       p.Owner,
		Members:     members,
		Columns:     columns,
		Color:       p.Color,
		Archived:    p.Archived,
	})
}

func decodeProjectEntity(data []byte) (domain.Project, error) {
	var ent projectEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Owner:       ent.Owner,
		Color:       ent.Color,
		Archived:    ent.Archived,
	}
	if ent.Members != "" {
		if err := sonic.UnmarshalString(ent.Members, &p.Members); err != nil {
			return domain.Project{}, fmt.Errorf("decode members of %s: %w", ent.RowKey, err)
		}
	}
	if ent.Columns != "" {
		if err := sonic.UnmarshalString(ent.Columns, &p.Columns); err != nil {
			return domain.Project{}, fmt.Errorf("decode columns of %s: %w", ent.RowKey, err)
		}
	}
	if len(p.Columns) == 0 {
		p.Columns = domain.DefaultColumns()
	}
	return p, nil
}

// quote escapes a value for use inside an OData string literal.
func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func isStatus(err error, codes ...int) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	for _, c := range codes {
		if respErr.StatusCode == c {
			return true
		}
	}
	return false
}

// translateTableErr maps precondition failures to ErrConcurrencyConflict.
func translateTableErr(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == 412,
			respErr.ErrorCode == "UpdateConditionNotSatisfied",
			respErr.ErrorCode == "ConditionNotMet":
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		case respErr.StatusCode == 404, respErr.ErrorCode == "ResourceNotFound":
			// An entity of the batch disappeared under us; re-read and retry.
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		}
	}
	return err
}

// Ping reads at most one project to check the account is reachable.
func (s *TableStore) Ping(ctx context.Context) error {
	top := int32(1)
	pager := s.projectTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: &top})
	_, err := pager.NextPage(ctx)
	return err
}

func (s *TableStore) listTasks(ctx context.Context, filter string) ([]domain.Task, error) {
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// GetTask implements domain.TaskStore. Tasks are looked up by RowKey since the
// caller does not know the project.
func (s *TableStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	tasks, err := s.listTasks(ctx, "RowKey eq "+quote(id))
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

// ListColumn implements domain.TaskStore.
func (s *TableStore) ListColumn(ctx context.Context, projectID, column string) ([]domain.Task, error) {
	tasks, err := s.listTasks(ctx, "PartitionKey eq "+quote(projectID)+" and Column eq "+quote(column))
	if err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

// ListProjectTasks implements domain.TaskStore.
func (s *TableStore) ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	tasks, err := s.listTasks(ctx, "PartitionKey eq "+quote(projectID))
	if err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

// InsertTask implements domain.TaskStore.
func (s *TableStore) InsertTask(ctx context.Context, t domain.Task) error {
	payload, err := encodeTaskEntity(t)
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, payload, nil)
	return err
}

// UpdateTask replaces a task entity conditionally on its ETag.
func (s *TableStore) UpdateTask(ctx context.Context, t domain.Task) error {
	payload, err := encodeTaskEntity(t)
	if err != nil {
		return err
	}
	et := etagOf(t)
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	return translateTableErr(err)
}

func etagOf(t domain.Task) azcore.ETag {
	if t.Version == "" {
		return azcore.ETagAny
	}
	return azcore.ETag(t.Version)
}

// transactionActions builds the conditional actions of a batch.
func transactionActions(b domain.Batch) ([]aztables.TransactionAction, error) {
	actions := make([]aztables.TransactionAction, 0, len(b.Updates)+len(b.Deletes))
	for _, t := range b.Updates {
		if t.ProjectID != b.ProjectID {
			return nil, fmt.Errorf("task %s belongs to project %s, batch is for %s", t.ID, t.ProjectID, b.ProjectID)
		}
		payload, err := encodeTaskEntity(t)
		if err != nil {
			return nil, err
		}
		et := etagOf(t)
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateReplace,
			Entity:     payload,
			IfMatch:    &et,
		})
	}
	for _, t := range b.Deletes {
		if t.ProjectID != b.ProjectID {
			return nil, fmt.Errorf("task %s belongs to project %s, batch is for %s", t.ID, t.ProjectID, b.ProjectID)
		}
		payload, err := sonic.Marshal(entity{PartitionKey: t.ProjectID, RowKey: t.ID})
		if err != nil {
			return nil, err
		}
		et := etagOf(t)
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeDelete,
			Entity:     payload,
			IfMatch:    &et,
		})
	}
	return actions, nil
}

// CommitBatch submits the batch as entity group transactions. Batches of up to
// 100 writes are atomic; larger ones are split and only each chunk is atomic.
func (s *TableStore) CommitBatch(ctx context.Context, b domain.Batch) error {
	if b.Empty() {
		return nil
	}
	actions, err := transactionActions(b)
	if err != nil {
		return err
	}
	for start := 0; start < len(actions); start += maxTransactionActions {
		end := min(start+maxTransactionActions, len(actions))
		if _, err := s.taskTable.SubmitTransaction(ctx, actions[start:end], nil); err != nil {
			return translateTableErr(err)
		}
	}
	return nil
}

// GetProject implements domain.ProjectStore.
func (s *TableStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	ent, err := s.projectTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, nil
		}
		return nil, err
	}
	p, err := decodeProjectEntity(ent.Value)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProject creates or replaces a project entity.
func (s *TableStore) UpsertProject(ctx context.Context, p domain.Project) error {
	payload, err := encodeProjectEntity(p)
	if err == nil {
		_, err = s.projectTable.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// UpsertUser creates or replaces a user entity.
func (s *TableStore) UpsertUser(ctx context.Context, u domain.UserRef) error {
	payload, err := sonic.Marshal(userEntity{
		entity:   entity{PartitionKey: u.ID, RowKey: u.ID},
		Username: u.Username,
		Email:    u.Email,
	})
	if err == nil {
		_, err = s.userTable.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// LookupUsers implements domain.UserDirectory. Unknown ids are omitted.
func (s *TableStore) LookupUsers(ctx context.Context, ids []string) (map[string]domain.UserRef, error) {
	out := make(map[string]domain.UserRef, len(ids))
	for _, id := range ids {
		ent, err := s.userTable.GetEntity(ctx, id, id, nil)
		if err != nil {
			if isStatus(err, 404) {
				continue
			}
			return nil, err
		}
		var u userEntity
		if err := sonic.Unmarshal(ent.Value, &u); err != nil {
			return nil, err
		}
		out[id] = domain.UserRef{ID: u.RowKey, Username: u.Username, Email: u.Email}
	}
	return out, nil
}

func sortTasks(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Column != tasks[j].Column {
			return tasks[i].Column < tasks[j].Column
		}
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}
		return tasks[i].ID < tasks[j].ID
	})
}
