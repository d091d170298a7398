package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

const edmInt64 = "Edm.Int64"

// DefaultPartition is the partition key every task row is written under.
const DefaultPartition = "board"

type taskEntity struct {
	PartitionKey       string `json:"PartitionKey"`
	RowKey             string `json:"RowKey"`
	Title              string `json:"Title"`
	Description        string `json:"Description"`
	Status             string `json:"Status"`
	CreatedAt          int64  `json:"CreatedAt,string"`
	CreatedAtType      string `json:"CreatedAt@odata.type"`
	LastModifiedAt     int64  `json:"LastModifiedAt,string"`
	LastModifiedAtType string `json:"LastModifiedAt@odata.type"`
}

// taskMerge carries the columns an update may touch. CreatedAt is absent so a
// merge leaves it untouched.
type taskMerge struct {
	PartitionKey       string `json:"PartitionKey"`
	RowKey             string `json:"RowKey"`
	Title              string `json:"Title"`
	Description        string `json:"Description"`
	Status             string `json:"Status"`
	LastModifiedAt     int64  `json:"LastModifiedAt,string"`
	LastModifiedAtType string `json:"LastModifiedAt@odata.type"`
}

// TableStore persists tasks in an Azure Storage table.
type TableStore struct {
	table     *aztables.Client
	partition string
}

// NewTableClient builds a table client from a storage connection string.
func NewTableClient(connStr, table string) (*aztables.Client, error) {
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
	return svc.NewClient(table), nil
}

// NewTableStore stores tasks under the given partition (DefaultPartition when empty).
func NewTableStore(table *aztables.Client, partition string) *TableStore {
	if partition == "" {
		partition = DefaultPartition
	}
	return &TableStore{table: table, partition: partition}
}

func (s *TableStore) GetAll(ctx context.Context) ([]domain.Task, error) {
	return s.list(ctx, partitionFilter(s.partition))
}

func (s *TableStore) GetByState(ctx context.Context, state domain.State) ([]domain.Task, error) {
	return s.list(ctx, stateFilter(s.partition, state))
}

func (s *TableStore) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	ent, err := s.table.GetEntity(ctx, s.partition, id, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, nil
		}
		return nil, err
	}
	t, err := decodeTaskEntity(ent.Value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *TableStore) Add(ctx context.Context, task domain.Task) (domain.Task, error) {
	payload, err := encodeTaskEntity(s.partition, task)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, fmt.Errorf("add task %s: %w", task.ID, err)
	}
	return task, nil
}

func (s *TableStore) Update(ctx context.Context, task domain.Task) (domain.Task, error) {
	payload, err := encodeTaskMerge(s.partition, task)
	if err != nil {
		return domain.Task{}, err
	}
	et := azcore.ETagAny
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		if isStatus(err, 404) {
			return domain.Task{}, fmt.Errorf("update task %s: %w", task.ID, domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return task, nil
}

func (s *TableStore) Delete(ctx context.Context, id string) error {
	if _, err := s.table.DeleteEntity(ctx, s.partition, id, nil); err != nil && !isStatus(err, 404) {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// Ping issues a cheap single-row query against the table.
func (s *TableStore) Ping(ctx context.Context) error {
	top := int32(1)
	filter := partitionFilter(s.partition)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	if !pager.More() {
		return nil
	}
	_, err := pager.NextPage(ctx)
	return err
}

func (s *TableStore) list(ctx context.Context, filter string) ([]domain.Task, error) {
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
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
	sortByCreation(tasks)
	return tasks, nil
}

func encodeTaskEntity(partition string, t domain.Task) ([]byte, error) {
	return sonic.Marshal(taskEntity{
		PartitionKey:       partition,
		RowKey:             t.ID,
		Title:              t.Title,
		Description:        t.Description,
		Status:             string(t.Status),
		CreatedAt:          t.CreatedAt.UnixNano(),
		CreatedAtType:      edmInt64,
		LastModifiedAt:     t.LastModifiedAt.UnixNano(),
		LastModifiedAtType: edmInt64,
	})
}

func encodeTaskMerge(partition string, t domain.Task) ([]byte, error) {
	return sonic.Marshal(taskMerge{
		PartitionKey:       partition,
		RowKey:             t.ID,
		Title:              t.Title,
		Description:        t.Description,
		Status:             string(t.Status),
		LastModifiedAt:     t.LastModifiedAt.UnixNano(),
		LastModifiedAtType: edmInt64,
	})
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:             ent.RowKey,
		Title:          ent.Title,
		Description:    ent.Description,
		Status:         domain.State(ent.Status),
		CreatedAt:      time.Unix(0, ent.CreatedAt).UTC(),
		LastModifiedAt: time.Unix(0, ent.LastModifiedAt).UTC(),
	}, nil
}

func partitionFilter(partition string) string {
	return "PartitionKey eq '" + quoteODataString(partition) + "'"
}

func stateFilter(partition string, state domain.State) string {
	return partitionFilter(partition) + " and Status eq '" + quoteODataString(string(state)) + "'"
}

func quoteODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}
