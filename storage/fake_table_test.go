package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// fakeTable keeps raw entities keyed by PartitionKey/RowKey and applies
// merges the way the table service does.
type fakeTable struct {
	mu       sync.Mutex
	rows     map[string]map[string]any
	addErr   error
	mergeErr error
	merges   int
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: make(map[string]map[string]any)}
}

func entityKey(pk, rk string) string { return pk + "|" + rk }

func (f *fakeTable) AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	if f.addErr != nil {
		return aztables.AddEntityResponse{}, f.addErr
	}
	var row map[string]any
	if err := json.Unmarshal(entity, &row); err != nil {
		return aztables.AddEntityResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := entityKey(row["PartitionKey"].(string), row["RowKey"].(string))
	if _, ok := f.rows[k]; ok {
		return aztables.AddEntityResponse{}, &azcore.ResponseError{StatusCode: 409}
	}
	f.rows[k] = row
	return aztables.AddEntityResponse{}, nil
}

func (f *fakeTable) UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges++
	if f.mergeErr != nil {
		return aztables.UpdateEntityResponse{}, f.mergeErr
	}
	var patch map[string]any
	if err := json.Unmarshal(entity, &patch); err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	k := entityKey(patch["PartitionKey"].(string), patch["RowKey"].(string))
	row, ok := f.rows[k]
	if !ok {
		return aztables.UpdateEntityResponse{}, &azcore.ResponseError{StatusCode: 404}
	}
	for name, v := range patch {
		row[name] = v
	}
	return aztables.UpdateEntityResponse{}, nil
}

func (f *fakeTable) GetEntity(ctx context.Context, partitionKey string, rk string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[entityKey(partitionKey, rk)]
	if !ok {
		return aztables.GetEntityResponse{}, &azcore.ResponseError{StatusCode: 404}
	}
	data, err := json.Marshal(row)
	if err != nil {
		return aztables.GetEntityResponse{}, err
	}
	return aztables.GetEntityResponse{Value: data}, nil
}

// NewListEntitiesPager understands the single "PartitionKey eq '...'"
// filter used by ListFolders.
func (f *fakeTable) NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	pk := ""
	if listOptions != nil && listOptions.Filter != nil {
		pk = strings.TrimSuffix(strings.TrimPrefix(*listOptions.Filter, "PartitionKey eq '"), "'")
		pk = strings.ReplaceAll(pk, "''", "'")
	}
	f.mu.Lock()
	var keys []string
	for k, row := range f.rows {
		if row["PartitionKey"] == pk {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var entities [][]byte
	for _, k := range keys {
		data, _ := json.Marshal(f.rows[k])
		entities = append(entities, data)
	}
	f.mu.Unlock()

	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return false },
		Fetcher: func(ctx context.Context, _ *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			return aztables.ListEntitiesResponse{Entities: entities}, nil
		},
	})
}

func (f *fakeTable) row(pk, rk string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[entityKey(pk, rk)]
}
