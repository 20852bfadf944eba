package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// fakeTable stores entities as JSON maps keyed by partition and row.
// List filters only understand "PartitionKey eq '<value>'".
type fakeTable struct {
	mu       sync.Mutex
	rows     map[string]map[string]any
	pageSize int
	created  int
	failWith error
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: map[string]map[string]any{}, pageSize: 2}
}

func rowID(pk, rk string) string { return pk + "\x00" + rk }

func notFound() error {
	return &azcore.ResponseError{ErrorCode: string(aztables.ResourceNotFound), StatusCode: 404}
}

func decodeKeys(entity []byte) (map[string]any, string, error) {
	var m map[string]any
	if err := json.Unmarshal(entity, &m); err != nil {
		return nil, "", err
	}
	pk, _ := m["PartitionKey"].(string)
	rk, _ := m["RowKey"].(string)
	if pk == "" || rk == "" {
		return nil, "", errors.New("missing keys")
	}
	return m, rowID(pk, rk), nil
}

func (f *fakeTable) CreateTable(context.Context, *aztables.CreateTableOptions) (aztables.CreateTableResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	if f.created > 1 {
		return aztables.CreateTableResponse{}, &azcore.ResponseError{ErrorCode: string(aztables.TableAlreadyExists), StatusCode: 409}
	}
	return aztables.CreateTableResponse{}, nil
}

func (f *fakeTable) AddEntity(_ context.Context, entity []byte, _ *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return aztables.AddEntityResponse{}, f.failWith
	}
	m, id, err := decodeKeys(entity)
	if err != nil {
		return aztables.AddEntityResponse{}, err
	}
	if _, ok := f.rows[id]; ok {
		return aztables.AddEntityResponse{}, &azcore.ResponseError{ErrorCode: string(aztables.EntityAlreadyExists), StatusCode: 409}
	}
	f.rows[id] = m
	return aztables.AddEntityResponse{}, nil
}

func (f *fakeTable) GetEntity(_ context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[rowID(pk, rk)]
	if !ok {
		return aztables.GetEntityResponse{}, notFound()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return aztables.GetEntityResponse{}, err
	}
	return aztables.GetEntityResponse{Value: data}, nil
}

func (f *fakeTable) UpdateEntity(_ context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return aztables.UpdateEntityResponse{}, f.failWith
	}
	m, id, err := decodeKeys(entity)
	if err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	cur, ok := f.rows[id]
	if !ok {
		return aztables.UpdateEntityResponse{}, notFound()
	}
	if o == nil || o.UpdateMode != aztables.UpdateModeMerge {
		f.rows[id] = m
		return aztables.UpdateEntityResponse{}, nil
	}
	for k, v := range m {
		cur[k] = v
	}
	return aztables.UpdateEntityResponse{}, nil
}

func (f *fakeTable) UpsertEntity(_ context.Context, entity []byte, _ *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, id, err := decodeKeys(entity)
	if err != nil {
		return aztables.UpsertEntityResponse{}, err
	}
	f.rows[id] = m
	return aztables.UpsertEntityResponse{}, nil
}

func (f *fakeTable) DeleteEntity(_ context.Context, pk, rk string, _ *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[rowID(pk, rk)]; !ok {
		return aztables.DeleteEntityResponse{}, notFound()
	}
	delete(f.rows, rowID(pk, rk))
	return aztables.DeleteEntityResponse{}, nil
}

func (f *fakeTable) NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	f.mu.Lock()
	var pk string
	if o != nil && o.Filter != nil {
		v := strings.TrimPrefix(*o.Filter, "PartitionKey eq ")
		pk = strings.ReplaceAll(strings.Trim(v, "'"), "''", "'")
	}
	var ids []string
	for id := range f.rows {
		if strings.HasPrefix(id, pk+"\x00") {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var pages [][][]byte
	for i := 0; i < len(ids); i += f.pageSize {
		var page [][]byte
		for _, id := range ids[i:min(i+f.pageSize, len(ids))] {
			data, _ := json.Marshal(f.rows[id])
			page = append(page, data)
		}
		pages = append(pages, page)
	}
	f.mu.Unlock()

	next := 0
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool {
			return next < len(pages)
		},
		Fetcher: func(context.Context, *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			if next >= len(pages) {
				return aztables.ListEntitiesResponse{}, nil
			}
			page := pages[next]
			next++
			return aztables.ListEntitiesResponse{Entities: page}, nil
		},
	})
}
