// Package redisstore provides a WorkflowStore backed by Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
)

// WorkflowStore is a port.WorkflowStore backed by Redis.
// Key layout:
//
//	<prefix>wf:<id>            => HASH {data: JSON record, version: int}
//	<prefix>idx:all            => ZSET of workflow ids scored by created_at (µs)
//	<prefix>invoice:<invoice>  => id of the invoice's active workflow
//	<prefix>hist:<id>          => LIST of JSON transition entries
//
// Create and Update run as Lua scripts so the version check, the active
// invoice marker and the history append commit together. Listing reads the
// whole index, which suits a single clinic's open caseload.
type WorkflowStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

var _ port.WorkflowStore = (*WorkflowStore)(nil)

// NewWorkflowStore creates a store. prefix is optional (e.g. "clinic:").
func NewWorkflowStore(client *redis.Client, prefix string, logger *zap.Logger) *WorkflowStore {
	if prefix == "" {
		prefix = "clinic:"
	}
	return &WorkflowStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

const (
	resultOK        = 1
	resultConflict  = -1
	resultNotFound  = -2
	resultDuplicate = -3
)

// KEYS: wf, invoice, idx:all, hist
// ARGV: id, data, version, score, active ("1"/"0"), entry
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -1
end
if ARGV[5] == '1' then
	if redis.call('EXISTS', KEYS[2]) == 1 then
		return -3
	end
	redis.call('SET', KEYS[2], ARGV[1])
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
if ARGV[6] ~= '' then
	redis.call('RPUSH', KEYS[4], ARGV[6])
end
return 1
`)

// KEYS: wf, invoice, hist
// ARGV: id, data, version, expected, active, entry
var updateScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if not current then
	return -2
end
if tonumber(current) ~= tonumber(ARGV[4]) then
	return -1
end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'version', ARGV[3])
if ARGV[5] == '0' and redis.call('GET', KEYS[2]) == ARGV[1] then
	redis.call('DEL', KEYS[2])
end
if ARGV[6] ~= '' then
	redis.call('RPUSH', KEYS[3], ARGV[6])
end
return 1
`)

func (s *WorkflowStore) keyWorkflow(id string) string {
	return s.prefix + "wf:" + id
}

func (s *WorkflowStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *WorkflowStore) keyInvoice(invoiceID string) string {
	return s.prefix + "invoice:" + invoiceID
}

func (s *WorkflowStore) keyHistory(id string) string {
	return s.prefix + "hist:" + id
}

func (s *WorkflowStore) Create(ctx context.Context, rec *entity.WorkflowRecord, entry *entity.TransitionEntry) error {
	data, entryData, err := encode(rec, entry)
	if err != nil {
		return err
	}

	res, err := createScript.Run(ctx, s.client,
		[]string{s.keyWorkflow(rec.ID), s.keyInvoice(rec.InvoiceID), s.keyAll(), s.keyHistory(rec.ID)},
		rec.ID, data, rec.Version, rec.CreatedAt.UnixMicro(), activeFlag(rec), entryData,
	).Int()
	if err != nil {
		s.logger.Error("Failed to create workflow", zap.String("id", rec.ID), zap.Error(err))
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	switch res {
	case resultOK:
		return nil
	case resultDuplicate:
		return fmt.Errorf("invoice %s: %w", rec.InvoiceID, domainwf.ErrDuplicateActiveWorkflow)
	default:
		return fmt.Errorf("workflow %s already exists", rec.ID)
	}
}

func (s *WorkflowStore) Get(ctx context.Context, id string) (*entity.WorkflowRecord, error) {
	data, err := s.client.HGet(ctx, s.keyWorkflow(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, domainwf.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return decodeRecord(data)
}

func (s *WorkflowStore) FindActiveByInvoice(ctx context.Context, invoiceID string) (*entity.WorkflowRecord, error) {
	id, err := s.client.Get(ctx, s.keyInvoice(invoiceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domainwf.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice marker: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *WorkflowStore) Update(ctx context.Context, rec *entity.WorkflowRecord, expectedVersion int64, entry *entity.TransitionEntry) error {
	data, entryData, err := encode(rec, entry)
	if err != nil {
		return err
	}

	res, err := updateScript.Run(ctx, s.client,
		[]string{s.keyWorkflow(rec.ID), s.keyInvoice(rec.InvoiceID), s.keyHistory(rec.ID)},
		rec.ID, data, rec.Version, expectedVersion, activeFlag(rec), entryData,
	).Int()
	if err != nil {
		s.logger.Error("Failed to update workflow", zap.String("id", rec.ID), zap.Error(err))
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	switch res {
	case resultOK:
		return nil
	case resultNotFound:
		return domainwf.ErrWorkflowNotFound
	default:
		return port.ErrVersionConflict
	}
}

func (s *WorkflowStore) List(ctx context.Context, filter entity.WorkflowFilter) ([]*entity.WorkflowRecord, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*entity.WorkflowRecord, 0)
	for _, rec := range all {
		if filter.Matches(rec) {
			result = append(result, rec)
		}
	}
	return filter.Page(result), nil
}

func (s *WorkflowStore) ListByDoctor(ctx context.Context, doctorID string, statuses []domainwf.State) ([]*entity.WorkflowRecord, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*entity.WorkflowRecord, 0)
	for _, rec := range all {
		if rec.DoctorID == doctorID && containsState(statuses, rec.Status) {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (s *WorkflowStore) CountByDoctor(ctx context.Context, statuses []domainwf.State) (map[string]int, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, rec := range all {
		if rec.DoctorID != "" && containsState(statuses, rec.Status) {
			counts[rec.DoctorID]++
		}
	}
	return counts, nil
}

func (s *WorkflowStore) History(ctx context.Context, workflowID string) ([]*entity.TransitionEntry, error) {
	exists, err := s.client.Exists(ctx, s.keyWorkflow(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check workflow: %w", err)
	}
	if exists == 0 {
		return nil, domainwf.ErrWorkflowNotFound
	}

	raw, err := s.client.LRange(ctx, s.keyHistory(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	entries := make([]*entity.TransitionEntry, 0, len(raw))
	for _, item := range raw {
		var e entity.TransitionEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// loadAll returns every workflow in index order: created_at, then id
func (s *WorkflowStore) loadAll(ctx context.Context) ([]*entity.WorkflowRecord, error) {
	ids, err := s.client.ZRange(ctx, s.keyAll(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow index: %w", err)
	}
	if len(ids) == 0 {
		return []*entity.WorkflowRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.keyWorkflow(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}

	records := make([]*entity.WorkflowRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	// the index score is microseconds; settle sub-microsecond ties here
	entity.SortByArrival(records)
	return records, nil
}

func encode(rec *entity.WorkflowRecord, entry *entity.TransitionEntry) (string, string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode workflow: %w", err)
	}
	if entry == nil {
		return string(data), "", nil
	}
	entryData, err := json.Marshal(entry)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode history entry: %w", err)
	}
	return string(data), string(entryData), nil
}

func decodeRecord(data string) (*entity.WorkflowRecord, error) {
	var rec entity.WorkflowRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	return &rec, nil
}

func activeFlag(rec *entity.WorkflowRecord) string {
	if rec.IsActive() {
		return "1"
	}
	return "0"
}

func containsState(states []domainwf.State, s domainwf.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
