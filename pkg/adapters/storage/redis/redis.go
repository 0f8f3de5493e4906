package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

// StateStore implements ports.StateStore on Redis. Workflow documents
// are stored whole as JSON under one key per material; an in-flight
// counter hash is maintained alongside each save so capacity checks do
// not scan every document.
type StateStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStateStore creates a Redis state store on an existing client. The
// client's lifecycle is owned by the caller.
func NewStateStore(client *redis.Client, logger *zap.Logger) *StateStore {
	return &StateStore{
		client: client,
		logger: logger,
	}
}

// SaveWorkflow persists the document and refreshes its in-flight count.
func (s *StateStore) SaveWorkflow(ctx context.Context, wf *domain.WorkflowState) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", wf.Material.ID, err)
	}

	inFlight := len(wf.InFlight())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, getWorkflowKey(wf.Material.ID), data, 0)
		if inFlight > 0 {
			pipe.HSet(ctx, inFlightKey, wf.Material.ID, inFlight)
		} else {
			pipe.HDel(ctx, inFlightKey, wf.Material.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.Material.ID, err)
	}

	s.logger.Debug("workflow saved",
		zap.String("material_id", wf.Material.ID),
		zap.Int("in_flight", inFlight))
	return nil
}

// GetWorkflow loads the document for a material.
func (s *StateStore) GetWorkflow(ctx context.Context, materialID string) (*domain.WorkflowState, error) {
	data, err := s.client.Get(ctx, getWorkflowKey(materialID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ports.ErrNotFound
		}
		return nil, fmt.Errorf("get workflow %s: %w", materialID, err)
	}

	var wf domain.WorkflowState
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", materialID, err)
	}
	return &wf, nil
}

// ListWorkflowIDs scans for workflow keys and extracts material IDs.
func (s *StateStore) ListWorkflowIDs(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx, workflowKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(key) > len(workflowKeyPrefix) {
			ids = append(ids, key[len(workflowKeyPrefix):])
		}
	}
	return ids, nil
}

// ListFailed loads every document and collects terminally failed
// calculations in plan order.
func (s *StateStore) ListFailed(ctx context.Context) ([]*domain.Calculation, error) {
	ids, err := s.ListWorkflowIDs(ctx)
	if err != nil {
		return nil, err
	}

	var out []*domain.Calculation
	for _, id := range ids {
		wf, err := s.GetWorkflow(ctx, id)
		if err != nil {
			if err == ports.ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, wf.Failed()...)
	}
	return out, nil
}

// CountInFlight sums the in-flight counter hash.
func (s *StateStore) CountInFlight(ctx context.Context) (int, error) {
	counts, err := s.client.HVals(ctx, inFlightKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count in-flight: %w", err)
	}

	total := 0
	for _, v := range counts {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			total += n
		}
	}
	return total, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (s *StateStore) Close() error {
	return nil
}

func (s *StateStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

const (
	workflowKeyPrefix = "kiln:workflow:"
	inFlightKey       = "kiln:inflight"
)

// getWorkflowKey returns the Redis key for a material's workflow
// document.
func getWorkflowKey(materialID string) string {
	return workflowKeyPrefix + materialID
}
