package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

// FlowStorage implements the FlowStorage interface for Badger
type FlowStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewFlowStorage creates a new FlowStorage instance
func NewFlowStorage(db *BadgerDB, logger arbor.ILogger) interfaces.FlowStorage {
	return &FlowStorage{
		db:     db,
		logger: logger,
	}
}

func (s *FlowStorage) Upsert(ctx context.Context, flow *models.Flow) error {
	if flow.FlowID == "" {
		return models.ErrInvalidInput("flow ID is required", nil)
	}
	if err := s.db.Store().Upsert(flow.FlowID, flow); err != nil {
		return models.ErrBrokerUnavailable(fmt.Sprintf("failed to save flow %s", flow.FlowID), err)
	}
	return nil
}

func (s *FlowStorage) Get(ctx context.Context, flowID string) (*models.Flow, error) {
	var flow models.Flow
	if err := s.db.Store().Get(flowID, &flow); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.ErrNotFound(fmt.Sprintf("flow %s not found", flowID), nil)
		}
		return nil, models.ErrBrokerUnavailable("failed to get flow", err)
	}
	return &flow, nil
}

func (s *FlowStorage) ListByUser(ctx context.Context, userID string) ([]*models.Flow, error) {
	var flows []models.Flow
	if err := s.db.Store().Find(&flows, badgerhold.Where("UserID").Eq(userID).Index("UserID").SortBy("CreatedAt").Reverse()); err != nil {
		return nil, models.ErrBrokerUnavailable("failed to list flows", err)
	}

	result := make([]*models.Flow, len(flows))
	for i := range flows {
		result[i] = &flows[i]
	}
	return result, nil
}

func (s *FlowStorage) Delete(ctx context.Context, flowID string) error {
	if err := s.db.Store().Delete(flowID, &models.Flow{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return models.ErrBrokerUnavailable("failed to delete flow", err)
	}
	return nil
}
