package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veranemoloko/attachment-fetcher/internal/domain"
	errpkg "github.com/veranemoloko/attachment-fetcher/internal/errors"
	"github.com/veranemoloko/attachment-fetcher/internal/repository"
)

// LedgerService exposes the dedup ledger for inspection and for deliberate
// re-downloads: an item whose record is forgotten is fetched again by the
// next session that reaches it.
type LedgerService struct {
	ledger repository.DedupLedger
	logger *slog.Logger
}

func NewLedgerService(ledger repository.DedupLedger, logger *slog.Logger) *LedgerService {
	return &LedgerService{ledger: ledger, logger: logger}
}

// GetRecord returns the completion record of an item.
func (s *LedgerService) GetRecord(ctx context.Context, containerID, itemID string) (domain.DedupRecord, error) {
	if containerID == "" || itemID == "" {
		return domain.DedupRecord{}, fmt.Errorf("%w: container and item id are required", errpkg.ErrInvalidRequest)
	}
	rec, found, err := s.ledger.Get(ctx, containerID, itemID)
	if err != nil {
		return domain.DedupRecord{}, fmt.Errorf("get ledger record: %w", err)
	}
	if !found {
		return domain.DedupRecord{}, errpkg.ErrRecordNotFound
	}
	return rec, nil
}

// Forget drops the completion record of an item. The downloaded file is left
// in place and is overwritten when the item is fetched again.
func (s *LedgerService) Forget(ctx context.Context, containerID, itemID string) error {
	if containerID == "" || itemID == "" {
		return fmt.Errorf("%w: container and item id are required", errpkg.ErrInvalidRequest)
	}
	removed, err := s.ledger.Forget(ctx, containerID, itemID)
	if err != nil {
		return fmt.Errorf("forget ledger record: %w", err)
	}
	if !removed {
		return errpkg.ErrRecordNotFound
	}
	s.logger.Info("ledger record forgotten, item will be downloaded again",
		"container_id", containerID,
		"item_id", itemID,
	)
	return nil
}
