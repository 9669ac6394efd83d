package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stemforge/api/internal/client"
	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/store"
)

// UploadService registers session-owned input assets after the client has
// pushed bytes to storage. Direct-to-storage token issuance lives outside
// this service; we only record the result and charge the quota.
type UploadService struct {
	assets  store.AssetStore
	quota   store.QuotaLedger
	storage client.StorageClient
}

func NewUploadService(assets store.AssetStore, quota store.QuotaLedger, storage client.StorageClient) *UploadService {
	return &UploadService{
		assets:  assets,
		quota:   quota,
		storage: storage,
	}
}

// RegisterAsset records an uploaded asset against the session, gated by the
// daily byte quota.
func (s *UploadService) RegisterAsset(ctx context.Context, sessionID string, req *model.RegisterAssetRequest) (*model.Asset, error) {
	decision, err := s.quota.CanUpload(ctx, sessionID, req.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("quota check failed: %w", err)
	}
	if !decision.Allowed {
		return nil, &QuotaError{Decision: decision}
	}

	now := time.Now()
	asset := &model.Asset{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		BlobKey:     req.BlobKey,
		SizeBytes:   req.SizeBytes,
		DurationSec: req.DurationSec,
		Consent:     req.Consent,
		CreatedAt:   now,
	}
	if s.storage != nil {
		asset.BlobURL = s.storage.GetPublicURL(req.BlobKey)
	}

	if err := s.assets.Save(ctx, asset); err != nil {
		return nil, fmt.Errorf("failed to save asset: %w", err)
	}

	if err := s.quota.Bump(ctx, sessionID, store.Day(now), model.QuotaDeltas{
		Bytes: req.SizeBytes,
	}); err != nil {
		return nil, fmt.Errorf("quota bump failed: %w", err)
	}
	return asset, nil
}

// ArtifactDownloadURL issues a time-limited signed URL for an artifact blob.
func (s *UploadService) ArtifactDownloadURL(ctx context.Context, blobKey string, expiry time.Duration) (string, error) {
	if s.storage == nil {
		return "", errors.New("storage not configured")
	}
	return s.storage.GetSignedURL(ctx, blobKey, expiry)
}
