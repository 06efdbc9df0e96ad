package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/throttle"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const apiKeyCacheTTL = 5 * time.Minute

// Stores keys in the database
type APIKeyStore interface {
	Create(ctx context.Context, apiKey *models.APIKey) error
	FindByHash(ctx context.Context, hash string) (*models.APIKey, error)
	List(ctx context.Context) ([]models.APIKey, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID) error
}

// Caches validated keys, satisfied by *storage.RedisClient
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type APIKeyService struct {
	repository APIKeyStore
	cache      Cache
	logger     *zap.Logger
}

func NewAPIKeyService(repo APIKeyStore, cache Cache, logger *zap.Logger) *APIKeyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIKeyService{
		repository: repo,
		cache:      cache,
		logger:     logger,
	}
}

// Issues a new key and returns its plain value (only time it's visible)
func (s *APIKeyService) Create(ctx context.Context, name, createdBy, tier string) (string, *models.APIKey, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	key := "gw_" + base64.RawURLEncoding.EncodeToString(keyBytes)

	apiKey := &models.APIKey{
		KeyHash:   hashKey(key),
		Name:      name,
		CreatedBy: createdBy,
		Tier:      throttle.Tier(tier),
		IsActive:  true,
	}

	if err := s.repository.Create(ctx, apiKey); err != nil {
		return "", nil, fmt.Errorf("failed to create API key: %w", err)
	}

	return key, apiKey, nil
}

// Returns the active key matching the plain value, or nil
func (s *APIKeyService) Validate(ctx context.Context, key string) (*models.APIKey, error) {
	keyHash := hashKey(key)
	cacheKey := "apikey:cache:" + keyHash

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey)
		if err == nil && cached != "" {
			var apiKey models.APIKey
			if err := json.Unmarshal([]byte(cached), &apiKey); err == nil {
				return &apiKey, nil
			}
		}
	}

	apiKey, err := s.repository.FindByHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if apiKey == nil {
		return nil, nil
	}

	if s.cache != nil {
		apiKeyJSON, _ := json.Marshal(apiKey)
		if err := s.cache.Set(ctx, cacheKey, apiKeyJSON, apiKeyCacheTTL); err != nil {
			s.logger.Warn("Failed to cache API key", zap.Error(err))
		}
	}

	return apiKey, nil
}

func (s *APIKeyService) List(ctx context.Context) ([]models.APIKey, error) {
	return s.repository.List(ctx)
}

// Records usage without blocking the request
func (s *APIKeyService) TouchAsync(id uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.repository.UpdateLastUsed(ctx, id); err != nil {
			s.logger.Warn("Failed to update API key last use",
				zap.String("api_key_id", id.String()),
				zap.Error(err),
			)
		}
	}()
}

func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
