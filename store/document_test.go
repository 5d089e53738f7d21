package store

import (
	"testing"
	"time"

	"github.com/llm-router/keyrouter/domain"
	"github.com/stretchr/testify/assert"
)

func TestBsonKeyDocRoundTrip(t *testing.T) {
	now := time.Now().UTC()
	k := &domain.Key{
		ID:                "k1",
		EncryptedMaterial: []byte("v1:abc"),
		ProviderID:        "openai",
		State:             domain.KeyAvailable,
		StateUpdatedAt:    now,
		CreatedAt:         now,
		UsageCount:        3,
		FailureCount:      1,
		Metadata:          map[string]interface{}{"region": "us-east-1"},
	}

	doc := bsonKey(k)
	got := doc.toDomain()

	assert.Equal(t, k.ID, got.ID)
	assert.Equal(t, k.ProviderID, got.ProviderID)
	assert.Equal(t, k.State, got.State)
	assert.Equal(t, k.UsageCount, got.UsageCount)
	assert.Equal(t, k.FailureCount, got.FailureCount)
	assert.Equal(t, k.Metadata["region"], got.Metadata["region"])
}

func TestDecodeByEntityRejectsUnknownType(t *testing.T) {
	_, err := decodeByEntity(EntityType("bogus"), nil)
	assert.Error(t, err)
}
