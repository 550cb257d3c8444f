package s3

import (
	"context"
	"testing"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(context.Background(), envconfig.MapLookuper(map[string]string{
		"S3_ENDPOINT":   "seaweed:8333",
		"S3_ACCESS_KEY": "ak",
		"S3_SECRET_KEY": "sk",
	}))
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.True(t, cfg.ForcePathStyle)

	url, err := cfg.endpointURL()
	require.NoError(t, err)
	assert.Equal(t, "https://seaweed:8333", url)

	cfg.DisableTLS = true
	url, err = cfg.endpointURL()
	require.NoError(t, err)
	assert.Equal(t, "http://seaweed:8333", url)
}

func TestLoadConfigRequiresCredentials(t *testing.T) {
	_, err := LoadConfig(context.Background(), envconfig.MapLookuper(map[string]string{
		"S3_ENDPOINT": "seaweed:8333",
	}))
	assert.Error(t, err)
}

func TestEncodeSHA256(t *testing.T) {
	got, err := encodeSHA256("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.NoError(t, err)
	assert.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", got)

	_, err = encodeSHA256("")
	assert.Error(t, err)
	_, err = encodeSHA256("zz")
	assert.Error(t, err)
}
