package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataset_Defaults(t *testing.T) {
	ds, err := ParseDataset([]byte(`
key: broward-nal
provider: fdor_nal
url: https://example.com/nal.zip
county: Broward
state: FL
opportunities: true
`))
	require.NoError(t, err)
	assert.Equal(t, DetectHeaders, ds.Detect)
	assert.Equal(t, "fl", ds.Region)
	assert.True(t, ds.Opportunities)
}

func TestParseDataset_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing key":      "provider: x\nurl: https://e.com/a.zip\n",
		"missing url":      "key: a\nprovider: x\n",
		"missing provider": "key: a\nurl: https://e.com/a.zip\n",
		"bad detect":       "key: a\nprovider: x\nurl: https://e.com/a.zip\ndetect: sniff\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDataset([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_FromEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(
		"key: a\nprovider: generic_csv\nurl: https://e.com/a.zip\nstate: FL\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	t.Setenv("DATASET_CONFIG_DIR", dir)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("LOCK_BACKEND", "")
	t.Setenv("SYNC_ORG_IDS", " org-1, ,org-2 ")
	t.Setenv("SYNC_MIN_SCORE", "55")
	t.Setenv("SYNC_FORCE", "true")
	t.Setenv("LOCK_TTL", "10m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, DriverSQLite, cfg.Lock.Backend)
	assert.Equal(t, []string{"org-1", "org-2"}, cfg.Sync.OrganizationIDs)
	assert.Equal(t, 55, cfg.Sync.MinScore)
	assert.True(t, cfg.Sync.Force)
	assert.Equal(t, 250, cfg.Sync.ChunkSize)
	assert.Equal(t, 10*time.Minute, cfg.Lock.TTL)
	assert.Equal(t, []string{"a"}, cfg.DatasetKeys())
}

func TestLoad_RedisLockRequiresURL(t *testing.T) {
	t.Setenv("DATASET_CONFIG_DIR", t.TempDir())
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("REDIS_URL", "")

	_, err := Load()
	assert.Error(t, err)
}
