package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0640))
	return configPath
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, "gcs", cfg.General.RemoteStorage)
	assert.Equal(t, 3, cfg.General.FilesCount)
	assert.Equal(t, DefaultProjectID, cfg.PubSub.ProjectID)
	assert.Equal(t, "test-topic-1", cfg.PubSub.Topic)
	assert.Equal(t, "test-sub-1", cfg.PubSub.Subscription)
	assert.Equal(t, 3, cfg.PubSub.MessagesCount)
	assert.Equal(t, 5*time.Second, cfg.PubSub.ReceiveDuration)
	assert.Equal(t, "curious-entropy-199817-test-bucket-1", cfg.GCS.Bucket)
	assert.Equal(t, "prefix-1/prefix-2/prefix-3", cfg.GCS.Path)
	assert.Equal(t, DefaultCredentialsFile, cfg.GCS.CredentialsFile)
}

func TestLoadConfigYamlAndEnv(t *testing.T) {
	configPath := writeConfig(t, `
general:
  files_count: 5
  retries_on_failure: 2
  retries_pause: 1s
pubsub:
  project_id: other-project
  topic: yaml-topic
  receive_timeout: 10s
gcs:
  project_id: ""
  bucket: ""
  path: /custom/prefix/
`)
	t.Setenv("PUBSUB_TOPIC", "env-topic")
	t.Setenv("GCS_PATH", " /env/prefix/ ")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.General.FilesCount)
	assert.Equal(t, time.Second, cfg.General.RetriesDuration)
	assert.Equal(t, "env-topic", cfg.PubSub.Topic)
	assert.Equal(t, 10*time.Second, cfg.PubSub.ReceiveDuration)
	assert.Equal(t, "env/prefix", cfg.GCS.Path)
	assert.Equal(t, "other-project", cfg.GCS.ProjectID)
	assert.Equal(t, "other-project-test-bucket-1", cfg.GCS.Bucket)
}

func TestLoadConfigBucketFollowsProject(t *testing.T) {
	t.Setenv("GCS_PROJECT_ID", "other-project")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, "other-project-test-bucket-1", cfg.GCS.Bucket)

	t.Setenv("GCS_BUCKET", "explicit-bucket")
	cfg, err = LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, "explicit-bucket", cfg.GCS.Bucket)

	configPath := writeConfig(t, "pubsub:\n  project_id: yaml-project\ngcs:\n  project_id: \"\"\n")
	t.Setenv("GCS_PROJECT_ID", "")
	t.Setenv("GCS_BUCKET", "")
	cfg, err = LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "yaml-project-test-bucket-1", cfg.GCS.Bucket)
}

func TestLoadConfigInvalid(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
		err  string
	}{
		{name: "unknown remote storage", yaml: "general:\n  remote_storage: ftp\n", err: "'ftp' is unknown remote storage"},
		{name: "negative files count", yaml: "general:\n  files_count: -1\n", err: "files_count=-1 should be non negative"},
		{name: "zero concurrency", yaml: "general:\n  upload_concurrency: 0\n", err: "upload_concurrency should be great than 0"},
		{name: "bad retries pause", yaml: "general:\n  retries_pause: soon\n", err: "invalid retries_pause"},
		{name: "zero receive timeout", yaml: "pubsub:\n  receive_timeout: 0s\n", err: "receive_timeout=0s should be positive"},
		{name: "broken yaml", yaml: "general: [", err: "can't parse config file"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestValidatePubSubConfig(t *testing.T) {
	credentialsFile := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(credentialsFile, []byte(`{"type":"service_account","project_id":"curious-entropy-199817"}`), 0600))

	cfg := DefaultConfig()
	cfg.PubSub.CredentialsFile = credentialsFile
	assert.NoError(t, ValidatePubSubConfig(cfg))

	cfg.PubSub.CredentialsFile = filepath.Join(t.TempDir(), "missing.json")
	err := ValidatePubSubConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pubsub.credentials_file")

	cfg.PubSub.CredentialsFile = filepath.Dir(credentialsFile)
	assert.ErrorContains(t, ValidatePubSubConfig(cfg), "is a directory")

	for _, body := range []string{"not json", "{}", ""} {
		malformedFile := filepath.Join(t.TempDir(), "malformed.json")
		require.NoError(t, os.WriteFile(malformedFile, []byte(body), 0600))
		cfg.PubSub.CredentialsFile = malformedFile
		assert.ErrorContains(t, ValidatePubSubConfig(cfg), "is not a valid credentials JSON", body)
	}

	cfg.PubSub.Endpoint = "localhost:8085"
	assert.NoError(t, ValidatePubSubConfig(cfg))

	cfg.PubSub.Subscription = " "
	assert.EqualError(t, ValidatePubSubConfig(cfg), "pubsub.subscription is empty")
}

func TestValidateStorageConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GCS.CredentialsFile = ""
	assert.EqualError(t, ValidateStorageConfig(cfg), "gcs.credentials_file is empty")

	cfg.GCS.SkipCredentials = true
	assert.NoError(t, ValidateStorageConfig(cfg))

	cfg.GCS.Bucket = ""
	assert.EqualError(t, ValidateStorageConfig(cfg), "gcs.bucket is empty")

	cfg.General.RemoteStorage = "s3"
	assert.EqualError(t, ValidateStorageConfig(cfg), "s3.bucket is empty")
	cfg.S3.Bucket = "interop-bucket"
	assert.NoError(t, ValidateStorageConfig(cfg))
}

func TestOverrideAndRestoreEnv(t *testing.T) {
	t.Setenv("PUBSUB_TOPIC", "original")
	require.NoError(t, os.Unsetenv("GCS_BUCKET"))

	oldValues := overrideEnv([]string{"PUBSUB_TOPIC=overridden", "GCS_BUCKET=env-bucket", "PUBSUB_DEBUG"})
	assert.Equal(t, "overridden", os.Getenv("PUBSUB_TOPIC"))
	assert.Equal(t, "env-bucket", os.Getenv("GCS_BUCKET"))
	assert.Equal(t, "true", os.Getenv("PUBSUB_DEBUG"))

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, "overridden", cfg.PubSub.Topic)
	assert.Equal(t, "env-bucket", cfg.GCS.Bucket)
	assert.True(t, cfg.PubSub.Debug)

	RestoreEnvVars(oldValues)
	assert.Equal(t, "original", os.Getenv("PUBSUB_TOPIC"))
	_, present := os.LookupEnv("GCS_BUCKET")
	assert.False(t, present)
	_, present = os.LookupEnv("PUBSUB_DEBUG")
	assert.False(t, present)
}
