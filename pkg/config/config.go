package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/curious-entropy/cloud-smoke/pkg/log_helper"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath      = "config.yml"
	DefaultProjectID       = "curious-entropy-199817"
	DefaultCredentialsFile = "infra/test_service_account/key.json"
)

// Config - config file format
type Config struct {
	General GeneralConfig `yaml:"general" envconfig:"_"`
	PubSub  PubSubConfig  `yaml:"pubsub" envconfig:"_"`
	GCS     GCSConfig     `yaml:"gcs" envconfig:"_"`
	S3      S3Config      `yaml:"s3" envconfig:"_"`
}

// GeneralConfig - general setting section
type GeneralConfig struct {
	RemoteStorage     string        `yaml:"remote_storage" envconfig:"REMOTE_STORAGE"`
	LogLevel          string        `yaml:"log_level" envconfig:"LOG_LEVEL"`
	FilesCount        int           `yaml:"files_count" envconfig:"FILES_COUNT"`
	LocalDir          string        `yaml:"local_dir" envconfig:"LOCAL_DIR"`
	UploadConcurrency uint8         `yaml:"upload_concurrency" envconfig:"UPLOAD_CONCURRENCY"`
	RetriesOnFailure  int           `yaml:"retries_on_failure" envconfig:"RETRIES_ON_FAILURE"`
	RetriesPause      string        `yaml:"retries_pause" envconfig:"RETRIES_PAUSE"`
	MetricsFile       string        `yaml:"metrics_file" envconfig:"METRICS_FILE"`
	RetriesDuration   time.Duration `yaml:"-" ignored:"true"`
}

// PubSubConfig - Pub/Sub settings section. A non-empty Endpoint points the client
// at an emulator (host:port) with TLS and authentication disabled.
type PubSubConfig struct {
	ProjectID              string        `yaml:"project_id" envconfig:"PUBSUB_PROJECT_ID"`
	Topic                  string        `yaml:"topic" envconfig:"PUBSUB_TOPIC"`
	Subscription           string        `yaml:"subscription" envconfig:"PUBSUB_SUBSCRIPTION"`
	CredentialsFile        string        `yaml:"credentials_file" envconfig:"PUBSUB_CREDENTIALS_FILE"`
	CredentialsJSON        string        `yaml:"credentials_json" envconfig:"PUBSUB_CREDENTIALS_JSON"`
	SkipCredentials        bool          `yaml:"skip_credentials" envconfig:"PUBSUB_SKIP_CREDENTIALS"`
	Endpoint               string        `yaml:"endpoint" envconfig:"PUBSUB_ENDPOINT"`
	MessagesCount          int           `yaml:"messages_count" envconfig:"PUBSUB_MESSAGES_COUNT"`
	MessageTemplate        string        `yaml:"message_template" envconfig:"PUBSUB_MESSAGE_TEMPLATE"`
	ReceiveTimeout         string        `yaml:"receive_timeout" envconfig:"PUBSUB_RECEIVE_TIMEOUT"`
	MaxOutstandingMessages int           `yaml:"max_outstanding_messages" envconfig:"PUBSUB_MAX_OUTSTANDING_MESSAGES"`
	CreateIfMissing        bool          `yaml:"create_if_missing" envconfig:"PUBSUB_CREATE_IF_MISSING"`
	Debug                  bool          `yaml:"debug" envconfig:"PUBSUB_DEBUG"`
	ReceiveDuration        time.Duration `yaml:"-" ignored:"true"`
}

// GCSConfig - GCS settings section
type GCSConfig struct {
	ProjectID              string            `yaml:"project_id" envconfig:"GCS_PROJECT_ID"`
	CredentialsFile        string            `yaml:"credentials_file" envconfig:"GCS_CREDENTIALS_FILE"`
	CredentialsJSON        string            `yaml:"credentials_json" envconfig:"GCS_CREDENTIALS_JSON"`
	CredentialsJSONEncoded string            `yaml:"credentials_json_encoded" envconfig:"GCS_CREDENTIALS_JSON_ENCODED"`
	SkipCredentials        bool              `yaml:"skip_credentials" envconfig:"GCS_SKIP_CREDENTIALS"`
	Bucket                 string            `yaml:"bucket" envconfig:"GCS_BUCKET"`
	Path                   string            `yaml:"path" envconfig:"GCS_PATH"`
	Endpoint               string            `yaml:"endpoint" envconfig:"GCS_ENDPOINT"`
	StorageClass           string            `yaml:"storage_class" envconfig:"GCS_STORAGE_CLASS"`
	ObjectLabels           map[string]string `yaml:"object_labels" envconfig:"GCS_OBJECT_LABELS"`
	// NOTE: ClientPoolSize should be at least UploadConcurrency, otherwise uploads wait for a free client
	ClientPoolSize int  `yaml:"client_pool_size" envconfig:"GCS_CLIENT_POOL_SIZE"`
	ChunkSize      int  `yaml:"chunk_size" envconfig:"GCS_CHUNK_SIZE"`
	Debug          bool `yaml:"debug" envconfig:"GCS_DEBUG"`
}

// S3Config - S3 compatible settings section, for GCS use endpoint https://storage.googleapis.com with HMAC keys
type S3Config struct {
	AccessKey               string `yaml:"access_key" envconfig:"S3_ACCESS_KEY"`
	SecretKey               string `yaml:"secret_key" envconfig:"S3_SECRET_KEY"`
	Bucket                  string `yaml:"bucket" envconfig:"S3_BUCKET"`
	Endpoint                string `yaml:"endpoint" envconfig:"S3_ENDPOINT"`
	Region                  string `yaml:"region" envconfig:"S3_REGION"`
	Path                    string `yaml:"path" envconfig:"S3_PATH"`
	ForcePathStyle          bool   `yaml:"force_path_style" envconfig:"S3_FORCE_PATH_STYLE"`
	DisableSSL              bool   `yaml:"disable_ssl" envconfig:"S3_DISABLE_SSL"`
	DisableCertVerification bool   `yaml:"disable_cert_verification" envconfig:"S3_DISABLE_CERT_VERIFICATION"`
	StorageClass            string `yaml:"storage_class" envconfig:"S3_STORAGE_CLASS"`
	Debug                   bool   `yaml:"debug" envconfig:"S3_DEBUG"`
}

// LoadConfig - load config from file + environment variables
func LoadConfig(configLocation string) (*Config, error) {
	cfg := DefaultConfig()
	// derived from the final gcs.project_id below unless set explicitly
	cfg.GCS.Bucket = ""
	configYaml, err := os.ReadFile(configLocation)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("can't open config file: %v", err)
	}
	if err := yaml.Unmarshal(configYaml, &cfg); err != nil {
		return nil, fmt.Errorf("can't parse config file: %v", err)
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	cfg.GCS.Path = strings.Trim(cfg.GCS.Path, "/ \t\r\n")
	cfg.S3.Path = strings.Trim(cfg.S3.Path, "/ \t\r\n")
	if cfg.GCS.ProjectID == "" {
		cfg.GCS.ProjectID = cfg.PubSub.ProjectID
	}
	if cfg.GCS.Bucket == "" && cfg.GCS.ProjectID != "" {
		cfg.GCS.Bucket = DefaultBucket(cfg.GCS.ProjectID)
	}

	log_helper.SetLogLevelFromString(cfg.General.LogLevel)

	if err = ValidateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func ValidateConfig(cfg *Config) error {
	if cfg.General.RemoteStorage != "gcs" && cfg.General.RemoteStorage != "s3" {
		return fmt.Errorf("'%s' is unknown remote storage", cfg.General.RemoteStorage)
	}
	if cfg.General.FilesCount < 0 {
		return fmt.Errorf("files_count=%d should be non negative", cfg.General.FilesCount)
	}
	if cfg.General.UploadConcurrency < 1 {
		return fmt.Errorf("upload_concurrency should be great than 0")
	}
	if cfg.PubSub.MessagesCount < 0 {
		return fmt.Errorf("messages_count=%d should be non negative", cfg.PubSub.MessagesCount)
	}
	if retriesDuration, err := time.ParseDuration(cfg.General.RetriesPause); err != nil {
		return fmt.Errorf("invalid retries_pause: %v", err)
	} else {
		cfg.General.RetriesDuration = retriesDuration
	}
	if receiveDuration, err := time.ParseDuration(cfg.PubSub.ReceiveTimeout); err != nil {
		return fmt.Errorf("invalid receive_timeout: %v", err)
	} else if receiveDuration <= 0 {
		return fmt.Errorf("receive_timeout=%s should be positive", cfg.PubSub.ReceiveTimeout)
	} else {
		cfg.PubSub.ReceiveDuration = receiveDuration
	}
	return nil
}

// ValidatePubSubConfig checks fields required by the messaging commands
func ValidatePubSubConfig(cfg *Config) error {
	for name, value := range map[string]string{
		"pubsub.project_id":   cfg.PubSub.ProjectID,
		"pubsub.topic":        cfg.PubSub.Topic,
		"pubsub.subscription": cfg.PubSub.Subscription,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s is empty", name)
		}
	}
	if cfg.PubSub.SkipCredentials || cfg.PubSub.Endpoint != "" || cfg.PubSub.CredentialsJSON != "" {
		return nil
	}
	return checkCredentialsFile("pubsub.credentials_file", cfg.PubSub.CredentialsFile)
}

// ValidateStorageConfig checks fields required by the storage commands
func ValidateStorageConfig(cfg *Config) error {
	switch cfg.General.RemoteStorage {
	case "gcs":
		if strings.TrimSpace(cfg.GCS.Bucket) == "" {
			return fmt.Errorf("gcs.bucket is empty")
		}
		if cfg.GCS.SkipCredentials || cfg.GCS.Endpoint != "" || cfg.GCS.CredentialsJSON != "" || cfg.GCS.CredentialsJSONEncoded != "" {
			return nil
		}
		return checkCredentialsFile("gcs.credentials_file", cfg.GCS.CredentialsFile)
	case "s3":
		if strings.TrimSpace(cfg.S3.Bucket) == "" {
			return fmt.Errorf("s3.bucket is empty")
		}
	}
	return nil
}

func checkCredentialsFile(name, credentialsFile string) error {
	if credentialsFile == "" {
		return fmt.Errorf("%s is empty", name)
	}
	info, err := os.Stat(credentialsFile)
	if err != nil {
		return fmt.Errorf("%s=%s: %v", name, credentialsFile, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s=%s is a directory", name, credentialsFile)
	}
	body, err := os.ReadFile(credentialsFile)
	if err != nil {
		return fmt.Errorf("%s=%s: %v", name, credentialsFile, err)
	}
	// service account, authorized user and external account keys all carry "type"
	if _, err = jsonparser.GetString(body, "type"); err != nil {
		return fmt.Errorf("%s=%s is not a valid credentials JSON: %v", name, credentialsFile, err)
	}
	return nil
}

// PrintConfig - print default / current config to stdout
func PrintConfig(ctx *cli.Context) error {
	var cfg *Config
	if ctx == nil {
		cfg = DefaultConfig()
	} else {
		cfg = GetConfigFromCli(ctx)
	}
	yml, _ := yaml.Marshal(&cfg)
	fmt.Print(string(yml))
	return nil
}

// DefaultBucket - bucket used when gcs.bucket is not set
func DefaultBucket(projectID string) string {
	return projectID + "-test-bucket-1"
}

func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			RemoteStorage:     "gcs",
			LogLevel:          "info",
			FilesCount:        3,
			LocalDir:          ".",
			UploadConcurrency: 1,
			RetriesOnFailure:  0,
			RetriesPause:      "5s",
			RetriesDuration:   5 * time.Second,
		},
		PubSub: PubSubConfig{
			ProjectID:       DefaultProjectID,
			Topic:           "test-topic-1",
			Subscription:    "test-sub-1",
			CredentialsFile: DefaultCredentialsFile,
			MessagesCount:   3,
			MessageTemplate: "Hello world %d",
			ReceiveTimeout:  "5s",
			ReceiveDuration: 5 * time.Second,
		},
		GCS: GCSConfig{
			ProjectID:       DefaultProjectID,
			Bucket:          DefaultBucket(DefaultProjectID),
			Path:            "prefix-1/prefix-2/prefix-3",
			CredentialsFile: DefaultCredentialsFile,
			ClientPoolSize:  4,
			ChunkSize:       16 * 1024 * 1024,
		},
		S3: S3Config{
			Endpoint:     "https://storage.googleapis.com",
			Region:       "auto",
			Path:         "prefix-1/prefix-2/prefix-3",
			StorageClass: "STANDARD",
		},
	}
}

func GetConfigFromCli(ctx *cli.Context) *Config {
	oldEnvValues := OverrideEnvVars(ctx)
	configPath := GetConfigPath(ctx)
	cfg, err := LoadConfig(configPath)
	if err != nil {
		log.Fatal().Stack().Err(err).Send()
	}
	RestoreEnvVars(oldEnvValues)
	return cfg
}

func GetConfigPath(ctx *cli.Context) string {
	if ctx.String("config") != DefaultConfigPath {
		return ctx.String("config")
	}
	if ctx.GlobalString("config") != DefaultConfigPath {
		return ctx.GlobalString("config")
	}
	if os.Getenv("CLOUD_SMOKE_CONFIG") != "" {
		return os.Getenv("CLOUD_SMOKE_CONFIG")
	}
	return DefaultConfigPath
}

type oldEnvValues struct {
	OldValue   string
	WasPresent bool
}

func OverrideEnvVars(ctx *cli.Context) map[string]oldEnvValues {
	env := ctx.StringSlice("env")
	if len(env) == 0 {
		env = ctx.GlobalStringSlice("env")
	}
	return overrideEnv(env)
}

func overrideEnv(env []string) map[string]oldEnvValues {
	oldValues := map[string]oldEnvValues{}
	logLevel := "info"
	if os.Getenv("LOG_LEVEL") != "" {
		logLevel = os.Getenv("LOG_LEVEL")
	}
	log_helper.SetLogLevelFromString(logLevel)
	for _, v := range env {
		envVariable := strings.SplitN(v, "=", 2)
		if len(envVariable) < 2 {
			envVariable = append(envVariable, "true")
		}
		if envVariable[0] == "LOG_LEVEL" {
			log_helper.SetLogLevelFromString(envVariable[1])
		}
		log.Info().Msgf("override %s=%s", envVariable[0], envVariable[1])
		oldValue, wasPresent := os.LookupEnv(envVariable[0])
		oldValues[envVariable[0]] = oldEnvValues{
			OldValue:   oldValue,
			WasPresent: wasPresent,
		}
		if err := os.Setenv(envVariable[0], envVariable[1]); err != nil {
			log.Warn().Msgf("can't override %s=%s, error: %v", envVariable[0], envVariable[1], err)
		}
	}
	return oldValues
}

func RestoreEnvVars(envVars map[string]oldEnvValues) {
	for name, oldEnv := range envVars {
		if oldEnv.WasPresent {
			if err := os.Setenv(name, oldEnv.OldValue); err != nil {
				log.Warn().Msgf("RestoreEnvVars can't restore %s=%s, error: %v", name, oldEnv.OldValue, err)
			}
		} else {
			if err := os.Unsetenv(name); err != nil {
				log.Warn().Msgf("RestoreEnvVars can't delete %s, error: %v", name, err)
			}
		}
	}
}
