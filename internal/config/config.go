package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	SERVICE_NAME  string
	TRACE_URL     string
	LOG_LEVEL     string
	PROVIDER_TYPE string
	STORAGE_TYPE  string
	CACHE_TYPE    string
	QUEUE_TYPE    string
	STORE_TYPE    string
}

type ServerConfig struct {
	ADDR                      string
	MAX_INFLIGHT              int
	QUEUE_SIZE                int
	RECONCILE_INTERVAL_SECOND int
}

type VastConfig struct {
	API_URL          string
	API_KEY          string
	TIMEOUT_SECONDS  int
	MAX_READ_RETRIES int
	ONSTART          string
}

type NatsConfig struct {
	URL    string
	STREAM string
}

type RedisConfig struct {
	TTL            int
	ClientPassword string
	URL            string
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type MinioConfig struct {
	URL             string
	BUCKET          string
	ACCESS_KEY      string
	SECRET_KEY      string
	USE_SSL         bool
	TIMEOUT_SECONDS int
}

type GCSConfig struct {
	BUCKET           string
	CREDENTIALS_PATH string
	TIMEOUT_SECONDS  int
}

type PostgresConfig struct {
	URL string
}

type TunnelConfig struct {
	SSH_KEY_PATH           string
	SSH_USER               string
	DIAL_TIMEOUT_SECONDS   int
	HEALTH_INTERVAL_SECOND int
	HEALTH_TIMEOUT_SECONDS int
}

type JobConfig struct {
	POLL_INTERVAL_SECONDS int
	MAX_UNREACHABLE       int
	WORKER_TIMEOUT_SECOND int
	WORKSPACE_DIR         string
	TRAIN_COMMAND         string
}

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

// intOrDefault parses key when set and falls back to def otherwise.
func intOrDefault(key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	n, err := convertStringToInt(v, key)
	if err != nil {
		return -1, err
	}
	if n <= 0 {
		return -1, fmt.Errorf("KEY: %s must be positive", key)
	}
	return n, nil
}

func stringOrDefault(key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, fmt.Errorf("KEY: SERVICE_NAME is empty")
	}
	pt := stringOrDefault("PROVIDER_TYPE", "vast")
	if pt != "vast" && pt != "memory" {
		return nil, fmt.Errorf("KEY: PROVIDER_TYPE is invalid")
	}
	st := env("STORAGE_TYPE")
	if st == "" {
		return nil, fmt.Errorf("KEY: STORAGE_TYPE is empty")
	}
	return &Config{
		SERVICE_NAME:  sn,
		TRACE_URL:     env("TRACE_URL"),
		LOG_LEVEL:     stringOrDefault("LOG_LEVEL", "info"),
		PROVIDER_TYPE: pt,
		STORAGE_TYPE:  st,
		CACHE_TYPE:    stringOrDefault("CACHE_TYPE", "freecache"),
		QUEUE_TYPE:    stringOrDefault("QUEUE_TYPE", "none"),
		STORE_TYPE:    stringOrDefault("STORE_TYPE", "none"),
	}, nil
}

func GetServerConfig() (*ServerConfig, error) {
	mi, err := intOrDefault("MAX_INFLIGHT", 64)
	if err != nil {
		return nil, err
	}
	qs, err := intOrDefault("REQUEST_QUEUE_SIZE", 256)
	if err != nil {
		return nil, err
	}
	ri, err := intOrDefault("RECONCILE_INTERVAL_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	return &ServerConfig{
		ADDR:                      stringOrDefault("HTTP_ADDR", ":8080"),
		MAX_INFLIGHT:              mi,
		QUEUE_SIZE:                qs,
		RECONCILE_INTERVAL_SECOND: ri,
	}, nil
}

func GetVastConfig() (*VastConfig, error) {
	key := env("VAST_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("KEY: VAST_API_KEY is empty")
	}
	ts, err := intOrDefault("PROVIDER_TIMEOUT_SECONDS", 15)
	if err != nil {
		return nil, err
	}
	mr, err := intOrDefault("PROVIDER_MAX_READ_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	return &VastConfig{
		API_URL:          stringOrDefault("VAST_API_URL", "https://console.vast.ai/api/v0"),
		API_KEY:          key,
		TIMEOUT_SECONDS:  ts,
		MAX_READ_RETRIES: mr,
		ONSTART:          stringOrDefault("VAST_ONSTART", "cd /workspace && ./startup.sh"),
	}, nil
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	return &NatsConfig{
		URL:    url,
		STREAM: stringOrDefault("JETSTREAM_STREAM", "LIFECYCLE"),
	}, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	ttl, err := convertStringToInt(env("REDIS_TTL"), "REDIS_TTL")
	if err != nil {
		return nil, err
	}

	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: REDIS_ENDPOINT is empty")
	}

	return &RedisConfig{
		TTL:            ttl,
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		URL:            url,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := intOrDefault("FREECACHE_TTL", 10)
	if err != nil {
		return nil, err
	}
	fs, err := intOrDefault("FREECACHE_SIZE", 8*1024*1024)
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	return &PostgresConfig{
		URL: url,
	}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}

	b := env("MINIO_BUCKET")
	if b == "" {
		return nil, fmt.Errorf("KEY: MINIO_BUCKET is empty")
	}

	ssl := env("MINIO_USE_SSL")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}

	ts, err := intOrDefault("STORAGE_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}

	return &MinioConfig{
		URL:             url,
		BUCKET:          b,
		USE_SSL:         ssl == "true",
		ACCESS_KEY:      ak,
		SECRET_KEY:      sk,
		TIMEOUT_SECONDS: ts,
	}, nil
}

func GetGCSConfig() (*GCSConfig, error) {
	b := env("GCS_BUCKET")
	if b == "" {
		return nil, fmt.Errorf("KEY: GCS_BUCKET is empty")
	}
	cp := env("GCS_CREDENTIALS_PATH")
	if cp == "" {
		return nil, fmt.Errorf("KEY: GCS_CREDENTIALS_PATH is empty")
	}
	ts, err := intOrDefault("STORAGE_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	return &GCSConfig{
		BUCKET:           b,
		CREDENTIALS_PATH: cp,
		TIMEOUT_SECONDS:  ts,
	}, nil
}

func GetTunnelConfig() (*TunnelConfig, error) {
	kp := env("SSH_KEY_PATH")
	if kp == "" {
		return nil, fmt.Errorf("KEY: SSH_KEY_PATH is empty")
	}
	dt, err := intOrDefault("SSH_DIAL_TIMEOUT_SECONDS", 10)
	if err != nil {
		return nil, err
	}
	hi, err := intOrDefault("TUNNEL_HEALTH_INTERVAL_SECONDS", 30)
	if err != nil {
		return nil, err
	}
	ht, err := intOrDefault("TUNNEL_HEALTH_TIMEOUT_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	return &TunnelConfig{
		SSH_KEY_PATH:           kp,
		SSH_USER:               stringOrDefault("SSH_USER", "root"),
		DIAL_TIMEOUT_SECONDS:   dt,
		HEALTH_INTERVAL_SECOND: hi,
		HEALTH_TIMEOUT_SECONDS: ht,
	}, nil
}

func GetJobConfig() (*JobConfig, error) {
	pi, err := intOrDefault("JOB_POLL_INTERVAL_SECONDS", 15)
	if err != nil {
		return nil, err
	}
	mu, err := intOrDefault("JOB_MAX_UNREACHABLE", 8)
	if err != nil {
		return nil, err
	}
	wt, err := intOrDefault("WORKER_TIMEOUT_SECONDS", 20)
	if err != nil {
		return nil, err
	}
	return &JobConfig{
		POLL_INTERVAL_SECONDS: pi,
		MAX_UNREACHABLE:       mu,
		WORKER_TIMEOUT_SECOND: wt,
		WORKSPACE_DIR:         stringOrDefault("WORKER_WORKSPACE_DIR", "/workspace"),
		TRAIN_COMMAND:         stringOrDefault("WORKER_TRAIN_COMMAND", "/workspace/train_lora.sh"),
	}, nil
}
