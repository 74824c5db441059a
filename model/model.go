package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type InstanceState string

const (
	InstanceRequested  InstanceState = "requested"
	InstanceStarting   InstanceState = "starting"
	InstanceRunning    InstanceState = "running"
	InstanceStopping   InstanceState = "stopping"
	InstanceTerminated InstanceState = "terminated"
)

// Connection is the SSH endpoint of a running instance.
type Connection struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// empty means the SSH_USER the server is configured with
	User string `json:"user,omitempty"`
}

// Instance represents a rented remote compute node.
// Connection is set if and only if State is running.
type Instance struct {
	ID           string        `json:"id"`
	GPUKind      string        `json:"gpuKind"`
	NumGPUs      int           `json:"numGpus"`
	PricePerHour float64       `json:"pricePerHour"`
	State        InstanceState `json:"state"`
	Connection   *Connection   `json:"connection,omitempty"`
	Image        string        `json:"image,omitempty"`
	DiskGB       int           `json:"diskGb,omitempty"`
	CreatedAt    *time.Time    `json:"createdAt,omitempty"`
}

func (i Instance) IsRunning() bool {
	return i.State == InstanceRunning && i.Connection != nil
}

// Offer is a provider-advertised rentable configuration.
type Offer struct {
	ID           string  `json:"id"`
	GPUKind      string  `json:"gpuKind"`
	NumGPUs      int     `json:"numGpus"`
	GPURAMGB     float64 `json:"gpuRamGb"`
	PricePerHour float64 `json:"pricePerHour"`
	Location     string  `json:"location,omitempty"`
}

type OfferQuery struct {
	GPUKind         string  `json:"gpuKind" msgpack:"gpu_kind"`
	MinGPURAMGB     int     `json:"minGpuRamGb" msgpack:"min_gpu_ram_gb"`
	MaxPricePerHour float64 `json:"maxPricePerHour" msgpack:"max_price_per_hour"`
}

type RentRequest struct {
	OfferID string
	Image   string
	DiskGB  int
	OnStart string
}

// LaunchRequest is the incoming API payload for renting a new instance.
type LaunchRequest struct {
	GPUKind         string  `json:"gpuType"`
	Image           string  `json:"image"`
	DiskGB          int     `json:"diskGb"`
	MaxPricePerHour float64 `json:"maxPrice"`
	MinGPURAMGB     int     `json:"minGpuRamGb"`
	IdempotencyKey  string  `json:"idempotencyKey,omitempty"`
}

type TunnelStatus string

const (
	TunnelConnecting TunnelStatus = "connecting"
	TunnelOpen       TunnelStatus = "open"
	TunnelClosed     TunnelStatus = "closed"
	TunnelFailed     TunnelStatus = "failed"
)

// Tunnel is a live forwarding session bound to one instance.
type Tunnel struct {
	InstanceID string       `json:"instanceId"`
	LocalPort  int          `json:"localPort"`
	RemotePort int          `json:"remotePort"`
	Status     TunnelStatus `json:"status"`
	OpenedAt   *time.Time   `json:"openedAt,omitempty"`
	Error      string       `json:"error,omitempty"`
}

type TunnelRequest struct {
	RemotePort int `json:"remotePort"`
	LocalPort  int `json:"localPort"`
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Active() bool {
	return s == JobPending || s == JobRunning
}

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobError is present on a job only when its status is failed.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Job represents one asynchronous training run on an instance.
type Job struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	InstanceID  string          `db:"instance_id" json:"instanceId"`
	Parameters  json.RawMessage `db:"parameters" json:"parameters"`
	Status      JobStatus       `db:"status" json:"status"`
	Progress    int             `db:"progress" json:"progress"`
	Total       int             `db:"total" json:"total"`
	Error       *JobError       `db:"error" json:"error,omitempty"`
	ArtifactRef string          `db:"artifact_ref" json:"artifactRef,omitempty"`
	CreatedAt   *time.Time      `db:"created_at" json:"createdAt"`
	StartedAt   *time.Time      `db:"started_at" json:"startedAt,omitempty"`
	EndedAt     *time.Time      `db:"ended_at" json:"endedAt,omitempty"`
}

// JobUpdate is one observation of a remote worker's progress.
type JobUpdate struct {
	Status      JobStatus
	Progress    int
	Total       int
	ArtifactRef string
	Error       *JobError
}

// TrainingParams are the kohya_ss settings for a LoRA training run.
type TrainingParams struct {
	DatasetName  string  `json:"datasetName" toml:"-"`
	LoraName     string  `json:"loraName" toml:"-"`
	BaseModel    string  `json:"baseModel"`
	LoraType     string  `json:"loraType"`
	Steps        int     `json:"steps"`
	LearningRate float64 `json:"learningRate"`
	BatchSize    int     `json:"batchSize"`
	Resolution   int     `json:"resolution"`
	NetworkDim   int     `json:"networkDim"`
	NetworkAlpha int     `json:"networkAlpha"`
}

// TrainingRequest is the incoming API payload for starting a training job.
type TrainingRequest struct {
	InstanceID string `json:"instanceId"`
	TrainingParams
}

// TrainingConfig is the rendered command and dataset config for a run.
type TrainingConfig struct {
	Command          string `json:"command"`
	DatasetConfig    string `json:"datasetConfig"`
	DatasetPath      string `json:"datasetPath"`
	OutputPath       string `json:"outputPath"`
	RemoteOutputFile string `json:"remoteOutputFile"`
}

type ObjectInfo struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Dataset struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	FileCount int    `json:"fileCount"`
	TotalSize int64  `json:"totalSize"`
}

type Lora struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event is published on every instance and job lifecycle transition.
type Event struct {
	Type       string    `json:"type"`
	InstanceID string    `json:"instanceId,omitempty"`
	JobID      string    `json:"jobId,omitempty"`
	Status     string    `json:"status,omitempty"`
	Time       time.Time `json:"time"`
}
