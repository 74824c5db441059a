package lifecycle

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/util"
	"github.com/ssuji15/loracloud/model"
)

const (
	DefaultBaseModel    = "black-forest-labs/FLUX.1-dev"
	DefaultLoraType     = "character"
	DefaultSteps        = 1000
	DefaultLearningRate = 1e-4
	DefaultBatchSize    = 1
	DefaultResolution   = 512
	DefaultNetworkDim   = 32
	DefaultNetworkAlpha = 16

	remoteWorkspace     = "/workspace"
	remoteDatasetConfig = remoteWorkspace + "/dataset_config.toml"
	remoteDatasetDir    = remoteWorkspace + "/dataset"
	remoteOutputDir     = remoteWorkspace + "/output"
)

var loraTypes = map[string]bool{"character": true, "style": true, "concept": true}

// normalizeParams fills defaults and rejects values the trainer cannot use.
func normalizeParams(p model.TrainingParams) (model.TrainingParams, error) {
	const op = "lifecycle.TrainingParams"

	if !util.ValidName(p.DatasetName) {
		return p, errdefs.New(errdefs.KindInvalidArgument, op, "invalid dataset name %q", p.DatasetName)
	}
	p.LoraName = strings.TrimSuffix(p.LoraName, util.LoraExtension)
	if !util.ValidName(p.LoraName) {
		return p, errdefs.New(errdefs.KindInvalidArgument, op, "invalid lora name %q", p.LoraName)
	}

	if p.BaseModel == "" {
		p.BaseModel = DefaultBaseModel
	}
	if p.LoraType == "" {
		p.LoraType = DefaultLoraType
	}
	if p.Steps == 0 {
		p.Steps = DefaultSteps
	}
	if p.LearningRate == 0 {
		p.LearningRate = DefaultLearningRate
	}
	if p.BatchSize == 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.Resolution == 0 {
		p.Resolution = DefaultResolution
	}
	if p.NetworkDim == 0 {
		p.NetworkDim = DefaultNetworkDim
	}
	if p.NetworkAlpha == 0 {
		p.NetworkAlpha = DefaultNetworkAlpha
	}

	switch {
	case !loraTypes[p.LoraType]:
		return p, errdefs.New(errdefs.KindInvalidArgument, op, "unknown lora type %q", p.LoraType)
	case p.Steps < 0, p.BatchSize < 0, p.Resolution < 0, p.NetworkDim < 0, p.NetworkAlpha < 0:
		return p, errdefs.New(errdefs.KindInvalidArgument, op, "numeric parameters must be positive")
	case p.LearningRate < 0:
		return p, errdefs.New(errdefs.KindInvalidArgument, op, "learning rate must be positive")
	}
	return p, nil
}

func encodeParams(p model.TrainingParams) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, "lifecycle.encodeParams", err)
	}
	return raw, nil
}

// ArtifactKey is the object key a run with these parameters uploads its
// LoRA to. Empty when the parameters carry no lora name.
func ArtifactKey(params json.RawMessage) string {
	var p model.TrainingParams
	if err := json.Unmarshal(params, &p); err != nil || p.LoraName == "" {
		return ""
	}
	return util.GetLoraPath(p.LoraName)
}

type datasetConfig struct {
	General  generalSection   `toml:"general"`
	Datasets []datasetSection `toml:"datasets"`
}

type generalSection struct {
	ShuffleCaption   bool   `toml:"shuffle_caption"`
	CaptionExtension string `toml:"caption_extension"`
	KeepTokens       int    `toml:"keep_tokens"`
}

type datasetSection struct {
	Resolution int             `toml:"resolution"`
	BatchSize  int             `toml:"batch_size"`
	Subsets    []subsetSection `toml:"subsets"`
}

type subsetSection struct {
	ImageDir   string `toml:"image_dir"`
	NumRepeats int    `toml:"num_repeats"`
}

// TrainingConfig renders the kohya_ss command line and dataset config for
// a run, plus where its inputs and output live in the object store.
func TrainingConfig(p model.TrainingParams) (model.TrainingConfig, error) {
	p, err := normalizeParams(p)
	if err != nil {
		return model.TrainingConfig{}, err
	}

	dc, err := toml.Marshal(datasetConfig{
		General: generalSection{
			ShuffleCaption:   true,
			CaptionExtension: ".txt",
			KeepTokens:       1,
		},
		Datasets: []datasetSection{{
			Resolution: p.Resolution,
			BatchSize:  p.BatchSize,
			Subsets:    []subsetSection{{ImageDir: remoteDatasetDir, NumRepeats: 10}},
		}},
	})
	if err != nil {
		return model.TrainingConfig{}, errdefs.Wrap(errdefs.KindInternal, "lifecycle.TrainingConfig", err)
	}

	return model.TrainingConfig{
		Command:          trainCommand(p),
		DatasetConfig:    string(dc),
		DatasetPath:      util.GetDatasetPrefix(p.DatasetName),
		OutputPath:       util.GetLoraPath(p.LoraName),
		RemoteOutputFile: path.Join(remoteOutputDir, p.LoraName+util.LoraExtension),
	}, nil
}

func trainCommand(p model.TrainingParams) string {
	args := []string{
		fmt.Sprintf("--pretrained_model_name_or_path=%q", p.BaseModel),
		fmt.Sprintf("--dataset_config=%q", remoteDatasetConfig),
		fmt.Sprintf("--output_dir=%q", remoteOutputDir),
		fmt.Sprintf("--output_name=%q", p.LoraName),
		"--save_model_as=safetensors",
		"--max_train_steps=" + strconv.Itoa(p.Steps),
		"--learning_rate=" + strconv.FormatFloat(p.LearningRate, 'g', -1, 64),
		"--train_batch_size=" + strconv.Itoa(p.BatchSize),
		"--resolution=" + strconv.Itoa(p.Resolution),
		"--network_module=networks.lora_flux",
		"--network_dim=" + strconv.Itoa(p.NetworkDim),
		"--network_alpha=" + strconv.Itoa(p.NetworkAlpha),
		`--optimizer_type="AdamW8bit"`,
		`--mixed_precision="bf16"`,
		"--cache_latents",
		"--gradient_checkpointing",
		"--save_every_n_steps=200",
	}

	var b strings.Builder
	b.WriteString("cd " + remoteWorkspace + " && \\\n")
	b.WriteString("accelerate launch --num_cpu_threads_per_process=2 sd-scripts/flux_train_network.py")
	for _, a := range args {
		b.WriteString(" \\\n    ")
		b.WriteString(a)
	}
	return b.String()
}
