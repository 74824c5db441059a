package lifecycle

import (
	"context"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/util"
	"github.com/ssuji15/loracloud/model"
)

// ListDatasets groups everything under datasets/ by its first path segment.
func (c *Controller) ListDatasets(ctx context.Context) ([]model.Dataset, error) {
	objs, err := c.storage.List(ctx, util.DatasetsPrefix)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*model.Dataset)
	for _, o := range objs {
		rest := strings.TrimPrefix(o.Key, util.DatasetsPrefix)
		name, _, ok := strings.Cut(rest, "/")
		if !ok || name == "" {
			continue
		}
		d, ok := byName[name]
		if !ok {
			d = &model.Dataset{Name: name, Path: util.GetDatasetPrefix(name)}
			byName[name] = d
		}
		d.FileCount++
		d.TotalSize += o.Size
	}

	out := make([]model.Dataset, 0, len(byName))
	for _, d := range byName {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UploadDatasetFile stores one file of a dataset and returns its key.
func (c *Controller) UploadDatasetFile(ctx context.Context, dataset, filename string, data []byte) (string, error) {
	if !util.ValidName(dataset) {
		return "", errdefs.New(errdefs.KindInvalidArgument, "lifecycle.UploadDatasetFile", "invalid dataset name %q", dataset)
	}
	if !util.ValidName(path.Base(filename)) {
		return "", errdefs.New(errdefs.KindInvalidArgument, "lifecycle.UploadDatasetFile", "invalid file name %q", filename)
	}
	key := util.GetDatasetFilePath(dataset, filename)
	if err := c.storage.Put(ctx, key, data); err != nil {
		return "", err
	}
	c.log.Info().Str("dataset", dataset).Str("key", key).Int("bytes", len(data)).Msg("dataset file uploaded")
	return key, nil
}

// DeleteDataset removes every object under the dataset prefix and reports
// how many were removed.
func (c *Controller) DeleteDataset(ctx context.Context, dataset string) (int, error) {
	if !util.ValidName(dataset) {
		return 0, errdefs.New(errdefs.KindInvalidArgument, "lifecycle.DeleteDataset", "invalid dataset name %q", dataset)
	}
	objs, err := c.storage.List(ctx, util.GetDatasetPrefix(dataset))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range objs {
		if err := c.storage.Delete(ctx, o.Key); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return n, err
		}
		n++
	}
	c.log.Info().Str("dataset", dataset).Int("objects", n).Msg("dataset deleted")
	return n, nil
}

func (c *Controller) ListLoras(ctx context.Context) ([]model.Lora, error) {
	objs, err := c.storage.List(ctx, util.LorasPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.Lora, 0, len(objs))
	for _, o := range objs {
		if !strings.HasSuffix(o.Key, util.LoraExtension) {
			continue
		}
		out = append(out, model.Lora{
			Name:      path.Base(o.Key),
			Path:      o.Key,
			Size:      o.Size,
			UpdatedAt: o.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetLora looks a LoRA up by file name; the extension is optional.
func (c *Controller) GetLora(ctx context.Context, name string) (model.Lora, error) {
	if !util.ValidName(name) {
		return model.Lora{}, errdefs.New(errdefs.KindInvalidArgument, "lifecycle.GetLora", "invalid lora name %q", name)
	}
	loras, err := c.ListLoras(ctx)
	if err != nil {
		return model.Lora{}, err
	}
	want := util.GetLoraPath(name)
	for _, l := range loras {
		if l.Path == want {
			return l, nil
		}
	}
	return model.Lora{}, errdefs.New(errdefs.KindNotFound, "lifecycle.GetLora", "lora %s", name)
}

// LoraURL returns a time-limited download URL for a LoRA.
func (c *Controller) LoraURL(ctx context.Context, name string) (string, error) {
	l, err := c.GetLora(ctx, name)
	if err != nil {
		return "", err
	}
	return c.storage.SignedURL(ctx, l.Path, http.MethodGet, c.signedURLExpiry)
}

func (c *Controller) FetchLora(ctx context.Context, name string) (model.Lora, []byte, error) {
	l, err := c.GetLora(ctx, name)
	if err != nil {
		return model.Lora{}, nil, err
	}
	data, err := c.storage.Get(ctx, l.Path)
	if err != nil {
		return model.Lora{}, nil, err
	}
	return l, data, nil
}

func (c *Controller) DeleteLora(ctx context.Context, name string) error {
	l, err := c.GetLora(ctx, name)
	if err != nil {
		return err
	}
	if err := c.storage.Delete(ctx, l.Path); err != nil {
		return err
	}
	c.log.Info().Str("lora", l.Name).Msg("lora deleted")
	return nil
}
