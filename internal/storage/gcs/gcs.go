package gcs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/job_tracer"
	"github.com/ssuji15/loracloud/internal/storage"
	"github.com/ssuji15/loracloud/internal/util"
	"github.com/ssuji15/loracloud/model"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSClient stores objects in a Google Cloud Storage bucket.
type GCSClient struct {
	client  *gcs.Client
	bucket  *gcs.BucketHandle
	timeout time.Duration
}

func NewGCSClient(ctx context.Context, cfg *config.GCSConfig) (storage.Storage, error) {
	var opts []option.ClientOption
	if cfg.CREDENTIALS_PATH != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CREDENTIALS_PATH))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GCSClient{
		client:  client,
		bucket:  client.Bucket(cfg.BUCKET),
		timeout: time.Duration(cfg.TIMEOUT_SECONDS) * time.Second,
	}, nil
}

func (g *GCSClient) List(ctx context.Context, prefix string) ([]model.ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ctx, span := job_tracer.GetTracer().Start(ctx, "GCS/List")
	defer span.End()
	span.SetAttributes(attribute.String("prefix", prefix))

	var out []model.ObjectInfo
	items := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		item, err := items.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			err = classify("storage.List", err)
			util.RecordSpanError(span, err)
			return nil, err
		}
		out = append(out, model.ObjectInfo{
			Key:       item.Name,
			Size:      item.Size,
			UpdatedAt: item.Updated,
		})
	}
	return out, nil
}

func (g *GCSClient) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return errdefs.New(errdefs.KindInvalidArgument, "storage.Put", "key cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ctx, span := job_tracer.GetTracer().Start(ctx, "GCS/Put")
	defer span.End()

	w := g.bucket.Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		err = classify("storage.Put", err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := w.Close(); err != nil {
		err = classify("storage.Put", err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (g *GCSClient) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ctx, span := job_tracer.GetTracer().Start(ctx, "GCS/Get")
	defer span.End()

	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		err = classify("storage.Get", err)
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		err = classify("storage.Get", err)
		util.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func (g *GCSClient) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ctx, span := job_tracer.GetTracer().Start(ctx, "GCS/Delete")
	defer span.End()

	if err := g.bucket.Object(key).Delete(ctx); err != nil {
		err = classify("storage.Delete", err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (g *GCSClient) SignedURL(ctx context.Context, key, method string, expiry time.Duration) (string, error) {
	if method == "" {
		method = storage.DefaultSignedURLMethod
	}
	if method != http.MethodGet && method != http.MethodPut {
		return "", errdefs.New(errdefs.KindInvalidArgument, "storage.SignedURL", "unsupported method %s", method)
	}
	u, err := g.bucket.SignedURL(key, &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  method,
		Expires: time.Now().Add(expiry),
	})
	if err != nil {
		return "", classify("storage.SignedURL", err)
	}
	return u, nil
}

func (g *GCSClient) ShutDown(ctx context.Context) {
	_ = g.client.Close()
}

func classify(op string, err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return errdefs.Wrap(errdefs.KindNotFound, op, err)
	}
	return errdefs.Wrap(errdefs.KindTransportError, op, err)
}
