package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/job_tracer"
	"github.com/ssuji15/loracloud/internal/storage"
	"github.com/ssuji15/loracloud/internal/util"
	"github.com/ssuji15/loracloud/model"
	"go.opentelemetry.io/otel/attribute"
)

// MinioClient wraps the MinIO SDK client.
type MinioClient struct {
	client    *minio.Client
	bucket    string
	timeout   time.Duration
	transport *http.Transport
}

// NewMinioClient initializes and returns a MinIO client.
func NewMinioClient(cfg *config.MinioConfig) (storage.Storage, error) {

	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		DisableCompression: true,
		DisableKeepAlives:  false,
	}

	cli, err := minio.New(cfg.URL, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.ACCESS_KEY, cfg.SECRET_KEY, ""),
		Secure:    cfg.USE_SSL,
		Transport: transport,
	})
	if err != nil {
		return nil, err
	}

	return &MinioClient{
		client:    cli,
		bucket:    cfg.BUCKET,
		timeout:   time.Duration(cfg.TIMEOUT_SECONDS) * time.Second,
		transport: transport,
	}, nil
}

func (m *MinioClient) List(ctx context.Context, prefix string) ([]model.ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/List")
	defer span.End()
	span.SetAttributes(attribute.String("prefix", prefix))

	var out []model.ObjectInfo
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			err := classify("storage.List", obj.Err)
			util.RecordSpanError(span, err)
			return nil, err
		}
		out = append(out, model.ObjectInfo{
			Key:       obj.Key,
			Size:      obj.Size,
			UpdatedAt: obj.LastModified,
		})
	}
	return out, nil
}

// Uploads data to Minio under key.
func (m *MinioClient) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return errdefs.New(errdefs.KindInvalidArgument, "storage.Put", "key cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Put")
	defer span.End()

	reader := bytes.NewReader(data)
	_, err := m.client.PutObject(ctx, m.bucket, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		err = classify("storage.Put", err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (m *MinioClient) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Get")
	defer span.End()

	object, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		err = classify("storage.Get", err)
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer object.Close()

	// check if the object exists
	if _, err := object.Stat(); err != nil {
		err = classify("storage.Get", err)
		util.RecordSpanError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		err = classify("storage.Get", err)
		util.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

// Delete reports NotFound for an absent key; S3 itself treats that as success.
func (m *MinioClient) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "MinIO/Delete")
	defer span.End()

	if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err != nil {
		err = classify("storage.Delete", err)
		util.RecordSpanError(span, err)
		return err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		err = classify("storage.Delete", err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (m *MinioClient) SignedURL(ctx context.Context, key, method string, expiry time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var (
		u   *url.URL
		err error
	)
	switch method {
	case "", http.MethodGet:
		u, err = m.client.PresignedGetObject(ctx, m.bucket, key, expiry, url.Values{})
	case http.MethodPut:
		u, err = m.client.PresignedPutObject(ctx, m.bucket, key, expiry)
	default:
		return "", errdefs.New(errdefs.KindInvalidArgument, "storage.SignedURL", "unsupported method %s", method)
	}
	if err != nil {
		return "", classify("storage.SignedURL", err)
	}
	return u.String(), nil
}

func (m *MinioClient) ShutDown(ctx context.Context) {
	m.transport.CloseIdleConnections()
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errdefs.Wrap(errdefs.KindTransportError, op, fmt.Errorf("timeout: %w", err))
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NoSuchObject":
		return errdefs.Wrap(errdefs.KindNotFound, op, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return errdefs.Wrap(errdefs.KindNotFound, op, err)
	}
	return errdefs.Wrap(errdefs.KindTransportError, op, err)
}
