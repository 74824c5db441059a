package util

import (
	"fmt"
	"path"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DatasetsPrefix = "datasets/"
	LorasPrefix    = "loras/"
	LoraExtension  = ".safetensors"
)

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetDatasetPrefix returns the object prefix holding one dataset's files.
func GetDatasetPrefix(name string) string {
	return fmt.Sprintf("%s%s/", DatasetsPrefix, name)
}

func GetDatasetFilePath(name, file string) string {
	return GetDatasetPrefix(name) + path.Base(file)
}

func GetLoraPath(name string) string {
	if !strings.HasSuffix(name, LoraExtension) {
		name += LoraExtension
	}
	return LorasPrefix + name
}

func GetIdempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

func GetOffersKey(gpuKind string, minRAM int, maxPrice float64) string {
	return fmt.Sprintf("offers:%s:%d:%.4f", gpuKind, minRAM, maxPrice)
}

// ValidName reports whether s is usable as a single object path segment.
func ValidName(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00")
}
