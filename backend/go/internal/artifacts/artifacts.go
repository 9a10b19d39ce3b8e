// Package artifacts 把超过内联上限的任务结果写入对象存储，
// 数据库中只保留指向对象的引用。
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

// ObjectWriter 是 Offloader 需要的对象存储能力。
type ObjectWriter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
}

// Reference 是写入 result_data 的对象引用。
type Reference struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
}

// Offloader 决定结果是内联保存还是转存。
type Offloader struct {
	writer ObjectWriter
	bucket string
	limit  int
}

// NewOffloader 创建 Offloader。writer 为 nil 或 limit <= 0 时所有结果都内联保存。
func NewOffloader(writer ObjectWriter, bucket string, limit int) *Offloader {
	return &Offloader{writer: writer, bucket: bucket, limit: limit}
}

// Offload 返回应写入数据库的结果。不超过上限时原样返回。
func (o *Offloader) Offload(ctx context.Context, taskID string, data json.RawMessage) (json.RawMessage, error) {
	if o == nil || o.writer == nil || o.limit <= 0 || len(data) <= o.limit {
		return data, nil
	}

	// 格式: results/<task id>/<uuid>.json
	key := fmt.Sprintf("results/%s/%s.json", taskID, uuid.New().String())
	size := int64(len(data))
	if err := o.writer.PutObject(ctx, o.bucket, key, bytes.NewReader(data), size, "application/json"); err != nil {
		return nil, fmt.Errorf("failed to put result of task %s to object storage: %w", taskID, err)
	}
	ref, err := json.Marshal(map[string]Reference{"artifact": {Bucket: o.bucket, Key: key, Size: size}})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// MinioWriter 用 MinIO 客户端实现 ObjectWriter。
type MinioWriter struct {
	Client *minio.Client
}

func (w MinioWriter) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := w.Client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}
