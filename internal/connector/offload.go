// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Router License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package connector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-router/internal/config"
)

// Offloader sobe datasets para o object store (S3-compatible, ex: MinIO) e
// gera URLs pré-assinadas para o Pattern C. Os bytes nunca passam pelo router.
type Offloader struct {
	cfg     config.OffloadInfo
	client  *s3.Client
	presign *s3.PresignClient
	logger  *slog.Logger
}

// NewOffloader cria o cliente do object store a partir da config de offload.
// Endpoint customizado + path-style cobrem MinIO e compatíveis.
func NewOffloader(ctx context.Context, cfg config.OffloadInfo, logger *slog.Logger) (*Offloader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("loading object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &Offloader{
		cfg:     cfg,
		client:  client,
		presign: s3.NewPresignClient(client),
		logger:  logger.With("component", "offloader"),
	}, nil
}

// Offload sobe o corpo para o bucket e retorna a URL pré-assinada de GET.
// A chave inclui o request_id, então uploads concorrentes nunca colidem.
func (o *Offloader) Offload(ctx context.Context, requestID, datasetName string, body io.Reader, size int64) (url, expiresAt string, err error) {
	key := path.Join("offload", requestID, path.Base(datasetName))

	start := time.Now()
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(o.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", "", fmt.Errorf("uploading %s to object store: %w", key, err)
	}
	o.logger.Info("dataset offloaded",
		"bucket", o.cfg.Bucket, "key", key, "size_bytes", size, "took", time.Since(start))

	presigned, err := o.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(o.cfg.PresignTTL))
	if err != nil {
		return "", "", fmt.Errorf("presigning %s: %w", key, err)
	}

	expiry := time.Now().Add(o.cfg.PresignTTL).UTC().Format(time.RFC3339)
	return presigned.URL, expiry, nil
}
