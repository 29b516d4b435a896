package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/logsluice/logsluice/config"
	"github.com/logsluice/logsluice/metrics"
	"github.com/logsluice/logsluice/pipeline"
	"github.com/logsluice/logsluice/sink"
	"github.com/logsluice/logsluice/source"
)

// connectorClients holds the transport clients shared by every pipeline
// replica. A client is constructed only when a configured connector needs
// it, so a console-only run requires no credentials.
type connectorClients struct {
	sqs     *sqs.Client
	inRedis *redis.Client

	outS3    *s3.Client
	outRedis *redis.Client
	errS3    *s3.Client
	errRedis *redis.Client
}

func buildClients(ctx context.Context, cfg config.Config) (*connectorClients, error) {
	c := &connectorClients{}

	needAWS := cfg.Input.Type == "sqs" || cfg.Output.Type == "s3" || cfg.ErrorOutput.Type == "s3"
	var awsCfg aws.Config
	if needAWS {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
	}

	if cfg.Input.Type == "sqs" {
		c.sqs = sqsClient(awsCfg, cfg.Input.SQS)
	}
	if cfg.Input.Type == "redis_stream" {
		c.inRedis = redisClient(cfg.Input.Redis)
	}
	if cfg.Output.Type == "s3" {
		c.outS3 = s3Client(awsCfg, cfg.Output.S3)
	}
	if cfg.Output.Type == "redis_stream" {
		c.outRedis = redisClient(cfg.Output.Redis)
	}
	if cfg.ErrorOutput.Type == "s3" {
		c.errS3 = s3Client(awsCfg, cfg.ErrorOutput.S3)
	}
	if cfg.ErrorOutput.Type == "redis_stream" {
		c.errRedis = redisClient(cfg.ErrorOutput.Redis)
	}
	return c, nil
}

func (c *connectorClients) close(log *zap.Logger) {
	for _, rc := range []*redis.Client{c.inRedis, c.outRedis, c.errRedis} {
		if rc == nil {
			continue
		}
		if err := rc.Close(); err != nil {
			log.Warn("redis client close", zap.Error(err))
		}
	}
}

// factory builds pipeline instances with fresh connectors over the shared
// clients. The supervisor calls it once per replica start.
func (c *connectorClients) factory(cfg config.Config, log *zap.Logger, met *metrics.Metrics) pipeline.Factory {
	return func(ctx context.Context, name string) (*pipeline.Instance, error) {
		srcOpts := source.BuildOptions{Logger: log}
		if c.sqs != nil {
			srcOpts.SQS = c.sqs
		}
		if c.inRedis != nil {
			srcOpts.Redis = c.inRedis
		}
		src, err := source.Build(ctx, cfg.Input, srcOpts)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", cfg.Input.Type, err)
		}

		out, err := sink.Build(ctx, cfg.Output, sinkOpts(log, c.outS3, c.outRedis))
		if err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("output %q: %w", cfg.Output.Type, err)
		}

		errOut, err := sink.Build(ctx, cfg.ErrorOutput, sinkOpts(log, c.errS3, c.errRedis))
		if err != nil {
			_ = src.Close()
			_ = out.Close()
			return nil, fmt.Errorf("error_output %q: %w", cfg.ErrorOutput.Type, err)
		}

		return pipeline.NewInstance(name, cfg, src, out, errOut, pipeline.Options{
			Logger:  log,
			Metrics: met,
		})
	}
}

// sinkOpts avoids handing typed nil clients to the builders.
func sinkOpts(log *zap.Logger, s3c *s3.Client, rc *redis.Client) sink.BuildOptions {
	opts := sink.BuildOptions{Logger: log}
	if s3c != nil {
		opts.S3 = s3c
	}
	if rc != nil {
		opts.Redis = rc
	}
	return opts
}

func s3Client(awsCfg aws.Config, c config.S3Config) *s3.Client {
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Region != "" {
			o.Region = c.Region
		}
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
		}
	})
}

func sqsClient(awsCfg aws.Config, c config.SQSConfig) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if c.Region != "" {
			o.Region = c.Region
		}
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
	})
}

func redisClient(c config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
}
