// Package agentctx builds the AgentContext: a value constructed once at
// startup and threaded explicitly through every component, replacing
// the teacher's per-process singleton clients with narrow capability
// interfaces that tests can fake deterministically.
package agentctx

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/nanogrid/function-agent/internal/bus"
	"github.com/nanogrid/function-agent/internal/config"
	"github.com/nanogrid/function-agent/internal/container"
	"github.com/nanogrid/function-agent/internal/descriptor"
	"github.com/nanogrid/function-agent/internal/dispatch"
	"github.com/nanogrid/function-agent/internal/execute"
	"github.com/nanogrid/function-agent/internal/job"
	"github.com/nanogrid/function-agent/internal/metrics"
	"github.com/nanogrid/function-agent/internal/objectstore"
	"github.com/nanogrid/function-agent/internal/output"
	"github.com/nanogrid/function-agent/internal/pool"
	"github.com/nanogrid/function-agent/internal/publish"
	"github.com/nanogrid/function-agent/internal/queue"
	"github.com/nanogrid/function-agent/internal/stage"
)

// AgentContext holds every wired collaborator the dispatcher needs.
type AgentContext struct {
	Config     *config.Config
	Dispatcher *dispatch.Dispatcher
	Pool       *pool.Pool
	Adapter    container.Adapter
}

// Build wires every component from cfg: the AWS SDK clients, the docker
// adapter, the warm pool (one per descriptor-table runtime sized from
// cfg), the stager, executor, binder, publisher, and finally the
// dispatcher itself.
func Build(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*AgentContext, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, err
	}

	sqsAPI := sqs.NewFromConfig(awsCfg)
	s3API := s3.NewFromConfig(awsCfg)

	queueClient := queue.NewSQSClient(sqsAPI, queue.Config{
		QueueURL:            cfg.SQSQueueURL,
		WaitTimeSeconds:     cfg.SQSWaitTimeSeconds,
		MaxNumberOfMessages: cfg.SQSMaxNumberOfMessages,
	})
	store := objectstore.NewS3Store(s3API)

	adapter, err := container.NewDockerAdapter(ctx, log)
	if err != nil {
		return nil, err
	}

	warmPool := pool.New(ctx, adapter, poolConfigs(cfg))

	stager := stage.New(store, adapter, stage.Config{
		ScratchRoot:      cfg.TaskBaseDir,
		MaxArchiveBytes:  256 * 1024 * 1024,
		MaxExpandedBytes: 1024 * 1024 * 1024,
	})

	executor := execute.New(adapter, execute.Config{})

	binder := output.New(store, cfg.S3UserDataBucket, cfg.OutputS3Prefix, cfg.OutputBaseDir)

	sink := metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
	busClient := bus.NewRedisPublisher(bus.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
	})
	publisher := publish.New(busClient, sink, cfg.RedisResultPrefix)

	maxInFlight := int64(cfg.WarmPoolPythonSize + cfg.WarmPoolCPPSize + cfg.WarmPoolNodeJSSize + cfg.WarmPoolGoSize)
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Queue:     queueClient,
		Stager:    stager,
		Pool:      warmPool,
		Adapter:   adapter,
		Executor:  executor,
		Binder:    binder,
		Publisher: publisher,
	}, dispatch.Config{
		MaxInFlight:       maxInFlight,
		VisibilityTimeout: 30 * time.Second,
		ShutdownGrace:      largestTimeout(),
	})

	return &AgentContext{Config: cfg, Dispatcher: dispatcher, Pool: warmPool, Adapter: adapter}, nil
}

func poolConfigs(cfg *config.Config) []pool.Config {
	return []pool.Config{
		{Runtime: job.RuntimePython, Target: cfg.WarmPoolPythonSize, Capacity: cfg.WarmPoolPythonSize},
		{Runtime: job.RuntimeCPP, Target: cfg.WarmPoolCPPSize, Capacity: cfg.WarmPoolCPPSize},
		{Runtime: job.RuntimeNodeJS, Target: cfg.WarmPoolNodeJSSize, Capacity: cfg.WarmPoolNodeJSSize},
		{Runtime: job.RuntimeGo, Target: cfg.WarmPoolGoSize, Capacity: cfg.WarmPoolGoSize},
	}
}

// largestTimeout mirrors the cancellation policy's grace period: the
// largest configured wall-clock budget across the descriptor table.
func largestTimeout() time.Duration {
	var max time.Duration
	for _, d := range descriptor.All() {
		if d.DefaultWallClock > max {
			max = d.DefaultWallClock
		}
	}
	if max == 0 {
		max = 15 * time.Second
	}
	return max
}
