package durable

import (
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Config for the Temporal connection.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// DefaultConfig returns the standard local-dev connection settings.
func DefaultConfig() Config {
	return Config{
		HostPort:  "localhost:7233",
		Namespace: "default",
		TaskQueue: "cascadeflow-batches",
	}
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client    client.Client
	worker    worker.Worker
	taskQueue string
	log       *slog.Logger
}

// NewManager dials Temporal and registers the batch workflows and activities
// on a worker. The worker does not poll until Start.
func NewManager(cfg Config, acts *Activities, log *slog.Logger) (*Manager, error) {
	if cfg.HostPort == "" {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal dial %s: %w", cfg.HostPort, err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(BatchWorkflow)
	w.RegisterWorkflow(RunWorkflow)
	w.RegisterActivity(acts)

	return &Manager{
		client:    c,
		worker:    w,
		taskQueue: cfg.TaskQueue,
		log:       log,
	}, nil
}

// Start begins polling the task queue in the background.
func (m *Manager) Start() error {
	if err := m.worker.Start(); err != nil {
		return fmt.Errorf("temporal worker start: %w", err)
	}
	m.log.Info("temporal worker started", "task_queue", m.taskQueue)
	return nil
}

// Client exposes the Temporal client for workflow dispatch.
func (m *Manager) Client() client.Client { return m.client }

// TaskQueue returns the queue the worker polls.
func (m *Manager) TaskQueue() string { return m.taskQueue }

// Stop shuts down the worker and closes the client.
func (m *Manager) Stop() {
	m.worker.Stop()
	m.client.Close()
	m.log.Info("temporal worker stopped")
}
