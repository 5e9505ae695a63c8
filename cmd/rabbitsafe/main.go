package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/rabbitsafe"
	"github.com/glimte/rabbitsafe/cache"
	"github.com/glimte/rabbitsafe/config"
	"github.com/glimte/rabbitsafe/contracts"
	"github.com/glimte/rabbitsafe/interceptors"
	"github.com/glimte/rabbitsafe/internal/tracing"
	"github.com/glimte/rabbitsafe/messaging"
	"github.com/glimte/rabbitsafe/monitor"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// queueFlags describe the queue a command works on
type queueFlags struct {
	exchange   string
	bindingKey string
}

func (f queueFlags) queue(name string) *messaging.Queue {
	opts := []messaging.QueueOption{}
	if f.exchange != "" {
		opts = append(opts, messaging.WithExchangeName(f.exchange))
	}
	if f.bindingKey != "" {
		opts = append(opts, messaging.WithBindingKey(f.bindingKey))
	}
	return messaging.NewQueue(name, opts...)
}

func (f *queueFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.exchange, "exchange", "e", "", "Topic exchange the queue is bound to (default exchange when empty)")
	cmd.Flags().StringVarP(&f.bindingKey, "routing-key", "k", "", "Binding key of the queue (default \"#\")")
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "rabbitsafe",
		Short: "Publish to and consume from RabbitMQ with dead-letter and delay queues",
		Long: `rabbitsafe consumes RabbitMQ queues without losing messages: failures are
retried through a delay queue and parked in a dead-letter queue once retries
are exhausted. Settings are read from the environment (RABBITMQ_URL, ...).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var (
		rabbitURL string
		cfg       config.Config
		logger    *slog.Logger
	)

	rootCmd.PersistentFlags().StringVarP(&rabbitURL, "url", "u", "", "RabbitMQ connection URL (overrides RABBITMQ_URL)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		overrides := map[string]string{}
		if rabbitURL != "" {
			overrides["RABBITMQ_URL"] = rabbitURL
		}

		var err error
		cfg, err = config.LoadWithOverrides(overrides)
		if err != nil {
			return err
		}
		logger = config.NewLogger(cfg.LogLevel, cfg.LogFormat)
		slog.SetDefault(logger)
		return nil
	}

	rootCmd.AddCommand(
		newPublishCmd(&cfg, &logger),
		newConsumeCmd(&cfg, &logger),
		newHealthCmd(&cfg, &logger),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func newPublishCmd(cfg *config.Config, logger **slog.Logger) *cobra.Command {
	var (
		qf         queueFlags
		headers    []string
		expiration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <queue> <body>",
		Short: "Publish a message to a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			client, err := rabbitsafe.NewClientWithOptions(cfg.RabbitMQURL, rabbitsafe.WithLogger(*logger))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			opts := []messaging.PublishOption{messaging.WithHeaders(table)}
			if expiration > 0 {
				opts = append(opts, messaging.WithExpiration(expiration))
			}

			if err := client.Publish(cmd.Context(), qf.queue(args[0]), args[1], opts...); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}

			fmt.Printf("Published message to %s\n", args[0])
			return nil
		},
	}

	qf.register(cmd)
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Message header as key=value (repeatable)")
	cmd.Flags().DurationVar(&expiration, "expiration", 0, "Per-message TTL")
	return cmd
}

func newConsumeCmd(cfg *config.Config, logger **slog.Logger) *cobra.Command {
	var (
		qf             queueFlags
		behavior       string
		debounceHeader string
		deadThreshold  int
	)

	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Consume a queue, printing every message",
		Long: `Consume a queue and print every message. --behavior controls what the
callback returns so the routing can be observed: ok, reject, fail or panic.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			handler, err := printHandler(behavior)
			if err != nil {
				return err
			}

			tracer, shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
			if err != nil {
				return fmt.Errorf("failed to initialize tracing: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(shutdownCtx); err != nil {
					(*logger).Error("failed to shut down tracing", "error", err)
				}
			}()

			metrics := monitor.NewMetrics()
			client, err := rabbitsafe.NewClientWithOptions(cfg.RabbitMQURL,
				rabbitsafe.WithLogger(*logger),
				rabbitsafe.WithMetrics(metrics),
				rabbitsafe.WithTracer(tracer),
			)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			queue := qf.queue(args[0])
			health := client.Health(deadThreshold, queue)

			opts := []messaging.ConsumerOption{
				messaging.WithRetries(cfg.Consumer.Retries),
				messaging.WithMaxRetries(cfg.Consumer.MaxRetries),
				messaging.WithRetryDelay(cfg.Consumer.RetryDelay),
				messaging.WithPrefetchCount(cfg.Consumer.Prefetch),
			}

			if debounceHeader != "" {
				gate, err := debounceGate(ctx, cfg, *logger, queue, debounceHeader, health)
				if err != nil {
					return err
				}
				opts = append(opts, messaging.WithInterceptors(gate))
			}

			consumer, err := client.NewConsumer(ctx, queue, handler, opts...)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			server := monitor.NewServer(cfg.Metrics, metrics, health, *logger)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return consumer.Run(ctx)
			})
			g.Go(func() error {
				return server.Run(ctx)
			})

			fmt.Printf("Consuming %s... Press Ctrl+C to stop\n", queue.Name)
			fmt.Printf("Metrics on http://localhost%s/metrics\n", server.Addr())
			fmt.Println(strings.Repeat("-", 80))

			return g.Wait()
		},
	}

	qf.register(cmd)
	cmd.Flags().StringVarP(&behavior, "behavior", "b", "ok", "Callback result: ok, reject, fail or panic")
	cmd.Flags().StringVar(&debounceHeader, "debounce-header", "", "Debounce messages sharing this header value")
	cmd.Flags().IntVar(&deadThreshold, "dead-threshold", 100, "Dead-letter depth above which health is degraded")
	return cmd
}

func newHealthCmd(cfg *config.Config, logger **slog.Logger) *cobra.Command {
	var (
		qf            queueFlags
		deadThreshold int
	)

	cmd := &cobra.Command{
		Use:   "health [queue-names...]",
		Short: "Check the broker connection and dead-letter queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := rabbitsafe.NewClientWithOptions(cfg.RabbitMQURL, rabbitsafe.WithLogger(*logger))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			queues := make([]*messaging.Queue, len(args))
			for i, name := range args {
				queues[i] = qf.queue(name)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			report := client.Health(deadThreshold, queues...).Check(ctx)
			printHealth(report)
			if report.Status == monitor.StatusUnhealthy {
				return errors.New("system unhealthy")
			}
			return nil
		},
	}

	qf.register(cmd)
	cmd.Flags().IntVar(&deadThreshold, "dead-threshold", 100, "Dead-letter depth above which health is degraded")
	return cmd
}

// debounceGate builds the debounce interceptor on Redis when REDIS_ADDR is
// set, in memory otherwise
func debounceGate(ctx context.Context, cfg *config.Config, logger *slog.Logger, queue *messaging.Queue, header string, health *monitor.Registry) (interceptors.Interceptor, error) {
	var store interceptors.Cache = cache.NewMemory()

	if cfg.Redis.Addr != "" {
		redisCache, err := cache.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			cache.WithKeyPrefix("rabbitsafe:debounce:"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		context.AfterFunc(ctx, func() { _ = redisCache.Close() })
		health.Register(monitor.NewPingChecker("redis", redisCache))
		store = redisCache
	}

	return interceptors.NewDebounceInterceptor(store,
		interceptors.HeaderKey(queue.Name+":", header),
		cfg.Consumer.DebounceTimeout,
		interceptors.WithDebounceLogger(logger),
	), nil
}

func printHandler(behavior string) (interceptors.Handler, error) {
	var result func(d *contracts.Delivery) error

	switch behavior {
	case "ok":
		result = func(*contracts.Delivery) error { return nil }
	case "reject":
		result = func(*contracts.Delivery) error { return contracts.Reject("rejected from the command line") }
	case "fail":
		result = func(d *contracts.Delivery) error {
			return contracts.Known(fmt.Sprintf("simulated failure on attempt %d", d.Retries()))
		}
	case "panic":
		result = func(*contracts.Delivery) error { panic("simulated panic") }
	default:
		return nil, fmt.Errorf("unknown behavior %q", behavior)
	}

	return interceptors.HandlerFunc(func(ctx context.Context, d *contracts.Delivery) error {
		printDelivery(d)
		return result(d)
	}), nil
}

// Output formatting functions

func printDelivery(d *contracts.Delivery) {
	fmt.Printf("Message %s:\n", d.UUID())
	fmt.Printf("  Routing Key: %s\n", d.RoutingKey)
	fmt.Printf("  Retries: %d\n", d.Retries())
	fmt.Printf("  Debounced: %t\n", d.Debounced())
	for i, e := range d.ErrorTrail() {
		fmt.Printf("  Error %d: %s\n", i+1, e)
	}
	fmt.Printf("  Body: %s\n", contracts.LimitedRepr(d.Body, 100))
	fmt.Println(strings.Repeat("-", 60))
}

func printHealth(report monitor.Report) {
	fmt.Printf("System Health: %s\n", report.Status)
	fmt.Printf("%-40s %-10s %-30s\n", "Check", "Status", "Message")
	fmt.Println(strings.Repeat("-", 80))

	for _, check := range report.Checks {
		msg := check.Message
		if check.Error != "" {
			msg = check.Error
		}
		fmt.Printf("%-40s %-10s %-30s\n", truncate(check.Name, 40), check.Status, truncate(msg, 30))
	}
}

func parseHeaders(pairs []string) (amqp.Table, error) {
	table := amqp.Table{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", pair)
		}
		table[key] = value
	}
	return table, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
