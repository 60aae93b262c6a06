package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	mmate "github.com/glimte/mmate-rabbit"
	"github.com/glimte/mmate-rabbit/config"
	"github.com/glimte/mmate-rabbit/health"
	"github.com/glimte/mmate-rabbit/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdout, os.LookupEnv).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
	prefix     string
	envPrefix  string
	sets       []string
	verbose    bool
}

// newRootCmd builds the command tree. Extra client options are appended to
// every client the commands create.
func newRootCmd(out io.Writer, lookupEnv func(string) (string, bool), clientOpts ...mmate.ClientOption) *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "mmate-rabbit",
		Short: "Send and receive RabbitMQ messages through a cached connection",
		Long: `mmate-rabbit resolves connection properties from a YAML file, the environment
and --set overrides, then sends, receives or checks health through the
caching connection manager.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "YAML properties file")
	rootCmd.PersistentFlags().StringVar(&flags.prefix, "prefix", "", "only bind keys below this prefix in the config file (e.g. rabbitmq)")
	rootCmd.PersistentFlags().StringVar(&flags.envPrefix, "env-prefix", config.DefaultEnvPrefix, "environment variable prefix")
	rootCmd.PersistentFlags().StringArrayVar(&flags.sets, "set", nil, "override a property, key=value (repeatable)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose output")

	newClient := func() (*mmate.Client, error) {
		props, err := loadProperties(flags, lookupEnv)
		if err != nil {
			return nil, err
		}
		level := slog.LevelWarn
		if flags.verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		opts := append([]mmate.ClientOption{mmate.WithLogger(logger)}, clientOpts...)
		return mmate.NewClient(props, opts...)
	}

	// Send command
	var (
		exchange    string
		routingKey  string
		contentType string
		mandatory   bool
		request     bool
	)
	sendCmd := &cobra.Command{
		Use:   "send <body>",
		Short: "Send one message",
		Long:  "Send one message. Use - as body to read it from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(args[0])
			if args[0] == "-" {
				var err error
				if body, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("failed to read body: %w", err)
				}
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			msg := messaging.NewMessage(body)
			msg.ContentType = contentType

			var opts []messaging.SendOption
			if cmd.Flags().Changed("exchange") {
				opts = append(opts, messaging.WithExchange(exchange))
			}
			if cmd.Flags().Changed("routing-key") {
				opts = append(opts, messaging.WithRoutingKey(routingKey))
			}
			if cmd.Flags().Changed("mandatory") {
				opts = append(opts, messaging.WithMandatory(mandatory))
			}

			if request {
				reply, err := client.Template().SendAndReceive(cmd.Context(), msg, opts...)
				if err != nil {
					return fmt.Errorf("request failed: %w", err)
				}
				printMessage(cmd.OutOrStdout(), reply)
				return nil
			}

			ack, err := client.Template().Send(cmd.Context(), msg, opts...)
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			if ack.Confirmed {
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s (confirmed, tag %d)\n", msg.MessageID, ack.DeliveryTag)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", msg.MessageID)
			}
			return nil
		},
	}
	sendCmd.Flags().StringVarP(&exchange, "exchange", "e", "", "exchange (default template.exchange)")
	sendCmd.Flags().StringVarP(&routingKey, "routing-key", "k", "", "routing key (default template.routingKey)")
	sendCmd.Flags().StringVar(&contentType, "content-type", "text/plain", "content type")
	sendCmd.Flags().BoolVar(&mandatory, "mandatory", false, "fail when the message cannot be routed")
	sendCmd.Flags().BoolVar(&request, "request", false, "wait for a reply over direct reply-to")

	// Receive command
	var (
		queue   string
		timeout time.Duration
		count   int
	)
	receiveCmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive messages with basic.get",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			var opts []messaging.ReceiveOption
			if cmd.Flags().Changed("queue") {
				opts = append(opts, messaging.FromQueue(queue))
			}
			if cmd.Flags().Changed("timeout") {
				opts = append(opts, messaging.WithReceiveTimeout(timeout))
			}

			for i := 0; i < count; i++ {
				msg, err := client.Template().Receive(cmd.Context(), opts...)
				if errors.Is(err, messaging.ErrReceiveTimeout) {
					fmt.Fprintln(cmd.OutOrStdout(), "no message")
					return nil
				}
				if err != nil {
					return fmt.Errorf("receive failed: %w", err)
				}
				printMessage(cmd.OutOrStdout(), msg)
			}
			return nil
		},
	}
	receiveCmd.Flags().StringVarP(&queue, "queue", "q", "", "queue (default template.defaultReceiveQueue)")
	receiveCmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "how long to wait for a message (default template.receiveTimeout)")
	receiveCmd.Flags().IntVarP(&count, "count", "n", 1, "number of messages to receive")

	// Config command
	var showSecrets bool
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := loadProperties(flags, lookupEnv)
			if err != nil {
				return err
			}
			eff, err := config.Resolve(props)
			if err != nil {
				return err
			}

			values := eff.ToMap()
			if !showSecrets {
				for k := range values {
					if strings.HasSuffix(strings.ToLower(k), "password") && values[k] != "" {
						values[k] = "******"
					}
				}
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(values)
		},
	}
	configCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print passwords")

	// Health command
	var (
		listen        string
		healthTimeout time.Duration
	)
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker connectivity",
		Long:  "Run the health checks once, or serve them over HTTP with --listen.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if listen != "" {
				return serveHealth(cmd.Context(), cmd.OutOrStdout(), listen, client.Health(), healthTimeout)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
			defer cancel()
			report := client.Health().Check(ctx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("unhealthy")
			}
			return nil
		},
	}
	healthCmd.Flags().StringVar(&listen, "listen", "", "serve /health and /live on this address")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "health check timeout")

	rootCmd.AddCommand(sendCmd, receiveCmd, configCmd, healthCmd)
	return rootCmd
}

// loadProperties layers the config file, the environment and --set values,
// later sources overriding earlier ones.
func loadProperties(flags globalFlags, lookupEnv func(string) (string, bool)) (*config.Properties, error) {
	props := &config.Properties{}
	if flags.configFile != "" {
		var err error
		if props, err = config.LoadFile(flags.configFile, flags.prefix); err != nil {
			return nil, err
		}
	}
	if err := props.ApplyEnv(flags.envPrefix, lookupEnv); err != nil {
		return nil, err
	}

	sets := make(map[string]string, len(flags.sets))
	for _, kv := range flags.sets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set %q, expected key=value", kv)
		}
		sets[strings.TrimSpace(k)] = v
	}
	if err := props.Overlay(sets); err != nil {
		return nil, err
	}
	return props, nil
}

func printMessage(w io.Writer, msg messaging.Message) {
	fmt.Fprintf(w, "exchange=%q routingKey=%q", msg.Exchange, msg.RoutingKey)
	if msg.MessageID != "" {
		fmt.Fprintf(w, " messageId=%s", msg.MessageID)
	}
	if msg.CorrelationID != "" {
		fmt.Fprintf(w, " correlationId=%s", msg.CorrelationID)
	}
	if msg.ContentType != "" {
		fmt.Fprintf(w, " contentType=%s", msg.ContentType)
	}
	if len(msg.Headers) > 0 {
		keys := make([]string, 0, len(msg.Headers))
		for k := range msg.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(w, " headers=%s", strings.Join(keys, ","))
	}
	fmt.Fprintf(w, "\n%s\n", msg.Body)
}

func serveHealth(ctx context.Context, out io.Writer, addr string, registry *health.Registry, timeout time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("/health", health.NewHandler(registry, timeout))
	mux.Handle("/live", health.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	fmt.Fprintf(out, "serving health on %s\n", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
