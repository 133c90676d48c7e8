// Command opcua-clientd is the thin CLI wrapper SPEC_FULL.md component K
// describes: it loads and hot-reloads YAML config, opens a TCP connection
// to an OPC-UA endpoint's framed binary transport, and drives the send
// buffer, transport state, and Publish-scheduling event loop against it,
// exposing Prometheus metrics and an optional gzip wire trace archived to
// S3 on a cron schedule. Grounded on alxayo-rtmp-go/cmd/rtmp-server's
// main.go: flag parsing, logger init, and signal.NotifyContext-based
// graceful shutdown with a timeout-bounded forced exit.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/alxayo/opcua-transport/internal/config"
	"github.com/alxayo/opcua-transport/internal/logger"
	"github.com/alxayo/opcua-transport/internal/metrics"
	"github.com/alxayo/opcua-transport/internal/sechan"
	"github.com/alxayo/opcua-transport/internal/sendbuf"
	"github.com/alxayo/opcua-transport/internal/subscription"
	"github.com/alxayo/opcua-transport/internal/trace"
	"github.com/alxayo/opcua-transport/internal/transport"
	"github.com/alxayo/opcua-transport/internal/ua"
)

func main() {
	cli, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cli.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()

	// reviseCh carries the most recently reloaded send-buffer limits to
	// runWriter, the sole goroutine that owns sendBuf — Revise is applied
	// there rather than from the watcher's own goroutine, since SendBuffer
	// is documented as not safe for concurrent use (spec.md §5).
	reviseCh := make(chan config.SendBufferConfig, 1)
	onConfigChange := func(c *config.Config) {
		select {
		case reviseCh <- c.SendBuffer:
		default:
			select {
			case <-reviseCh:
			default:
			}
			reviseCh <- c.SendBuffer
		}
	}

	watcher, err := config.Watch(cli.configPath, onConfigChange)
	if err != nil {
		fmt.Printf("loading config: %v\n", err)
		os.Exit(1)
	}
	defer watcher.Close()
	cfg := watcher.Current()

	level := cfg.Logging.Level
	if cli.logLevel != "" {
		level = cli.logLevel
	}
	if err := logger.SetLevel(level); err != nil {
		logger.Warn("invalid log level, using default", "level", level, "error", err)
	}
	runID := uuid.NewString()
	log := logger.Logger().With("component", "cli", "run_id", runID)

	m := metrics.New()

	var traceSink *trace.Sink
	if cfg.Trace.Enabled {
		f, err := os.Create(cfg.Trace.Path)
		if err != nil {
			log.Error("failed to open trace file", "path", cfg.Trace.Path, "error", err)
			os.Exit(1)
		}
		traceSink, err = trace.New(f)
		if err != nil {
			log.Error("failed to start trace sink", "error", err)
			os.Exit(1)
		}
		defer traceSink.Close()
	}

	endpointURL, err := url.Parse(cfg.Endpoint)
	if err != nil {
		log.Error("invalid endpoint", "endpoint", cfg.Endpoint, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := net.DialTimeout("tcp", endpointURL.Host, 10*time.Second)
	if err != nil {
		log.Error("failed to dial endpoint", "addr", endpointURL.Host, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	log.Info("connected", "addr", endpointURL.Host)

	channel := sechan.New(1)
	sendBuf := sendbuf.New(cfg.SendBuffer.SendBufferSize, cfg.SendBuffer.MaxMessageSize, cfg.SendBuffer.MaxChunkCount, 1)

	outgoing := make(chan ua.Submission)
	transportState := transport.New(outgoing, channel, 0, 1, decodePublishResponse)
	transportState.SetMetrics(m)

	limits := subscription.Limits{
		MinPublishRequests: cfg.Publish.MinPublishRequests,
		MaxPublishRequests: cfg.Publish.MaxPublishRequests,
	}
	session := newClientSession(outgoing, 1, limits, cfg.Publish.KeepAliveInterval, 30*time.Second)
	trigger := subscription.NewTrigger(time.Now())
	eventLoop := subscription.NewEventLoop(session, trigger)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return runReader(gctx, conn, transportState, traceSink) })
	group.Go(func() error { return runWriter(gctx, conn, sendBuf, channel, transportState, traceSink, reviseCh) })
	group.Go(func() error { return runSubscriptionLoop(gctx, eventLoop, m) })

	if cfg.Metrics.Enabled {
		group.Go(func() error { return runMetricsServer(gctx, cfg.Metrics.ListenAddr, m) })
	}

	if cfg.Trace.Enabled && cfg.Trace.S3Bucket != "" {
		group.Go(func() error { return runTraceArchival(gctx, cfg.Trace.Path, cfg.Trace.S3Bucket) })
	}

	log.Info("client started", "endpoint", cfg.Endpoint, "version", version)

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		transportState.Close(ua.StatusOK)
		close(outgoing)
		if err := group.Wait(); err != nil && gctx.Err() == nil {
			log.Error("worker error", "error", err)
		}
		sendBuf.Release()
		close(done)
	}()

	select {
	case <-done:
		log.Info("client stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}

// runReader pulls framed chunks off conn and hands them to transportState,
// recording each one to traceSink when tracing is enabled.
func runReader(ctx context.Context, conn net.Conn, transportState *transport.State, traceSink *trace.Sink) error {
	for {
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetReadDeadline(deadline)
		}
		frame, err := readFrame(conn)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		traceSink.Record(trace.DirectionInbound, 0, 0, 0, frame)
		if err := transportState.HandleIncomingMessage(transport.Incoming{Kind: transport.IncomingChunk, ChunkData: frame}); err != nil {
			logger.Warn("incoming message rejected", "error", err)
		}
	}
}

// runWriter drains submissions from the outgoing queue through the send
// buffer onto conn, until WaitForOutgoingMessage reports the queue closed.
// It is the exclusive owner of sendBuf for the life of the connection,
// including applying hot-reloaded send-buffer limits from reviseCh.
func runWriter(ctx context.Context, conn net.Conn, sendBuf *sendbuf.SendBuffer, channel *sechan.SecureChannel, transportState *transport.State, traceSink *trace.Sink, reviseCh <-chan config.SendBufferConfig) error {
	for {
		select {
		case sb := <-reviseCh:
			sendBuf.Revise(sb.SendBufferSize, sb.MaxMessageSize, sb.MaxChunkCount)
			logger.Info("send buffer limits revised", "send_buffer_size", sb.SendBufferSize, "max_message_size", sb.MaxMessageSize, "max_chunk_count", sb.MaxChunkCount)
		default:
		}

		msg, requestID, ok := transportState.WaitForOutgoingMessage(ctx, sendBuf)
		if !ok {
			return nil
		}
		encodable, ok := msg.(sechan.Encodable)
		if !ok {
			logger.Warn("outgoing message is not encodable, dropping", "request_id", requestID)
			continue
		}
		if _, err := sendBuf.Write(requestID, encodable, channel); err != nil {
			transportState.MessageSendFailed(requestID, ua.StatusEncodingLimitsExceeded)
			continue
		}
		for sendBuf.ShouldEncodeChunks() {
			if err := sendBuf.EncodeNextChunk(channel); err != nil {
				transportState.MessageSendFailed(requestID, ua.StatusUnexpectedError)
				break
			}
		}
		for sendBuf.CanRead() {
			if err := sendBuf.ReadInto(ctx, conn); err != nil {
				transportState.MessageSendFailed(requestID, ua.StatusConnectionClosed)
				return err
			}
		}
		traceSink.Record(trace.DirectionOutbound, 0, requestID, 0, nil)
	}
}

// runSubscriptionLoop drains Activity off the event loop and folds each one
// into the publish-activity counter.
func runSubscriptionLoop(ctx context.Context, eventLoop *subscription.EventLoop, m *metrics.Metrics) error {
	for activity := range eventLoop.Run(ctx) {
		switch activity.Kind {
		case subscription.ActivityPublish:
			m.IncPublish("ok")
		case subscription.ActivityPublishFailed:
			m.IncPublish(activity.Status.String())
		}
	}
	return nil
}

func runMetricsServer(ctx context.Context, addr string, m *metrics.Metrics) error {
	srv := &http.Server{Addr: addr, Handler: m.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// runTraceArchival uploads the trace file at path to bucket on an hourly
// cron schedule, for as long as ctx is alive. It uses aws-sdk-go-v2 (the
// version SPEC_FULL.md names; substituted over the pack's only retrieved
// S3 usage, rockstar-0000-aistore/dfc/aws.go's aws-sdk-go v1 client, which
// predates the v2 API below).
func runTraceArchival(ctx context.Context, path, bucket string) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("runTraceArchival: loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)

	c := cron.New()
	_, err = c.AddFunc("@hourly", func() {
		f, err := os.Open(path)
		if err != nil {
			logger.Warn("trace archival: opening trace file", "error", err)
			return
		}
		defer f.Close()

		key := fmt.Sprintf("%s-%s", path, time.Now().UTC().Format("20060102T150405Z"))
		_, err = client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &bucket,
			Key:    &key,
			Body:   f,
		})
		if err != nil {
			logger.Warn("trace archival: upload failed", "error", err)
			return
		}
		logger.Info("trace archival: uploaded", "bucket", bucket, "key", key)
	})
	if err != nil {
		return fmt.Errorf("runTraceArchival: scheduling job: %w", err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
