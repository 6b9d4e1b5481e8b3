package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/wolfpack/internal/config"
	"github.com/roach88/wolfpack/internal/engine"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/notify"
	"github.com/roach88/wolfpack/internal/persist/httpclient"
	"github.com/roach88/wolfpack/internal/push/wsfeed"
	"github.com/roach88/wolfpack/internal/store"
)

// ClientOptions are the flags shared by commands that run the client
// engine against a server.
type ClientOptions struct {
	Protocol string
	Token    string
}

func (o *ClientOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Protocol, "protocol", wsfeed.ProtocolJSON, "push subprotocol ("+wsfeed.ProtocolJSON+"|"+wsfeed.ProtocolMsgpack+")")
	cmd.Flags().StringVar(&o.Token, "token", "", "bearer token sent with every request")
}

// client is a running engine connected to a server.
type client struct {
	engine *engine.Engine
	api    *httpclient.Client
	errc   chan error
}

// startClient builds an engine over the HTTP API and websocket feed at
// serverURL and starts its loop.
func startClient(ctx context.Context, serverURL string, o ClientOptions, cfg *config.Config, logger *slog.Logger) (*client, error) {
	var apiOpts []httpclient.Option
	feedOpts := []wsfeed.Option{wsfeed.WithProtocol(o.Protocol), wsfeed.WithLogger(logger)}
	if o.Token != "" {
		apiOpts = append(apiOpts, httpclient.WithHeader("Authorization", "Bearer "+o.Token))
		feedOpts = append(feedOpts, wsfeed.WithHeader("Authorization", "Bearer "+o.Token))
	}
	api, err := httpclient.New(serverURL, apiOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid server url", err)
	}
	src, err := wsfeed.New(serverURL, feedOpts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid push feed", err)
	}

	opts := append(cfg.EngineOptions(), engine.WithLogger(logger))
	c := &client{engine: engine.New(api, src, opts...), api: api, errc: make(chan error, 1)}
	go func() { c.errc <- c.engine.Run(ctx) }()
	return c, nil
}

// stop ends the loop and waits for it.
func (c *client) stop() {
	c.engine.Stop()
	<-c.engine.Done()
}

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	ClientOptions
	Filter      string
	Duration    time.Duration
	DeviceToken string
	User        string
	Platform    string
}

// ViewLine is one watch output record.
type ViewLine struct {
	Type       string                   `json:"type"` // view | transition | failure
	Key        string                   `json:"key"`
	Entity     *entity.Entity           `json:"entity,omitempty"`
	Transition *notify.TransitionNotice `json:"transition,omitempty"`
	Failure    *notify.MutationFailure  `json:"failure,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <server-url> <kind>",
		Short: "Follow a live feed",
		Long: `Subscribe to the feed of one kind (order, post or membership) and
print every change of the displayed state, order status alerts and
rolled-back mutations until interrupted.

Examples:
  wolfpack watch http://localhost:8080 order --filter user_id=u-1
  wolfpack watch http://localhost:8080 post --format json --duration 1m
  wolfpack watch http://localhost:8080 order --filter user_id=u-1 --user u-1 --device-token fcm-abc`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := entity.ParseKind(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid kind", err)
			}
			filter, err := entity.ParseFilter(opts.Filter)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid filter", err)
			}
			if opts.DeviceToken != "" && opts.User == "" {
				return NewExitError(ExitCommandError, "--device-token requires --user")
			}
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.Duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.Duration)
				defer cancel()
			}
			return runWatch(ctx, cmd, opts, cfg, args[0], kind, filter)
		},
	}

	opts.ClientOptions.register(cmd)
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "field=value terms joined by commas")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().StringVar(&opts.DeviceToken, "device-token", "", "push token to register for this device while watching")
	cmd.Flags().StringVar(&opts.User, "user", "", "user id the device token belongs to")
	cmd.Flags().StringVar(&opts.Platform, "platform", "web", "device platform recorded with the token")

	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, opts *WatchOptions, cfg *config.Config, serverURL string, kind entity.Kind, filter entity.Filter) error {
	logger := opts.Logger(cmd.ErrOrStderr(), cfg)
	out := opts.Output(cmd)

	c, err := startClient(ctx, serverURL, opts.ClientOptions, cfg, logger)
	if err != nil {
		return err
	}
	defer c.stop()

	if opts.DeviceToken != "" {
		unregister, err := registerDevice(ctx, c, opts, logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		defer unregister()
		out.VerboseLog("device registered for %s", opts.User)
	}

	eng := c.engine
	defer eng.Subscribe(func(ch store.Change) {
		if ch.Kind != kind {
			return
		}
		key := entity.Key{Kind: ch.Kind, ID: ch.ID}.String()
		out.Line(ViewLine{Type: "view", Key: key, Entity: ch.After}, describeView(key, ch.After))
	})()
	defer eng.Notifications().OnTransition(func(n notify.TransitionNotice) {
		key := entity.Key{Kind: n.Transition.Kind, ID: n.Transition.EntityID}.String()
		out.Line(ViewLine{Type: "transition", Key: key, Transition: &n},
			fmt.Sprintf("! %s [%s] %s", key, n.Alert.Salience, n.Alert.Body))
	})()
	defer eng.Notifications().OnMutationFailure(func(f notify.MutationFailure) {
		key := entity.Key{Kind: f.Kind, ID: f.EntityID}.String()
		out.Line(ViewLine{Type: "failure", Key: key, Failure: &f},
			fmt.Sprintf("x %s %s rolled back: %s", key, f.OpKind, f.Reason))
	})()

	unwatch, err := eng.Watch(ctx, kind, filter)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return WrapExitError(ExitCommandError, "watch "+entity.FeedKey(kind, filter), err)
	}
	defer unwatch()
	out.VerboseLog("watching %s at %s", entity.FeedKey(kind, filter), serverURL)

	select {
	case <-ctx.Done():
		return nil
	case err := <-c.errc:
		if err != nil && ctx.Err() == nil {
			return WrapExitError(ExitFailure, "engine stopped", err)
		}
		return nil
	}
}

// registerDevice registers the device token with the server for the life of
// the watch. The returned func unregisters it.
func registerDevice(ctx context.Context, c *client, opts *WatchOptions, logger *slog.Logger) (func(), error) {
	token := opts.DeviceToken
	reg := notify.NewRegistrar(opts.User,
		notify.TokenSourceFunc(func(context.Context) (string, error) { return token, nil }),
		c.api,
		notify.WithPlatform(opts.Platform),
		notify.WithRegistrarLogger(logger),
	)
	if err := reg.Init(); err != nil {
		return nil, WrapExitError(ExitFailure, "register device", err)
	}
	unregister := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := reg.Shutdown(sctx); err != nil {
			logger.Warn("device unregistration failed", "user_id", opts.User, "error", err)
		}
	}
	if _, err := reg.EnsureRegistered(ctx); err != nil {
		unregister()
		return nil, WrapExitError(ExitFailure, "register device", err)
	}
	return unregister, nil
}

// describeView renders a view change as one text line.
func describeView(key string, e *entity.Entity) string {
	if e == nil {
		return "- " + key
	}
	line := fmt.Sprintf("* %s v%d", key, e.Version)
	if e.Status != "" {
		line += " " + string(e.Status)
	}
	if e.Pending {
		line += " (pending)"
	}
	if len(e.Fields) > 0 {
		if data, err := entity.MarshalCanonical(entity.Object(e.Fields)); err == nil {
			line += " " + string(data)
		}
	}
	return line
}
