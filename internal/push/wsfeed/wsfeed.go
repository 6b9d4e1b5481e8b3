// Package wsfeed is a push source over websocket. It consumes the feed
// endpoint of the HTTP surface, one connection per stream, with JSON or
// msgpack frames.
package wsfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/push"
)

// FeedPath is the feed endpoint relative to the server base URL.
const FeedPath = "/v1/feed"

const readLimit = 1 << 20

// Source implements push.Source against a wolfpack server.
type Source struct {
	base       *url.URL
	protocol   string
	httpClient *http.Client
	header     http.Header
	logger     *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithProtocol selects the frame subprotocol. The default is msgpack.
func WithProtocol(p string) Option {
	return func(s *Source) {
		s.protocol = p
	}
}

// WithHTTPClient sets the client used for the websocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		s.httpClient = c
	}
}

// WithHeader adds a header to every handshake, such as Authorization.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		s.header.Add(key, value)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		s.logger = l
	}
}

// New creates a source for the server at baseURL (http, https, ws or wss).
func New(baseURL string, opts ...Option) (*Source, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	s := &Source{
		base:     u,
		protocol: ProtocolMsgpack,
		header:   http.Header{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := CodecFor(s.protocol); err != nil {
		return nil, err
	}
	return s, nil
}

// FeedURL returns the websocket URL of the feed for (kind, filter).
func (s *Source) FeedURL(kind entity.Kind, filter entity.Filter) string {
	u := *s.base
	u.Path += FeedPath
	q := url.Values{}
	q.Set("kind", string(kind))
	if k := filter.Key(); k != "" {
		q.Set("filter", k)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Subscribe implements push.Source.
func (s *Source) Subscribe(ctx context.Context, kind entity.Kind, filter entity.Filter) (push.Stream, error) {
	conn, resp, err := websocket.Dial(ctx, s.FeedURL(kind, filter), &websocket.DialOptions{
		HTTPClient:   s.httpClient,
		HTTPHeader:   s.header.Clone(),
		Subprotocols: []string{s.protocol},
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial feed: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial feed: %w", err)
	}
	codec, err := CodecFor(conn.Subprotocol())
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "unsupported subprotocol")
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	s.logger.Debug("websocket feed opened", "feed", entity.FeedKey(kind, filter), "protocol", codec.Protocol())
	return &stream{conn: conn, codec: codec}, nil
}

type stream struct {
	conn  *websocket.Conn
	codec Codec

	once sync.Once
}

// Recv implements push.Stream. A closed connection ends the stream with
// push.ErrStreamClosed.
func (st *stream) Recv(ctx context.Context) (push.RawChange, error) {
	typ, data, err := st.conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return push.RawChange{}, ctx.Err()
		}
		if status := websocket.CloseStatus(err); status != -1 {
			return push.RawChange{}, fmt.Errorf("%w: %s", push.ErrStreamClosed, status)
		}
		return push.RawChange{}, fmt.Errorf("%w: %v", push.ErrStreamClosed, err)
	}
	if typ != st.codec.MessageType() {
		return push.RawChange{}, fmt.Errorf("unexpected %s frame on %s feed", typ, st.codec.Protocol())
	}
	return st.codec.Unmarshal(data)
}

// Close implements push.Stream.
func (st *stream) Close() error {
	var err error
	st.once.Do(func() {
		err = st.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
			err = nil
		}
	})
	return err
}
