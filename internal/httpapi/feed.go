package httpapi

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
	"github.com/roach88/wolfpack/internal/push/wsfeed"
)

// Feed upgrades to a websocket and relays the change stream of
// (kind, filter) until either side goes away. The frame codec follows the
// negotiated subprotocol.
func (s *Server) Feed(c *gin.Context) {
	kind, err := entity.ParseKind(c.Query("kind"))
	if err != nil {
		abortWithError(c, persist.Wrap(persist.CodeValidation, "invalid kind", err))
		return
	}
	filter, err := entity.ParseFilter(c.Query("filter"))
	if err != nil {
		abortWithError(c, persist.Wrap(persist.CodeValidation, "invalid filter", err))
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		Subprotocols:   wsfeed.Subprotocols,
		OriginPatterns: s.origins,
	})
	if err != nil {
		// Accept has already written the response.
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	codec, err := wsfeed.CodecFor(conn.Subprotocol())
	if err != nil {
		conn.Close(websocket.StatusProtocolError, err.Error())
		return
	}

	// The peer sends nothing; CloseRead handles its close frame and
	// cancels ctx when it leaves.
	ctx := conn.CloseRead(c.Request.Context())
	stream, err := s.source.Subscribe(ctx, kind, filter)
	if err != nil {
		s.logger.Warn("feed subscribe failed", "feed", entity.FeedKey(kind, filter), "error", err)
		conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
		return
	}
	defer stream.Close()

	feed := entity.FeedKey(kind, filter)
	s.logger.Debug("feed connected", "feed", feed, "protocol", codec.Protocol())
	for {
		raw, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Info("feed source ended", "feed", feed, "error", err)
			conn.Close(websocket.StatusTryAgainLater, "source closed")
			return
		}
		data, err := codec.Marshal(raw)
		if err != nil {
			s.logger.Warn("dropping unencodable change", "feed", feed, "error", err)
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		err = conn.Write(wctx, codec.MessageType(), data)
		cancel()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Debug("feed write failed", "feed", feed, "error", err)
			}
			return
		}
	}
}
