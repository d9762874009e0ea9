package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// eventSchema describes the only frame shape the feed is allowed to deliver.
// Frames that fail validation are logged and dropped, never dispatched.
const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "table"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"table": {"type": "string", "minLength": 1},
		"tenant_id": {"type": ["string", "null"]},
		"record_id": {"type": ["string", "null"]},
		"at": {"type": ["string", "null"]}
	}
}`

type WebsocketFeedOptions struct {
	URL         string
	Token       string
	DialTimeout time.Duration
	Logger      *logrus.Logger
}

// WebsocketFeed implements Feed over a single websocket dial per channel.
type WebsocketFeed struct {
	url         string
	token       string
	dialTimeout time.Duration
	logger      *logrus.Logger
	schema      *jsonschema.Schema
}

func NewWebsocketFeed(opts WebsocketFeedOptions) (*WebsocketFeed, error) {
	rawURL := strings.TrimSpace(opts.URL)
	if rawURL == "" {
		return nil, fmt.Errorf("feed url is required")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	schema, err := compileEventSchema()
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &WebsocketFeed{
		url:         rawURL,
		token:       strings.TrimSpace(opts.Token),
		dialTimeout: dialTimeout,
		logger:      logger,
		schema:      schema,
	}, nil
}

func compileEventSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("event.json")
}

type subscribeRequest struct {
	Action   string `json:"action"`
	Channel  string `json:"channel"`
	TenantID string `json:"tenant_id"`
	Events   string `json:"events"`
}

type subscribeAck struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
	Reason  string `json:"reason,omitempty"`
}

type eventFrame struct {
	Type     string `json:"type"`
	Table    string `json:"table"`
	TenantID string `json:"tenant_id"`
	RecordID string `json:"record_id"`
	At       string `json:"at"`
}

func (f *WebsocketFeed) Subscribe(ctx context.Context, channel, tenantID string, handler Handler) (Channel, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("channel name is required")
	}
	dialCtx, cancel := context.WithTimeout(ctx, f.dialTimeout)
	defer cancel()

	header := http.Header{}
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}
	conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	ch := &wsChannel{name: channel, conn: conn}
	ch.state.Store(int32(StateSubscribing))

	join := subscribeRequest{Action: "subscribe", Channel: channel, TenantID: tenantID, Events: "*"}
	if err := wsjson.Write(dialCtx, conn, join); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("send subscribe: %w", err)
	}
	var ack subscribeAck
	if err := wsjson.Read(dialCtx, conn, &ack); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "ack failed")
		return nil, fmt.Errorf("read subscribe ack: %w", err)
	}
	if ack.Status != "subscribed" && ack.Status != "joined" {
		_ = conn.Close(websocket.StatusPolicyViolation, "subscribe rejected")
		return nil, fmt.Errorf("subscribe rejected: %s %s", ack.Status, ack.Reason)
	}
	ch.state.Store(int32(StateSubscribed))

	go ch.readLoop(f.schema, handler, f.logger)
	return ch, nil
}

type wsChannel struct {
	name      string
	conn      *websocket.Conn
	state     atomic.Int32
	closeOnce sync.Once
}

func (c *wsChannel) Name() string {
	return c.name
}

func (c *wsChannel) State() ChannelState {
	return ChannelState(c.state.Load())
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		_ = c.conn.Close(websocket.StatusNormalClosure, "teardown")
	})
	return nil
}

func (c *wsChannel) readLoop(schema *jsonschema.Schema, handler Handler, logger *logrus.Logger) {
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			// Close() already marked the channel; anything else is a
			// transport failure the health monitor must observe.
			if c.State() != StateClosed {
				c.state.Store(int32(StateErrored))
				logger.WithFields(logrus.Fields{
					"channel": c.name,
				}).WithError(err).Warn("change feed read failed")
			}
			return
		}

		decoded, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
		if err != nil {
			logger.WithField("channel", c.name).WithError(err).Warn("malformed feed frame dropped")
			continue
		}
		if err := schema.Validate(decoded); err != nil {
			logger.WithField("channel", c.name).WithError(err).Warn("invalid feed frame dropped")
			continue
		}

		var frame eventFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.WithField("channel", c.name).WithError(err).Warn("undecodable feed frame dropped")
			continue
		}
		event := Event{
			Type:     frame.Type,
			Table:    frame.Table,
			TenantID: frame.TenantID,
			RecordID: frame.RecordID,
		}
		if frame.At != "" {
			if at, err := time.Parse(time.RFC3339Nano, frame.At); err == nil {
				event.At = at
			}
		}
		handler(event)
	}
}
