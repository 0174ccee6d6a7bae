package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/msageha/launchanalyzer/internal/logging"
	"github.com/msageha/launchanalyzer/internal/model"
)

// ChannelLister lists the currently registered analyzer channels.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]model.AnalyzerChannel, error)
}

// CallObserver receives the outcome of every RPC call.
type CallObserver interface {
	ObserveCall(channel string, route model.Route, outcome string, elapsed time.Duration)
}

// Call outcomes reported to the observer.
const (
	OutcomeOK           = "ok"
	OutcomeTimeout      = "timeout"
	OutcomeNoResponders = "no_responders"
	OutcomeMalformed    = "malformed"
	OutcomeError        = "error"
)

// Client issues analyzer RPCs. A channel that times out or answers with
// garbage is treated as having no opinion; no method fails because of one
// unresponsive channel.
type Client struct {
	nc       *nats.Conn
	lister   ChannelLister
	cfg      model.AnalyzerConfig
	logger   *logging.Logger
	observer CallObserver
	tracer   trace.Tracer
}

func NewClient(nc *nats.Conn, lister ChannelLister, cfg model.AnalyzerConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "analyzer"
	}
	if cfg.RequestTimeoutSec <= 0 {
		cfg.RequestTimeoutSec = 30
	}
	if cfg.IndexTimeoutSec <= 0 {
		cfg.IndexTimeoutSec = cfg.RequestTimeoutSec
	}
	if cfg.AnalyzeTimeoutSec <= 0 {
		cfg.AnalyzeTimeoutSec = cfg.RequestTimeoutSec
	}
	return &Client{
		nc:     nc,
		lister: lister,
		cfg:    cfg,
		logger: logger.WithComponent("analyzer"),
		tracer: otel.Tracer("github.com/msageha/launchanalyzer/internal/analyzer"),
	}
}

// SetObserver installs a call observer (metrics).
func (c *Client) SetObserver(o CallObserver) {
	c.observer = o
}

// Subject returns the bus subject of a channel route.
func (c *Client) Subject(ch model.AnalyzerChannel, route model.Route) string {
	return c.cfg.SubjectPrefix + "." + ch.Name + "." + string(route)
}

// Channels lists channels; a discovery failure is logged and reported as an
// empty list.
func (c *Client) Channels(ctx context.Context) []model.AnalyzerChannel {
	chs, err := c.lister.ListChannels(ctx)
	if err != nil {
		c.logger.Errorf("list channels err=%v", err)
		return nil
	}
	return chs
}

func (c *Client) HasClients(ctx context.Context) bool {
	return len(c.Channels(ctx)) > 0
}

// Index sends the requests to every index-capable channel and sums the
// reported durations in milliseconds.
func (c *Client) Index(ctx context.Context, rqs []model.IndexLaunchRequest) int64 {
	if len(rqs) == 0 {
		return 0
	}
	var total int64
	for _, ch := range filterChannels(c.Channels(ctx), func(ch model.AnalyzerChannel) bool { return ch.SupportsIndex }) {
		var discard json.RawMessage
		c.call(ctx, ch, model.RouteNamespaceFinder, rqs, &discard)

		var rs model.IndexRs
		if c.call(ctx, ch, model.RouteIndex, rqs, &rs) {
			total += rs.Took
			c.logger.Debugf("indexed channel=%s took=%dms", ch.Name, rs.Took)
		}
	}
	return total
}

// CleanIndex asks every channel to drop the item documents. The count of the
// most senior channel that answered is returned; backends sharing one
// logical index must not be counted twice.
func (c *Client) CleanIndex(ctx context.Context, indexID int64, itemIDs []int64) int64 {
	if len(itemIDs) == 0 {
		return 0
	}
	rq := model.CleanIndexRq{IndexID: indexID, ItemIDs: itemIDs}

	var (
		best      *model.AnalyzerChannel
		bestCount int64
	)
	for _, ch := range c.Channels(ctx) {
		var rs model.CleanIndexRs
		if !c.call(ctx, ch, model.RouteClean, rq, &rs) {
			continue
		}
		c.logger.Debugf("clean channel=%s index=%d deleted=%d", ch.Name, indexID, rs.Deleted)
		if best == nil || ch.Priority < best.Priority {
			chCopy := ch
			best = &chCopy
			bestCount = rs.Deleted
		}
	}
	return bestCount
}

// DeleteIndex asks every channel to drop the whole index. Failures are
// logged per channel and never returned.
func (c *Client) DeleteIndex(ctx context.Context, indexID int64) {
	for _, ch := range c.Channels(ctx) {
		var discard json.RawMessage
		if c.call(ctx, ch, model.RouteDelete, model.DeleteIndexRq{IndexID: indexID}, &discard) {
			c.logger.Infof("index deleted channel=%s index=%d", ch.Name, indexID)
		} else {
			c.logger.Warnf("index delete failed channel=%s index=%d", ch.Name, indexID)
		}
	}
}

// SearchLogs forwards to the most senior search-capable channel.
func (c *Client) SearchLogs(ctx context.Context, rq model.SearchLogsRq) ([]model.SearchLogsRs, error) {
	ch, err := c.pick(ctx, func(ch model.AnalyzerChannel) bool { return ch.SupportsSearch })
	if err != nil {
		return nil, err
	}
	var rs []model.SearchLogsRs
	if !c.call(ctx, ch, model.RouteSearch, rq, &rs) {
		return nil, nil
	}
	return rs, nil
}

// Suggest forwards to the most senior suggest-capable channel.
func (c *Client) Suggest(ctx context.Context, rq model.SuggestRq) ([]model.SuggestInfo, error) {
	ch, err := c.pick(ctx, func(ch model.AnalyzerChannel) bool { return ch.SupportsSuggest })
	if err != nil {
		return nil, err
	}
	var rs []model.SuggestInfo
	if !c.call(ctx, ch, model.RouteSuggest, rq, &rs) {
		return nil, nil
	}
	return rs, nil
}

// Analyze visits channels in ascending priority. Each channel only sees the
// items no earlier channel classified, and the first non-empty verdict for
// an item wins. The caller's request is never modified.
func (c *Client) Analyze(ctx context.Context, rq model.IndexLaunchRequest) map[string][]model.AnalyzedItemRs {
	results := make(map[string][]model.AnalyzedItemRs)
	remaining := rq

	for _, ch := range c.Channels(ctx) {
		if len(remaining.TestItems) == 0 || ctx.Err() != nil {
			break
		}

		var rs []model.AnalyzedItemRs
		if !c.call(ctx, ch, model.RouteAnalyze, remaining, &rs) || len(rs) == 0 {
			continue
		}

		pending := make(map[int64]struct{}, len(remaining.TestItems))
		for _, it := range remaining.TestItems {
			pending[it.TestItemID] = struct{}{}
		}
		claimed := make(map[int64]struct{})
		for _, r := range rs {
			if r.IssueType == "" {
				continue
			}
			if _, ok := pending[r.ItemID]; !ok {
				continue
			}
			if _, dup := claimed[r.ItemID]; dup {
				continue
			}
			claimed[r.ItemID] = struct{}{}
			results[ch.Key] = append(results[ch.Key], r)
		}
		if len(claimed) == 0 {
			continue
		}
		c.logger.Infof("analyze channel=%s launch=%d claimed=%d left=%d",
			ch.Name, rq.LaunchID, len(claimed), len(remaining.TestItems)-len(claimed))
		remaining = remaining.Without(claimed)
	}
	return results
}

func (c *Client) pick(ctx context.Context, accept func(model.AnalyzerChannel) bool) (model.AnalyzerChannel, error) {
	chs := filterChannels(c.Channels(ctx), accept)
	if len(chs) == 0 {
		return model.AnalyzerChannel{}, model.ErrNoSuitableIntegration
	}
	return chs[0], nil
}

// call performs one request/reply with its own timeout and reports whether
// a well-formed successful reply was decoded into reply.
func (c *Client) call(ctx context.Context, ch model.AnalyzerChannel, route model.Route, params, reply any) bool {
	subject := c.Subject(ch, route)
	ctx, span := c.tracer.Start(ctx, "analyzer."+string(route), trace.WithAttributes(
		attribute.String("analyzer.channel", ch.Name),
		attribute.String("analyzer.key", ch.Key),
		attribute.String("messaging.destination", subject),
	))
	defer span.End()

	start := time.Now()
	outcome, err := c.roundTrip(ctx, subject, route, params, reply)
	elapsed := time.Since(start)

	if c.observer != nil {
		c.observer.ObserveCall(ch.Name, route, outcome, elapsed)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		c.logger.Warnf("call channel=%s route=%s outcome=%s elapsed=%s err=%v",
			ch.Name, route, outcome, elapsed.Round(time.Millisecond), err)
		return false
	}
	c.logger.Debugf("call channel=%s route=%s outcome=ok elapsed=%s", ch.Name, route, elapsed.Round(time.Millisecond))
	return true
}

func (c *Client) roundTrip(ctx context.Context, subject string, route model.Route, params, reply any) (string, error) {
	if c.nc == nil {
		return OutcomeError, ErrBrokerUnavailable
	}
	req, err := NewRequest(route, params)
	if err != nil {
		return OutcomeError, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return OutcomeError, fmt.Errorf("marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RouteTimeout(route))
	defer cancel()

	msg, err := c.nc.RequestWithContext(callCtx, subject, data)
	switch {
	case err == nil:
	case errors.Is(err, nats.ErrNoResponders):
		return OutcomeNoResponders, err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return OutcomeTimeout, err
	default:
		return OutcomeError, err
	}

	if err := DecodeResponse(msg.Data, reply); err != nil {
		return OutcomeMalformed, err
	}
	return OutcomeOK, nil
}

func filterChannels(chs []model.AnalyzerChannel, accept func(model.AnalyzerChannel) bool) []model.AnalyzerChannel {
	out := make([]model.AnalyzerChannel, 0, len(chs))
	for _, ch := range chs {
		if accept(ch) {
			out = append(out, ch)
		}
	}
	return out
}
