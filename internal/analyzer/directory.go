package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/launchanalyzer/internal/logging"
	"github.com/msageha/launchanalyzer/internal/model"
)

// ErrBrokerUnavailable is returned when discovery cannot reach the broker.
var ErrBrokerUnavailable = errors.New("message broker unavailable")

// serviceInfo is the subset of the micro INFO reply the directory reads.
type serviceInfo struct {
	Name     string            `json:"name"`
	ID       string            `json:"id"`
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata"`
}

// Directory discovers analyzer channels. Every analyzer is a micro service
// whose metadata carries the analyzer tags; instances sharing a service name
// form one channel.
type Directory struct {
	nc     *nats.Conn
	window time.Duration
	group  singleflight.Group
	logger *logging.Logger
}

func NewDirectory(nc *nats.Conn, window time.Duration, logger *logging.Logger) *Directory {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Directory{
		nc:     nc,
		window: window,
		logger: logger.WithComponent("directory"),
	}
}

// ListChannels returns the analyzer channels sorted by ascending priority.
// Concurrent callers share a single discovery round that always lasts the
// full window; a caller whose ctx ends first returns ctx.Err() without
// cutting the round short for the others.
func (d *Directory) ListChannels(ctx context.Context) ([]model.AnalyzerChannel, error) {
	round := context.WithoutCancel(ctx)
	resc := d.group.DoChan("channels", func() (interface{}, error) {
		return d.discover(round)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-resc:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		d.logger.Debugf("discovery shared with concurrent caller")
	}
	chs := res.Val.([]model.AnalyzerChannel)
	out := make([]model.AnalyzerChannel, len(chs))
	copy(out, chs)
	return out, nil
}

func (d *Directory) discover(ctx context.Context) ([]model.AnalyzerChannel, error) {
	if d.nc == nil || !d.nc.IsConnected() {
		return nil, ErrBrokerUnavailable
	}

	subject, err := micro.ControlSubject(micro.InfoVerb, "", "")
	if err != nil {
		return nil, fmt.Errorf("info subject: %w", err)
	}

	inbox := d.nc.NewInbox()
	sub, err := d.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe inbox: %v", ErrBrokerUnavailable, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := d.nc.PublishRequest(subject, inbox, nil); err != nil {
		return nil, fmt.Errorf("%w: publish info request: %v", ErrBrokerUnavailable, err)
	}

	deadline := time.Now().Add(d.window)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	found := make(map[string]model.AnalyzerChannel)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, err := sub.NextMsg(remaining)
		if err != nil {
			if !errors.Is(err, nats.ErrTimeout) {
				d.logger.Warnf("discovery interrupted err=%v", err)
			}
			break
		}

		var info serviceInfo
		if err := json.Unmarshal(msg.Data, &info); err != nil {
			d.logger.Warnf("skip malformed service info err=%v", err)
			continue
		}
		ch, ok := model.ChannelFromMetadata(info.Name, info.Metadata)
		if !ok {
			d.logger.Debugf("skip service=%s reason=no_analyzer_tag", info.Name)
			continue
		}
		// Instances of one service may disagree during a rolling deploy;
		// the most senior advertised priority wins.
		if existing, dup := found[ch.Name]; dup && existing.Priority <= ch.Priority {
			continue
		}
		found[ch.Name] = ch
	}

	chs := make([]model.AnalyzerChannel, 0, len(found))
	for _, ch := range found {
		chs = append(chs, ch)
	}
	model.SortChannels(chs)
	d.logger.Debugf("discovered channels=%d", len(chs))
	return chs, nil
}
