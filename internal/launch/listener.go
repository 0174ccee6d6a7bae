package launch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/msageha/launchanalyzer/internal/analyzer"
	"github.com/msageha/launchanalyzer/internal/model"
)

// Listen subscribes to LaunchFinishedEvent messages on subject. Messages
// sent with a reply subject get a success/error envelope back. ctx bounds
// every dispatch started by the subscription.
func (d *Dispatcher) Listen(ctx context.Context, nc *nats.Conn, subject string) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		d.handleMsg(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	d.logger.Infof("listening for finished launches subject=%s", subject)
	return sub, nil
}

func (d *Dispatcher) handleMsg(ctx context.Context, msg *nats.Msg) {
	var ev model.LaunchFinishedEvent
	var resp *analyzer.Response
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.LaunchID == 0 {
		d.logger.Warnf("discard malformed launch event subject=%s", msg.Subject)
		resp = analyzer.ErrorResponse(model.ErrCodeValidation, "malformed launch finished event")
	} else if handles, err := d.Dispatch(ctx, ev); err != nil {
		resp = analyzer.ErrorResponse(model.ErrorCode(err), err.Error())
	} else {
		resp = analyzer.SuccessResponse(map[string]int{"scheduled": len(handles)})
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		d.logger.Errorf("marshal reply err=%v", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		d.logger.Warnf("reply launch=%d err=%v", ev.LaunchID, err)
	}
}
