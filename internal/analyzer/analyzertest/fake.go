// Package analyzertest runs an embedded broker and scriptable analyzer
// services for tests.
package analyzertest

import (
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/msageha/launchanalyzer/internal/analyzer"
	"github.com/msageha/launchanalyzer/internal/model"
)

// RunServer starts an embedded broker on a random port and returns a
// connected client. Both are closed when the test ends.
func RunServer(t testing.TB) (*natsserver.Server, *nats.Conn) {
	t.Helper()

	opts := natstest.DefaultTestOptions
	opts.Port = -1
	srv := natstest.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	return srv, Connect(t, srv)
}

// Connect opens an extra connection to srv.
func Connect(t testing.TB, srv *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect to embedded broker: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

// RawReply is written to the wire verbatim, bypassing the envelope.
type RawReply []byte

// Handler produces the reply data for one request. Returning an error sends
// an error envelope; returning RawReply sends bytes as-is.
type Handler func(params json.RawMessage) (any, error)

// Fake is a scriptable analyzer service.
type Fake struct {
	Name     string
	Key      string
	Priority *int
	Index    bool
	Search   bool
	Suggest  bool
	// Delay is applied before every reply.
	Delay    time.Duration
	Handlers map[model.Route]Handler

	mu       sync.Mutex
	received map[model.Route][]json.RawMessage
	svc      micro.Service
}

var allRoutes = []model.Route{
	model.RouteAnalyze,
	model.RouteIndex,
	model.RouteNamespaceFinder,
	model.RouteDelete,
	model.RouteClean,
	model.RouteSearch,
	model.RouteSuggest,
}

// Priority is a helper for the Fake.Priority field.
func Priority(p int) *int { return &p }

// Start registers f as a micro service on nc under the given subject prefix.
func Start(t testing.TB, nc *nats.Conn, prefix string, f *Fake) *Fake {
	t.Helper()

	md := map[string]string{
		model.TagAnalyzerIndex:   strconv.FormatBool(f.Index),
		model.TagAnalyzerSearch:  strconv.FormatBool(f.Search),
		model.TagAnalyzerSuggest: strconv.FormatBool(f.Suggest),
	}
	if f.Key != "" {
		md[model.TagAnalyzer] = f.Key
	}
	if f.Priority != nil {
		md[model.TagAnalyzerPriority] = strconv.Itoa(*f.Priority)
	}

	svc, err := micro.AddService(nc, micro.Config{
		Name:     f.Name,
		Version:  "1.0.0",
		Metadata: md,
	})
	if err != nil {
		t.Fatalf("add service %s: %v", f.Name, err)
	}
	f.svc = svc
	t.Cleanup(func() { _ = svc.Stop() })

	for _, route := range allRoutes {
		subject := prefix + "." + f.Name + "." + string(route)
		if err := svc.AddEndpoint(string(route), micro.HandlerFunc(func(req micro.Request) {
			f.handle(route, req)
		}), micro.WithEndpointSubject(subject)); err != nil {
			t.Fatalf("add endpoint %s: %v", subject, err)
		}
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return f
}

// Stop deregisters the service.
func (f *Fake) Stop() {
	if f.svc != nil {
		_ = f.svc.Stop()
	}
}

func (f *Fake) handle(route model.Route, req micro.Request) {
	var env analyzer.Request
	if err := json.Unmarshal(req.Data(), &env); err != nil {
		f.respond(req, analyzer.ErrorResponse(analyzer.ErrCodeValidation, err.Error()))
		return
	}

	f.mu.Lock()
	if f.received == nil {
		f.received = make(map[model.Route][]json.RawMessage)
	}
	f.received[route] = append(f.received[route], env.Params)
	h := f.Handlers[route]
	f.mu.Unlock()

	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}

	if h == nil {
		f.respond(req, analyzer.SuccessResponse(nil))
		return
	}
	data, err := h(env.Params)
	if err != nil {
		f.respond(req, analyzer.ErrorResponse(analyzer.ErrCodeInternal, err.Error()))
		return
	}
	if raw, ok := data.(RawReply); ok {
		_ = req.Respond(raw)
		return
	}
	f.respond(req, analyzer.SuccessResponse(data))
}

func (f *Fake) respond(req micro.Request, resp *analyzer.Response) {
	payload, _ := json.Marshal(resp)
	_ = req.Respond(payload)
}

// Calls returns how many requests reached a route.
func (f *Fake) Calls(route model.Route) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received[route])
}

// Requests returns the raw params received on a route.
func (f *Fake) Requests(route model.Route) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]json.RawMessage, len(f.received[route]))
	copy(out, f.received[route])
	return out
}

// AnalyzeRequests decodes every analyze request received.
func (f *Fake) AnalyzeRequests(t testing.TB) []model.IndexLaunchRequest {
	t.Helper()
	var out []model.IndexLaunchRequest
	for _, raw := range f.Requests(model.RouteAnalyze) {
		var rq model.IndexLaunchRequest
		if err := json.Unmarshal(raw, &rq); err != nil {
			t.Fatalf("decode analyze request: %v", err)
		}
		out = append(out, rq)
	}
	return out
}

// Claim returns an analyze handler that classifies the listed items, if
// present in the request, with the given issue type.
func Claim(issueType string, itemIDs ...int64) Handler {
	want := make(map[int64]bool, len(itemIDs))
	for _, id := range itemIDs {
		want[id] = true
	}
	return func(params json.RawMessage) (any, error) {
		var rq model.IndexLaunchRequest
		if err := json.Unmarshal(params, &rq); err != nil {
			return nil, err
		}
		var out []model.AnalyzedItemRs
		for _, it := range rq.TestItems {
			if want[it.TestItemID] {
				out = append(out, model.AnalyzedItemRs{ItemID: it.TestItemID, IssueType: issueType})
			}
		}
		return out, nil
	}
}

// ClaimAll classifies every item it receives.
func ClaimAll(issueType string) Handler {
	return func(params json.RawMessage) (any, error) {
		var rq model.IndexLaunchRequest
		if err := json.Unmarshal(params, &rq); err != nil {
			return nil, err
		}
		out := make([]model.AnalyzedItemRs, 0, len(rq.TestItems))
		for _, it := range rq.TestItems {
			out = append(out, model.AnalyzedItemRs{ItemID: it.TestItemID, IssueType: issueType})
		}
		return out, nil
	}
}

// Reply returns a handler that always answers with v.
func Reply(v any) Handler {
	return func(json.RawMessage) (any, error) { return v, nil }
}
