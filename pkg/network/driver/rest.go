package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/client-go/util/workqueue"

	"github.com/glennswest/microfabric/pkg/network"
	"github.com/glennswest/microfabric/pkg/network/intent"
)

// errNotFound is returned by do for a 404 answer.
var errNotFound = errors.New("not found")

// RESTOptions tunes the controller client.
type RESTOptions struct {
	Timeout    time.Duration
	MaxRetries int
	// RateLimiter paces retries of failed intent operations.
	RateLimiter workqueue.RateLimiter
}

// REST talks to an SDN controller over its northbound REST API. Intent
// operations are queued per key and pushed by Run; only the latest operation
// for a key is sent.
type REST struct {
	baseURL    string
	client     *http.Client
	maxRetries int
	log        *zap.SugaredLogger

	queue workqueue.RateLimitingInterface

	mu      sync.Mutex
	pending map[intent.Key]*restOp
	seq     uint64
}

type restOp struct {
	seq    uint64
	kind   memOpKind
	record intent.Record
	dones  []func(error)
}

type intentDoc struct {
	Record intent.Record `json:"record"`
	State  intent.State  `json:"state"`
}

type flowsDoc struct {
	Rules []network.FlowRule `json:"rules"`
}

// NewREST returns a driver for the controller at baseURL.
func NewREST(baseURL string, opts RESTOptions, log *zap.SugaredLogger) *REST {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.RateLimiter == nil {
		opts.RateLimiter = workqueue.DefaultControllerRateLimiter()
	}
	return &REST{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: opts.Timeout},
		maxRetries: opts.MaxRetries,
		log:        log.Named("rest-driver"),
		queue:      workqueue.NewNamedRateLimitingQueue(opts.RateLimiter, "controller-intents"),
		pending:    make(map[intent.Key]*restOp),
	}
}

// Run pushes queued intent operations until ctx is cancelled.
func (d *REST) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.queue.ShutDown()
	}()
	for d.processNext(ctx) {
	}
}

func (d *REST) processNext(ctx context.Context) bool {
	item, shutdown := d.queue.Get()
	if shutdown {
		return false
	}
	defer d.queue.Done(item)
	key := item.(intent.Key)

	d.mu.Lock()
	op, ok := d.pending[key]
	d.mu.Unlock()
	if !ok {
		d.queue.Forget(key)
		return true
	}

	err := d.send(ctx, op)
	if err != nil && ctx.Err() == nil && d.queue.NumRequeues(key) < d.maxRetries {
		d.log.Debugw("intent operation failed, retrying", "key", key, "error", err)
		d.queue.AddRateLimited(key)
		return true
	}
	d.queue.Forget(key)

	d.mu.Lock()
	if cur, ok := d.pending[key]; !ok || cur.seq != op.seq {
		// Replaced while in flight; the newer op owns the callbacks.
		d.mu.Unlock()
		return true
	}
	delete(d.pending, key)
	d.mu.Unlock()

	if err != nil {
		d.log.Warnw("intent operation failed", "key", key, "error", err)
	}
	if op.kind != opInstall {
		err = nil
	}
	for _, done := range op.dones {
		done(err)
	}
	return true
}

func (d *REST) send(ctx context.Context, op *restOp) error {
	key := url.PathEscape(string(op.record.Key))
	switch op.kind {
	case opInstall:
		return d.do(ctx, http.MethodPost, "/api/v1/intents", op.record, nil)
	case opWithdraw:
		err := d.do(ctx, http.MethodDelete, "/api/v1/intents/"+key, nil, nil)
		if errors.Is(err, errNotFound) {
			return nil
		}
		return err
	default:
		err := d.do(ctx, http.MethodPost, "/api/v1/intents/"+key+"/purge", nil, nil)
		if errors.Is(err, errNotFound) {
			return nil
		}
		return err
	}
}

// Must be called with d.mu held.
func (d *REST) enqueue(kind memOpKind, rec intent.Record, done func(error)) {
	d.seq++
	op := &restOp{seq: d.seq, kind: kind, record: rec}
	if prev, ok := d.pending[rec.Key]; ok {
		op.dones = prev.dones
	}
	if done != nil {
		op.dones = append(op.dones, done)
	}
	d.pending[rec.Key] = op
	d.queue.Add(rec.Key)
}

// ─── intent.Service ──────────────────────────────────────────────────────────

func (d *REST) Submit(rec intent.Record, done func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueue(opInstall, rec, done)
}

func (d *REST) Withdraw(key intent.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueue(opWithdraw, intent.Record{Key: key}, nil)
}

func (d *REST) Purge(key intent.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueue(opPurge, intent.Record{Key: key}, nil)
}

func (d *REST) Get(key intent.Key) (intent.Record, bool) {
	d.mu.Lock()
	if op, ok := d.pending[key]; ok && op.kind == opInstall {
		d.mu.Unlock()
		return op.record, true
	}
	d.mu.Unlock()

	doc, err := d.fetch(key)
	if err != nil {
		return intent.Record{}, false
	}
	return doc.Record, true
}

func (d *REST) State(key intent.Key) intent.State {
	d.mu.Lock()
	if op, ok := d.pending[key]; ok {
		d.mu.Unlock()
		switch op.kind {
		case opInstall:
			return intent.StateInstallReq
		case opWithdraw:
			return intent.StateWithdrawReq
		default:
			return intent.StateWithdrawn
		}
	}
	d.mu.Unlock()

	doc, err := d.fetch(key)
	if errors.Is(err, errNotFound) {
		return intent.StateAbsent
	}
	if err != nil {
		d.log.Warnw("intent state unavailable", "key", key, "error", err)
		return intent.StateUnknown
	}
	return doc.State
}

func (d *REST) Keys(app string) []intent.Key {
	path := "/api/v1/intents"
	if app != "" {
		path += "?app=" + url.QueryEscape(app)
	}
	var docs []intentDoc
	if err := d.do(context.Background(), http.MethodGet, path, nil, &docs); err != nil {
		d.log.Warnw("listing intents failed", "error", err)
	}

	seen := make(map[intent.Key]bool, len(docs))
	var out []intent.Key
	for _, doc := range docs {
		if !seen[doc.Record.Key] {
			seen[doc.Record.Key] = true
			out = append(out, doc.Record.Key)
		}
	}
	d.mu.Lock()
	for k, op := range d.pending {
		if op.kind == opInstall && !seen[k] && (app == "" || op.record.App == app) {
			out = append(out, k)
		}
	}
	d.mu.Unlock()
	return out
}

func (d *REST) fetch(key intent.Key) (intentDoc, error) {
	var doc intentDoc
	err := d.do(context.Background(), http.MethodGet, "/api/v1/intents/"+url.PathEscape(string(key)), nil, &doc)
	return doc, err
}

// ─── network.FlowRuleService ─────────────────────────────────────────────────

func (d *REST) Apply(ctx context.Context, rules ...network.FlowRule) error {
	if len(rules) == 0 {
		return nil
	}
	return d.do(ctx, http.MethodPost, "/api/v1/flows", flowsDoc{Rules: rules}, nil)
}

func (d *REST) Remove(ctx context.Context, rules ...network.FlowRule) error {
	if len(rules) == 0 {
		return nil
	}
	return d.do(ctx, http.MethodPost, "/api/v1/flows/remove", flowsDoc{Rules: rules}, nil)
}

func (d *REST) RemoveByApp(ctx context.Context, app string) error {
	return d.do(ctx, http.MethodDelete, "/api/v1/flows?app="+url.QueryEscape(app), nil, nil)
}

// ─── network.PacketService ───────────────────────────────────────────────────

func (d *REST) Emit(pkt network.OutboundPacket) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()
	return d.do(ctx, http.MethodPost, "/api/v1/packets", pkt, nil)
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

func (d *REST) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errNotFound
	case http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return fmt.Errorf("%s %s: %w", method, path, network.ErrNotSupported)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

var (
	_ intent.Service          = (*REST)(nil)
	_ network.FlowRuleService = (*REST)(nil)
	_ network.PacketService   = (*REST)(nil)
)
