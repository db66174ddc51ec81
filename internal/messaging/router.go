package messaging

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/BTreeMap/KlarePipe/internal/models"
	"github.com/BTreeMap/KlarePipe/internal/store"
	"github.com/BTreeMap/KlarePipe/internal/validation"
)

// Router defaults.
const (
	DefaultWorkers      = 4
	DefaultFailureReply = "Sorry, I'm having trouble responding right now. Please try again in a moment."
)

// Orchestrator runs conversation turns.
type Orchestrator interface {
	SendMessage(ctx context.Context, input, userID, sessionID string) (string, error)
	InitiateCheckIn(ctx context.Context, userID, sessionID string) (string, error)
}

// UserDirectory resolves a channel address to a user.
type UserDirectory interface {
	EnsureChannelUser(ctx context.Context, address string) (*models.User, error)
}

// RouterOpts holds configuration for a Router.
type RouterOpts struct {
	Workers       int
	FailureReply  string
	MaxInputChars int
	Dedup         store.DedupRepo
}

// RouterOption defines a configuration option for a Router.
type RouterOption func(*RouterOpts)

// WithWorkers sets the number of turn workers.
func WithWorkers(n int) RouterOption {
	return func(o *RouterOpts) { o.Workers = n }
}

// WithFailureReply sets the text sent when a turn fails.
func WithFailureReply(text string) RouterOption {
	return func(o *RouterOpts) { o.FailureReply = text }
}

// WithMaxInputChars caps inbound message length after sanitization.
func WithMaxInputChars(n int) RouterOption {
	return func(o *RouterOpts) { o.MaxInputChars = n }
}

// WithDedup drops inbound messages whose channel id was already handled.
func WithDedup(d store.DedupRepo) RouterOption {
	return func(o *RouterOpts) { o.Dedup = d }
}

// Router turns inbound channel messages into orchestrator turns and sends the
// replies back. Messages from one sender always go to the same worker, so a
// user's turns are processed in arrival order.
type Router struct {
	svc          Service
	orch         Orchestrator
	users        UserDirectory
	sanitizer    *validation.Sanitizer
	dedup        store.DedupRepo
	workers      int
	failureReply string
}

// NewRouter creates a Router.
func NewRouter(svc Service, orch Orchestrator, users UserDirectory, opts ...RouterOption) *Router {
	cfg := RouterOpts{Workers: DefaultWorkers, FailureReply: DefaultFailureReply}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Router{
		svc:          svc,
		orch:         orch,
		users:        users,
		sanitizer:    validation.NewSanitizer(cfg.MaxInputChars),
		dedup:        cfg.Dedup,
		workers:      cfg.Workers,
		failureReply: cfg.FailureReply,
	}
}

// Run consumes the Service's channels until ctx is done or the channels close.
// Cancelling ctx stops intake only: messages already received are still
// answered before Run returns, so the Service must outlive Run.
func (r *Router) Run(ctx context.Context) {
	// Turns in flight finish even after ctx is cancelled.
	workCtx := context.WithoutCancel(ctx)
	queues := make([]chan models.Response, r.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan models.Response, DefaultChannelBufferSize)
		wg.Add(1)
		go func(q <-chan models.Response) {
			defer wg.Done()
			for resp := range q {
				r.HandleResponse(workCtx, resp)
			}
		}(queues[i])
	}

	receiptsDone := make(chan struct{})
	stopReceipts := make(chan struct{})
	go func() {
		defer close(receiptsDone)
		r.drainReceipts(stopReceipts)
	}()

	slog.Info("Router.Run: started", "workers", r.workers)
	responses := r.svc.Responses()
loop:
	for {
		select {
		case <-ctx.Done():
			r.drainBuffered(responses, queues)
			break loop
		case resp, ok := <-responses:
			if !ok {
				break loop
			}
			queues[shard(resp.From, r.workers)] <- resp
		}
	}

	for _, q := range queues {
		close(q)
	}
	wg.Wait()
	close(stopReceipts)
	<-receiptsDone
	slog.Info("Router.Run: stopped")
}

// drainBuffered queues the messages the Service had already delivered.
func (r *Router) drainBuffered(responses <-chan models.Response, queues []chan models.Response) {
	drained := 0
	defer func() {
		if drained > 0 {
			slog.Info("Router.Run: draining queued messages", "count", drained)
		}
	}()
	for {
		select {
		case resp, ok := <-responses:
			if !ok {
				return
			}
			queues[shard(resp.From, r.workers)] <- resp
			drained++
		default:
			return
		}
	}
}

func shard(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// drainReceipts consumes receipts until stop is closed, which happens once the
// last queued reply has been sent.
func (r *Router) drainReceipts(stop <-chan struct{}) {
	receipts := r.svc.Receipts()
	for {
		select {
		case <-stop:
			return
		case rc, ok := <-receipts:
			if !ok {
				return
			}
			slog.Debug("Router.drainReceipts: receipt", "to", rc.To, "status", rc.Status)
		}
	}
}

// HandleResponse runs one inbound message through the orchestrator and sends
// the reply. A failed turn is answered with the failure reply.
func (r *Router) HandleResponse(ctx context.Context, resp models.Response) {
	from, err := r.svc.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		slog.Warn("Router.HandleResponse: invalid sender", "error", err, "from", resp.From)
		return
	}

	input, err := r.sanitizer.Clean("input", resp.Body)
	if err != nil {
		slog.Debug("Router.HandleResponse: ignoring empty message", "from", from)
		return
	}

	user, err := r.users.EnsureChannelUser(ctx, from)
	if err != nil {
		slog.Error("Router.HandleResponse: user lookup failed", "error", err, "from", from)
		r.send(ctx, from, r.failureReply)
		return
	}

	recorded := false
	if r.dedup != nil && resp.ID != "" {
		fresh, err := r.dedup.RecordInbound(ctx, resp.ID, user.ID)
		switch {
		case err != nil:
			slog.Warn("Router.HandleResponse: dedup unavailable, processing anyway", "error", err, "message_id", resp.ID)
		case !fresh:
			slog.Info("Router.HandleResponse: duplicate message dropped", "message_id", resp.ID, "user_id", user.ID)
			return
		default:
			recorded = true
		}
	}

	reply, err := r.orch.SendMessage(ctx, input, user.ID, user.SessionID)
	if err != nil {
		var backendErr *models.BackendError
		if errors.As(err, &backendErr) {
			slog.Warn("Router.HandleResponse: backend unavailable", "error", err, "user_id", user.ID)
		} else {
			slog.Error("Router.HandleResponse: turn failed", "error", err, "user_id", user.ID)
		}
		reply = r.failureReply
	}
	r.send(ctx, from, reply)

	if recorded {
		if err := r.dedup.MarkProcessed(ctx, resp.ID); err != nil {
			slog.Warn("Router.HandleResponse: failed to mark message processed", "error", err, "message_id", resp.ID)
		}
	}
}

// CheckIn starts a check-in with recipient and delivers the greeting.
func (r *Router) CheckIn(ctx context.Context, recipient string) error {
	to, err := r.svc.ValidateAndCanonicalizeRecipient(recipient)
	if err != nil {
		return err
	}
	user, err := r.users.EnsureChannelUser(ctx, to)
	if err != nil {
		return err
	}
	greeting, err := r.orch.InitiateCheckIn(ctx, user.ID, user.SessionID)
	if err != nil {
		return err
	}
	if err := r.svc.SendMessage(ctx, to, greeting); err != nil {
		return err
	}
	slog.Info("Router.CheckIn: check-in delivered", "user_id", user.ID)
	return nil
}

func (r *Router) send(ctx context.Context, to, body string) {
	if err := r.svc.SendMessage(ctx, to, body); err != nil {
		slog.Error("Router.send: reply not delivered", "error", err, "to", to)
	}
}
