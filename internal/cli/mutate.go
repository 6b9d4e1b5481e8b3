package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/wolfpack/internal/cart"
	"github.com/roach88/wolfpack/internal/config"
	"github.com/roach88/wolfpack/internal/engine"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/store"
)

// mutateOps maps each op to the kind of entity it targets.
var mutateOps = map[string]entity.Kind{
	"like":       entity.KindPost,
	"unlike":     entity.KindPost,
	"comment":    entity.KindPost,
	"order":      entity.KindOrder,
	"cancel":     entity.KindOrder,
	"set-status": entity.KindOrder,
	"join":       entity.KindMembership,
	"leave":      entity.KindMembership,
}

// MutateOptions holds flags for the mutate command.
type MutateOptions struct {
	*RootOptions
	ClientOptions
	Body     string
	User     string
	Location string
	Reason   string
	Items    []string
	Fee      int64
	Wait     time.Duration

	cart cart.State
}

// MutationOutput is the result of a mutate command.
type MutationOutput struct {
	Op         string         `json:"op"`
	MutationID string         `json:"mutation_id"`
	Attempts   int            `json:"attempts"`
	Entity     *entity.Entity `json:"entity,omitempty"`
}

func (m MutationOutput) String() string {
	if m.Entity == nil {
		return fmt.Sprintf("%s applied (mutation %s, %d attempts)", m.Op, m.MutationID, m.Attempts)
	}
	return fmt.Sprintf("%s applied to %s at version %d (mutation %s, %d attempts)",
		m.Op, m.Entity.Key(), m.Entity.Version, m.MutationID, m.Attempts)
}

// NewMutateCommand creates the mutate command.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mutate <server-url> <op> [id] [status]",
		Short: "Submit one mutation through the client engine",
		Long: `Submit a mutation the way an app would: applied optimistically, sent
with retries and confirmed by the server.

Ops:
  order                               (needs --user, --location and --item)
  like, unlike, comment <post-id>     (comment needs --body)
  cancel <order-id>                   (--reason optional)
  set-status <order-id> <status>
  join <membership-id>                (needs --user and --location)
  leave <membership-id>

Exit codes:
  0 - The server applied the mutation
  1 - The server refused it or every attempt failed
  2 - Bad arguments or configuration`,
		Args: cobra.RangeArgs(2, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.check(args); err != nil {
				return err
			}
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			return runMutate(cmd.Context(), cmd, opts, cfg, args)
		},
	}

	opts.ClientOptions.register(cmd)
	cmd.Flags().StringVar(&opts.Body, "body", "", "comment body")
	cmd.Flags().StringVar(&opts.User, "user", "", "user id (comment author, joining member, ordering customer)")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location id for join and order")
	cmd.Flags().StringArrayVar(&opts.Items, "item", nil, "order line as item-id:qty:unit-price-cents (repeatable)")
	cmd.Flags().Int64Var(&opts.Fee, "delivery-fee", 0, "order delivery fee in cents")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "cancellation reason")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 5*time.Second, "how long to wait for the entity to load before submitting")

	return cmd
}

// check validates the arguments before anything is dialed.
func (o *MutateOptions) check(args []string) error {
	op := args[1]
	if _, ok := mutateOps[op]; !ok {
		ops := make([]string, 0, len(mutateOps))
		for k := range mutateOps {
			ops = append(ops, k)
		}
		slices.Sort(ops)
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown op %q: must be one of %v", op, ops))
	}
	if op == "order" {
		if len(args) != 2 {
			return NewExitError(ExitCommandError, "order takes no id: the order id is generated")
		}
		return o.buildCart()
	}
	if len(args) < 3 {
		return NewExitError(ExitCommandError, op+" requires an id argument")
	}
	if (op == "set-status") != (len(args) == 4) {
		return NewExitError(ExitCommandError, "a status argument is required by set-status and accepted by nothing else")
	}
	switch {
	case op == "comment" && o.Body == "":
		return NewExitError(ExitCommandError, "comment requires --body")
	case op == "join" && (o.User == "" || o.Location == ""):
		return NewExitError(ExitCommandError, "join requires --user and --location")
	}
	return nil
}

// buildCart runs the --item and --delivery-fee flags through the cart.
func (o *MutateOptions) buildCart() error {
	if o.User == "" || o.Location == "" {
		return NewExitError(ExitCommandError, "order requires --user and --location")
	}
	if len(o.Items) == 0 {
		return NewExitError(ExitCommandError, "order requires at least one --item")
	}
	c := cart.State{}
	for _, raw := range o.Items {
		item, err := parseItem(raw)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --item "+strconv.Quote(raw), err)
		}
		if c, err = cart.Reduce(c, cart.AddItem{Item: item}); err != nil {
			return WrapExitError(ExitCommandError, "invalid --item "+strconv.Quote(raw), err)
		}
	}
	var err error
	if c, err = cart.Reduce(c, cart.SetDeliveryFee{Fee: o.Fee}); err != nil {
		return WrapExitError(ExitCommandError, "invalid --delivery-fee", err)
	}
	o.cart = c
	return nil
}

// parseItem parses item-id:qty:unit-price.
func parseItem(raw string) (cart.Item, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 || parts[0] == "" {
		return cart.Item{}, errors.New("want item-id:qty:unit-price")
	}
	qty, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return cart.Item{}, fmt.Errorf("quantity: %w", err)
	}
	price, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return cart.Item{}, fmt.Errorf("unit price: %w", err)
	}
	return cart.Item{ItemID: parts[0], Qty: qty, UnitPrice: price}, nil
}

func runMutate(ctx context.Context, cmd *cobra.Command, opts *MutateOptions, cfg *config.Config, args []string) error {
	serverURL, op := args[0], args[1]
	logger := opts.Logger(cmd.ErrOrStderr(), cfg)
	out := opts.Output(cmd)

	c, err := startClient(ctx, serverURL, opts.ClientOptions, cfg, logger)
	if err != nil {
		return err
	}
	defer c.stop()
	eng := c.engine

	var res engine.Result
	if op == "order" {
		res, err = eng.SubmitOrder(ctx, opts.User, opts.Location, opts.cart)
	} else {
		res, err = submitToEntity(ctx, eng, out, opts, op, args)
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	if err != nil {
		return mutateError(out, op, res.MutationID, err)
	}

	result := MutationOutput{Op: op, MutationID: res.MutationID, Attempts: res.Attempts, Entity: &res.Entity}
	if res.Entity.ID == "" {
		result.Entity = nil
	}
	return out.Success(result)
}

// submitToEntity loads the target entity, so the optimistic change has a
// base to apply to, and submits op against it.
func submitToEntity(ctx context.Context, eng *engine.Engine, out *OutputFormatter, opts *MutateOptions, op string, args []string) (engine.Result, error) {
	id := args[2]
	kind := mutateOps[op]
	unwatch, err := eng.Watch(ctx, kind, entity.Filter{"id": id})
	if err != nil {
		return engine.Result{}, WrapExitError(ExitCommandError, "watch "+entity.Key{Kind: kind, ID: id}.String(), err)
	}
	defer unwatch()
	if !awaitEntity(ctx, eng, kind, id, opts.Wait) && op != "join" {
		out.VerboseLog("%s/%s not loaded after %s; submitting anyway", kind, id, opts.Wait)
	}

	switch op {
	case "like":
		return eng.Like(ctx, id)
	case "unlike":
		return eng.Unlike(ctx, id)
	case "comment":
		return eng.Comment(ctx, id, opts.User, opts.Body)
	case "cancel":
		return eng.CancelOrder(ctx, id, opts.Reason)
	case "set-status":
		status, err := entity.NormalizeOrderStatus(entity.Status(args[3]))
		if err != nil {
			return engine.Result{}, WrapExitError(ExitCommandError, "invalid status", err)
		}
		return eng.SetOrderStatus(ctx, id, status)
	case "join":
		return eng.Join(ctx, id, opts.User, opts.Location)
	default:
		return eng.Leave(ctx, id)
	}
}

// awaitEntity waits until the entity is displayed or d elapses.
func awaitEntity(ctx context.Context, eng *engine.Engine, kind entity.Kind, id string, d time.Duration) bool {
	loaded := make(chan struct{}, 1)
	defer eng.Subscribe(func(ch store.Change) {
		if ch.Kind == kind && ch.ID == id && ch.After != nil {
			select {
			case loaded <- struct{}{}:
			default:
			}
		}
	})()
	if _, ok := eng.Get(kind, id); ok {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-loaded:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// mutateError reports a failed submission. Refusals are exit 1; a
// submission that never ran is a command error.
func mutateError(out *OutputFormatter, op, mutationID string, err error) error {
	code := ExitCommandError
	errCode := CodeTransport
	switch {
	case engine.IsRejected(err), engine.IsExhausted(err), engine.IsInFlight(err):
		code = ExitFailure
		errCode = CodeRejected
	case engine.IsCancelled(err), engine.IsStopped(err):
		code = ExitFailure
	}
	if oerr := out.Error(errCode, err.Error(), map[string]string{"op": op, "mutation_id": mutationID}); oerr != nil {
		return oerr
	}
	return WrapExitError(code, op+" failed", err)
}
