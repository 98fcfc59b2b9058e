// Package chain implements the delegated-authorization core shared by every
// hop: validate the inbound bearer token, then either exchange it for the
// next hop's audience and forward, or resolve a role, broker a dynamic
// credential and access the data store. Each request walks the state machine
// Received → Validated → Delegated → RoleResolved → CredentialBrokered →
// AccessCompleted, with Failed(stage, reason) reachable from any state, and
// every transition is written to the audit sink.
//
// The chain is strictly sequential within one request; requests are fully
// independent of each other, so concurrency needs no coordination beyond the
// validator's key-set snapshot.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/redhat-et/delegated-secrets-demo/pkg/audit"
	"github.com/redhat-et/delegated-secrets-demo/pkg/logger"
	"github.com/redhat-et/delegated-secrets-demo/pkg/metrics"
	"github.com/redhat-et/delegated-secrets-demo/pkg/policy"
	"github.com/redhat-et/delegated-secrets-demo/pkg/products"
	"github.com/redhat-et/delegated-secrets-demo/pkg/telemetry"
	"github.com/redhat-et/delegated-secrets-demo/pkg/token"
	"github.com/redhat-et/delegated-secrets-demo/pkg/vault"
)

// ErrWriteDenied is returned when a mutating operation arrives with a role
// that only permits reads. The brokered credential would be rejected by the
// database anyway; failing here keeps the denial explicit and skips the
// broker call.
var ErrWriteDenied = errors.New("resolved role does not permit write operations")

// Validator authenticates an inbound bearer token.
type Validator interface {
	Validate(ctx context.Context, rawToken string) (*token.Identity, error)
}

// Exchanger obtains a downstream-audience token preserving the subject.
type Exchanger interface {
	Exchange(ctx context.Context, subject *token.Identity, downstreamAudience string, scopes []string) (*token.Identity, error)
}

// Broker mints a dynamic credential for the resolved role.
type Broker interface {
	Broker(ctx context.Context, id *token.Identity, role policy.Role) (*vault.Credential, error)
}

// Handler is one hop's instance of the delegation core. A forwarding hop has
// an exchanger and a downstream; a terminal hop has a resolver, broker and
// connector. Both expose the same Handle entry point.
type Handler struct {
	service   string
	validator Validator

	// forwarding hop
	exchanger          Exchanger
	downstream         Downstream
	downstreamAudience string
	scopes             []string

	// terminal hop
	resolver  policy.Resolver
	broker    Broker
	connector products.Connector

	sink audit.Sink
	log  *logger.Logger
	now  func() time.Time
}

// NewForwarding builds the hop that delegates to the next tier: agent-service
// exchanging the user's token for the product-service audience.
func NewForwarding(service string, v Validator, e Exchanger, d Downstream, downstreamAudience string, scopes []string, sink audit.Sink, log *logger.Logger) *Handler {
	return &Handler{
		service:            service,
		validator:          v,
		exchanger:          e,
		downstream:         d,
		downstreamAudience: downstreamAudience,
		scopes:             scopes,
		sink:               sink,
		log:                log,
		now:                time.Now,
	}
}

// NewTerminal builds the hop that ends the chain: product-service resolving
// the role, brokering a credential and touching the data store.
func NewTerminal(service string, v Validator, r policy.Resolver, b Broker, c products.Connector, sink audit.Sink, log *logger.Logger) *Handler {
	return &Handler{
		service:   service,
		validator: v,
		resolver:  r,
		broker:    b,
		connector: c,
		sink:      sink,
		log:       log,
		now:       time.Now,
	}
}

// Handle runs one request through this hop. The raw token is validated
// first; nothing downstream of a failed stage is ever invoked. The request's
// correlation id is taken from the context when an upstream hop minted one,
// otherwise generated here. The whole hop runs inside one span annotated
// with the subject, role and stage transitions as they become known.
func (h *Handler) Handle(ctx context.Context, rawToken string, op Operation) (*Result, error) {
	corrID, ok := audit.CorrelationFrom(ctx)
	if !ok {
		corrID = uuid.NewString()
		ctx = audit.WithCorrelationID(ctx, corrID)
	}

	attrs := []attribute.KeyValue{
		telemetry.AttrCorrelationID.String(corrID),
		telemetry.AttrOperation.String(string(op.Kind)),
	}
	if op.ProductID != "" {
		attrs = append(attrs, telemetry.AttrProductID.String(op.ProductID))
	}
	ctx, span := telemetry.StartSpan(ctx, h.service+".handle", attrs...)
	defer span.End()

	result, err := h.handle(ctx, corrID, rawToken, op)
	if err != nil {
		telemetry.SetSpanError(span, err)
		return nil, err
	}
	telemetry.SetSpanOK(span)
	return result, nil
}

func (h *Handler) handle(ctx context.Context, corrID, rawToken string, op Operation) (*Result, error) {
	h.record(ctx, corrID, audit.StageReceived, "", "", audit.OutcomeSuccess, "")

	id, err := h.validator.Validate(ctx, rawToken)
	if err != nil {
		h.fail(ctx, corrID, audit.StageValidated, "", "", err)
		return nil, err
	}
	telemetry.SetSpanAttributes(ctx,
		telemetry.AttrSubject.String(id.Subject),
		telemetry.AttrUsername.String(id.Username),
		telemetry.AttrJWTIssuer.String(id.Issuer),
		telemetry.AttrJWTGroups.StringSlice(id.Groups),
	)
	h.record(ctx, corrID, audit.StageValidated, id.Subject, "", audit.OutcomeSuccess, "")

	if h.downstream != nil {
		return h.forward(ctx, corrID, id, op)
	}
	return h.terminal(ctx, corrID, id, op)
}

// forward exchanges the validated token for the downstream audience and
// hands the operation to the next hop.
func (h *Handler) forward(ctx context.Context, corrID string, id *token.Identity, op Operation) (*Result, error) {
	start := h.now()
	delegated, err := h.exchanger.Exchange(ctx, id, h.downstreamAudience, h.scopes)
	metrics.ExchangeDuration.WithLabelValues(h.service).Observe(time.Since(start).Seconds())
	if err != nil {
		h.fail(ctx, corrID, audit.StageDelegated, id.Subject, "", err)
		return nil, err
	}
	telemetry.SetSpanAttributes(ctx, telemetry.AttrJWTAudience.StringSlice(delegated.Audience))
	h.record(ctx, corrID, audit.StageDelegated, id.Subject, "", audit.OutcomeSuccess, "")

	result, err := h.downstream.Do(ctx, delegated.Raw, op)
	if err != nil {
		h.fail(ctx, corrID, audit.StageAccessCompleted, id.Subject, "", err)
		return nil, err
	}
	h.record(ctx, corrID, audit.StageAccessCompleted, id.Subject, "", audit.OutcomeSuccess, "")
	return result, nil
}

// terminal resolves the role from the token's own group claims, brokers a
// dynamic credential and executes the operation over a scoped connection.
func (h *Handler) terminal(ctx context.Context, corrID string, id *token.Identity, op Operation) (*Result, error) {
	role, err := h.resolver.Resolve(id.Groups)
	if err != nil {
		h.fail(ctx, corrID, audit.StageRoleResolved, id.Subject, "", err)
		return nil, err
	}
	if op.Mutates() && !role.CanWrite() {
		err := fmt.Errorf("%w: role %s, operation %s", ErrWriteDenied, role, op.Kind)
		h.fail(ctx, corrID, audit.StageRoleResolved, id.Subject, role.String(), err)
		return nil, err
	}
	telemetry.SetSpanAttributes(ctx, telemetry.AttrRole.String(role.String()))
	h.record(ctx, corrID, audit.StageRoleResolved, id.Subject, role.String(), audit.OutcomeSuccess, "")

	cred, err := h.brokerCredential(ctx, corrID, id, role)
	if err != nil {
		return nil, err
	}

	result, err := h.execute(ctx, cred, op)
	switch {
	case errors.Is(err, products.ErrCredentialExpired):
		// One re-broker, never a blind retry with the dead credential.
		cred, err = h.brokerCredential(ctx, corrID, id, role)
		if err != nil {
			return nil, err
		}
		result, err = h.execute(ctx, cred, op)
	case products.IsConnectionRefused(err) && !cred.Expired(h.now()):
		result, err = h.execute(ctx, cred, op)
	}
	if err != nil {
		h.fail(ctx, corrID, audit.StageAccessCompleted, id.Subject, role.String(), err)
		return nil, err
	}
	h.record(ctx, corrID, audit.StageAccessCompleted, id.Subject, role.String(), audit.OutcomeSuccess, "")
	return result, nil
}

func (h *Handler) brokerCredential(ctx context.Context, corrID string, id *token.Identity, role policy.Role) (*vault.Credential, error) {
	start := h.now()
	cred, err := h.broker.Broker(ctx, id, role)
	metrics.BrokerDuration.WithLabelValues(h.service).Observe(time.Since(start).Seconds())
	if err != nil {
		h.fail(ctx, corrID, audit.StageCredentialBrokered, id.Subject, role.String(), err)
		return nil, err
	}
	metrics.CredentialTTL.Observe(cred.TTL.Seconds())
	telemetry.SetSpanAttributes(ctx, telemetry.AttrCredentialTTL.Float64(cred.TTL.Seconds()))
	h.record(ctx, corrID, audit.StageCredentialBrokered, id.Subject, role.String(), audit.OutcomeSuccess, "")
	return cred, nil
}

// execute runs the operation over one credential-scoped connection.
func (h *Handler) execute(ctx context.Context, cred *vault.Credential, op Operation) (*Result, error) {
	var result *Result
	err := h.connector.WithConnection(ctx, cred, func(ctx context.Context, s products.Store) error {
		r, err := runOperation(ctx, s, op)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func runOperation(ctx context.Context, s products.Store, op Operation) (*Result, error) {
	switch op.Kind {
	case OpList:
		list, err := s.List(ctx, op.Limit)
		if err != nil {
			return nil, err
		}
		return &Result{Products: list}, nil
	case OpGet:
		p, err := s.Get(ctx, op.ProductID)
		if err != nil {
			return nil, err
		}
		return &Result{Product: p}, nil
	case OpSearch:
		list, err := s.SearchByName(ctx, op.Name, op.ExactMatch)
		if err != nil {
			return nil, err
		}
		return &Result{Products: list}, nil
	case OpCreate:
		if op.Product == nil {
			return nil, fmt.Errorf("create operation requires a product")
		}
		p, err := s.Create(ctx, *op.Product)
		if err != nil {
			return nil, err
		}
		return &Result{Product: p}, nil
	case OpUpdate:
		if op.Product == nil {
			return nil, fmt.Errorf("update operation requires a product")
		}
		p, err := s.Update(ctx, op.ProductID, *op.Product)
		if err != nil {
			return nil, err
		}
		return &Result{Product: p}, nil
	case OpDelete:
		if err := s.Delete(ctx, op.ProductID); err != nil {
			return nil, err
		}
		return &Result{Deleted: true}, nil
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (h *Handler) record(ctx context.Context, corrID string, stage audit.Stage, subject, role string, outcome audit.Outcome, reason string) {
	eventAttrs := []attribute.KeyValue{
		telemetry.AttrStage.String(string(stage)),
		telemetry.AttrDecision.String(string(outcome)),
	}
	if reason != "" {
		eventAttrs = append(eventAttrs, telemetry.AttrReason.String(reason))
	}
	telemetry.AddSpanEvent(ctx, string(stage), eventAttrs...)

	if h.sink != nil {
		h.sink.Record(ctx, audit.Record{
			CorrelationID: corrID,
			Stage:         stage,
			Subject:       subject,
			Role:          role,
			Outcome:       outcome,
			Reason:        reason,
			Timestamp:     h.now(),
		})
	}
	metrics.StageOutcomes.WithLabelValues(h.service, string(stage), string(outcome)).Inc()
}

func (h *Handler) fail(ctx context.Context, corrID string, stage audit.Stage, subject, role string, err error) {
	h.record(ctx, corrID, stage, subject, role, audit.OutcomeFailure, err.Error())
	if h.log != nil {
		h.log.Deny("request failed", "correlation_id", corrID, "stage", string(stage), "error", err)
	}
}
