package limit

import (
	"context"
	"errors"

	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/services/plan"
	"smallbiznis-billing/services/subscription"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
)

var ErrUnknownFeature = errors.New("unknown feature")

// UsageCounter reports what an establishment currently consumes.
type UsageCounter interface {
	Usage(ctx context.Context, establishmentID string, kind plan.LimitKind) (int64, error)
}

// Service answers feature and quota questions from the plan catalog. It never
// mutates a subscription.
type Service struct {
	clock   clockwork.Clock
	machine *subscription.StateMachine
	usage   UsageCounter
}

type Params struct {
	fx.In
	Machine *subscription.StateMachine
	Usage   UsageCounter
	Clock   clockwork.Clock `optional:"true"`
}

func NewService(p Params) *Service {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{clock: clock, machine: p.Machine, usage: p.Usage}
}

// Decision is the outcome of a quota check.
type Decision struct {
	Kind    plan.LimitKind `json:"kind"`
	Cap     *int           `json:"cap"`
	Current int64          `json:"current"`
	Reached bool           `json:"reached"`
}

// CanAccess is false for an inactive subscription. Otherwise the feature is
// looked up in the catalog entry of the subscription's plan; the stored
// limitations snapshot is not trusted.
func (s *Service) CanAccess(sub *subscription.Subscription, feature plan.Feature) bool {
	if sub == nil || !sub.IsActive(s.clock.Now()) {
		return false
	}
	p, err := plan.Resolve(string(sub.PlanSlug))
	if err != nil {
		return false
	}
	return p.Limitations.Allows(feature)
}

// CanAccessFeature checks a feature against the establishment's current
// subscription.
func (s *Service) CanAccessFeature(ctx context.Context, establishmentID string, feature plan.Feature) (bool, error) {
	if !knownFeature(feature) {
		return false, errutil.ValidationFailed("unknown feature", ErrUnknownFeature,
			errutil.WithDetails(errutil.Detail{Field: "feature", Message: string(feature)}))
	}
	sub, err := s.machine.Current(ctx, establishmentID)
	if err != nil {
		return false, err
	}
	return s.CanAccess(sub, feature), nil
}

// HasReachedLimit reports whether the establishment may not add one more unit
// of kind. Being exactly at the cap counts as reached; a nil cap never is.
func (s *Service) HasReachedLimit(ctx context.Context, establishmentID string, kind plan.LimitKind) (bool, error) {
	d, err := s.Check(ctx, establishmentID, kind)
	if err != nil {
		return false, err
	}
	return d.Reached, nil
}

func (s *Service) Check(ctx context.Context, establishmentID string, kind plan.LimitKind) (*Decision, error) {
	if _, err := (plan.Limitations{}).Cap(kind); err != nil {
		return nil, errutil.ValidationFailed("unknown limit kind", err,
			errutil.WithDetails(errutil.Detail{Field: "kind", Message: string(kind)}))
	}

	sub, err := s.machine.Current(ctx, establishmentID)
	if err != nil {
		return nil, err
	}
	// without a current subscription nothing may be added
	if sub == nil {
		return &Decision{Kind: kind, Cap: new(int), Reached: true}, nil
	}

	p, err := plan.Resolve(string(sub.PlanSlug))
	if err != nil {
		return nil, errutil.Internal("subscription references an unknown plan", err)
	}
	limit, _ := p.Limitations.Cap(kind)

	current, err := s.usage.Usage(ctx, establishmentID, kind)
	if err != nil {
		return nil, errutil.Internal("failed to count usage", err)
	}

	return &Decision{
		Kind:    kind,
		Cap:     limit,
		Current: current,
		Reached: limit != nil && current >= int64(*limit),
	}, nil
}

func knownFeature(f plan.Feature) bool {
	switch f {
	case plan.Reports, plan.AdvancedReports, plan.Customization, plan.ExportData, plan.MultiStore, plan.PrioritySupport:
		return true
	}
	return false
}
