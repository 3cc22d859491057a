package plan

import (
	"errors"
	"sort"
	"strings"
)

type Slug string

const (
	Basic      Slug = "basic"
	Standard   Slug = "standard"
	Premium    Slug = "premium"
	Enterprise Slug = "enterprise"
)

func (s Slug) String() string {
	switch s {
	case Basic, Standard, Premium, Enterprise:
		return string(s)
	default:
		return ""
	}
}

type Feature string

const (
	Reports         Feature = "reports"
	AdvancedReports Feature = "advanced_reports"
	Customization   Feature = "customization"
	ExportData      Feature = "export_data"
	MultiStore      Feature = "multi_store"
	PrioritySupport Feature = "priority_support"
)

type LimitKind string

const (
	Users        LimitKind = "users"
	Servers      LimitKind = "servers"
	Products     LimitKind = "products"
	MonthlySales LimitKind = "monthly_sales"
)

var (
	ErrUnknownPlan      = errors.New("plan: unknown plan")
	ErrUnknownLimitKind = errors.New("plan: unknown limit kind")
)

// Limitations is the cap and feature set of a plan. A nil cap is unlimited.
type Limitations struct {
	MaxUsers        *int             `json:"max_users"`
	MaxServers      *int             `json:"max_servers"`
	MaxProducts     *int             `json:"max_products"`
	MaxMonthlySales *int             `json:"max_monthly_sales"`
	Features        map[Feature]bool `json:"features"`
}

func (l Limitations) Cap(kind LimitKind) (*int, error) {
	switch kind {
	case Users:
		return l.MaxUsers, nil
	case Servers:
		return l.MaxServers, nil
	case Products:
		return l.MaxProducts, nil
	case MonthlySales:
		return l.MaxMonthlySales, nil
	default:
		return nil, ErrUnknownLimitKind
	}
}

func (l Limitations) Allows(f Feature) bool {
	return l.Features[f]
}

type Plan struct {
	Slug          Slug        `json:"slug"`
	Name          string      `json:"name"`
	MonthlyAmount int64       `json:"monthly_amount"`
	Limitations   Limitations `json:"limitations"`
}

func capOf(n int) *int { return &n }

var catalog = map[Slug]Plan{
	Basic: {
		Slug:          Basic,
		Name:          "Basic",
		MonthlyAmount: 1500,
		Limitations: Limitations{
			MaxUsers:        capOf(2),
			MaxServers:      capOf(3),
			MaxProducts:     capOf(100),
			MaxMonthlySales: capOf(500),
			Features:        map[Feature]bool{},
		},
	},
	Standard: {
		Slug:          Standard,
		Name:          "Standard",
		MonthlyAmount: 2500,
		Limitations: Limitations{
			MaxUsers:        capOf(5),
			MaxServers:      capOf(10),
			MaxProducts:     capOf(500),
			MaxMonthlySales: capOf(2000),
			Features: map[Feature]bool{
				Reports:    true,
				ExportData: true,
			},
		},
	},
	Premium: {
		Slug:          Premium,
		Name:          "Premium",
		MonthlyAmount: 5000,
		Limitations: Limitations{
			MaxUsers:    capOf(15),
			MaxServers:  capOf(30),
			MaxProducts: capOf(2000),
			Features: map[Feature]bool{
				Reports:         true,
				AdvancedReports: true,
				Customization:   true,
				ExportData:      true,
			},
		},
	},
	Enterprise: {
		Slug:          Enterprise,
		Name:          "Enterprise",
		MonthlyAmount: 10000,
		Limitations: Limitations{
			Features: map[Feature]bool{
				Reports:         true,
				AdvancedReports: true,
				Customization:   true,
				ExportData:      true,
				MultiStore:      true,
				PrioritySupport: true,
			},
		},
	},
}

// Resolve returns a copy of the catalog entry for slug.
func Resolve(slug string) (Plan, error) {
	p, ok := catalog[Slug(strings.ToLower(strings.TrimSpace(slug)))]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return clone(p), nil
}

// Catalog lists every plan ordered by price.
func Catalog() []Plan {
	out := make([]Plan, 0, len(catalog))
	for _, p := range catalog {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MonthlyAmount < out[j].MonthlyAmount })
	return out
}

func clone(p Plan) Plan {
	features := make(map[Feature]bool, len(p.Limitations.Features))
	for k, v := range p.Limitations.Features {
		features[k] = v
	}
	p.Limitations.Features = features
	return p
}
