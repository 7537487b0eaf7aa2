package registry

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"github.com/xela07ax/multiregion-dashboard/internal/infra"
)

// Registry — неизменяемый каталог регионов. Заполняется один раз при старте,
// после этого только чтение, поэтому блокировки не нужны.
type Registry struct {
	order   []string
	regions map[string]domain.Region
}

func New(regions []domain.Region) (*Registry, error) {
	r := &Registry{
		order:   make([]string, 0, len(regions)),
		regions: make(map[string]domain.Region, len(regions)),
	}

	for _, reg := range regions {
		if err := validateRegion(reg); err != nil {
			return nil, fmt.Errorf("registry: region %q: %w", reg.Code, err)
		}
		if _, dup := r.regions[reg.Code]; dup {
			return nil, fmt.Errorf("registry: duplicate region code %q", reg.Code)
		}
		r.order = append(r.order, reg.Code)
		r.regions[reg.Code] = reg
	}
	return r, nil
}

// FromConfig строит реестр из секции regions конфига.
func FromConfig(cfgs []infra.RegionConfig) (*Registry, error) {
	regions := make([]domain.Region, 0, len(cfgs))
	for _, c := range cfgs {
		code := strings.ToLower(strings.TrimSpace(c.Code))
		name := c.Name
		if name == "" {
			name = code
		}
		regions = append(regions, domain.Region{
			Code:        code,
			Name:        name,
			Role:        domain.RegionRole(strings.ToUpper(c.Role)),
			Host:        c.Host,
			Port:        c.Port,
			Database:    c.Database,
			User:        c.User,
			PasswordEnv: c.PasswordEnv,
			DSNEnv:      c.DSNEnv,
			SSLMode:     c.SSLMode,
			Enabled:     c.Enabled,
		})
	}
	return New(regions)
}

func validateRegion(r domain.Region) error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Code, validation.Required, validation.Length(1, 64),
			validation.By(func(value interface{}) error {
				code, _ := value.(string)
				if code != strings.ToLower(code) || strings.ContainsAny(code, " :/") {
					return validation.NewError("validation_region_code", "must be lowercase without spaces, ':' or '/'")
				}
				return nil
			})),
		validation.Field(&r.Port, validation.Min(0), validation.Max(65535)),
	)
}

// List возвращает регионы в порядке объявления. Отдает копию среза.
func (r *Registry) List() []domain.Region {
	out := make([]domain.Region, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.regions[code])
	}
	return out
}

// Get возвращает регион или ошибку UnknownRegion.
func (r *Registry) Get(code string) (domain.Region, error) {
	reg, ok := r.regions[code]
	if !ok {
		return domain.Region{}, domain.ErrUnknownRegion(code)
	}
	return reg, nil
}

func (r *Registry) Codes() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int { return len(r.order) }
