package domain

const (
	FlagHealthMonitoring = "enable-health-monitoring"
	FlagLoadTesting      = "enable-load-testing"
)

// DefaultRefreshSeconds — период автообновления дашборда, если конфиг его не задал.
const DefaultRefreshSeconds = 30

func RegionFlagKey(code string) string {
	return "region-" + code + "-enabled"
}

// FlagDecision — результат вычисления одного флага в рамках одной операции.
type FlagDecision struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

// FlagPanel — снимок всех известных флагов для панели.
type FlagPanel struct {
	Mode  string          `json:"mode"` // "demo" или "live"
	Flags map[string]bool `json:"flags"`

	// Период автообновления страницы дашборда. Не флаг: в Gate не хранится
	RefreshSeconds int `json:"refresh_seconds"`
}
