package imagegate

import "fmt"

// Quality levels accepted in RequestConfig.
const (
	QualityStandard = "standard"
	QualityHigh     = "high"
)

// RequestConfig holds the caller-selected options that drive cost.
type RequestConfig struct {
	Scale             int    `json:"scale"`
	Quality           string `json:"quality"`
	FaceEnhance       bool   `json:"faceEnhance"`
	BackgroundRemoval bool   `json:"backgroundRemoval"`
}

// scaleCost is the base price in credits per upscale factor.
var scaleCost = map[int]int64{
	1: 1,
	2: 1,
	4: 2,
	8: 4,
}

// Normalize fills defaults: scale 2 and standard quality.
func (c RequestConfig) Normalize() RequestConfig {
	if c.Scale == 0 {
		c.Scale = 2
	}
	if c.Quality == "" {
		c.Quality = QualityStandard
	}
	return c
}

// Validate checks scale and quality.
func (c RequestConfig) Validate() error {
	if _, ok := scaleCost[c.Scale]; !ok {
		return &ValidationError{Field: "scale", Message: fmt.Sprintf("unsupported scale %d", c.Scale)}
	}
	switch c.Quality {
	case QualityStandard, QualityHigh:
	default:
		return &ValidationError{Field: "quality", Message: fmt.Sprintf("unsupported quality %q", c.Quality)}
	}
	return nil
}

// CalculateCost returns the credit cost of a request. It is a pure function
// of the config so affordability can be decided before any charge.
func CalculateCost(cfg RequestConfig) (int64, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	cost := scaleCost[cfg.Scale]
	if cfg.Quality == QualityHigh {
		cost++
	}
	if cfg.FaceEnhance {
		cost++
	}
	if cfg.BackgroundRemoval {
		cost++
	}
	return cost, nil
}
