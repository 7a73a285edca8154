package config

type AvailabilityConfig interface {
	GetAdultAge() int
	GetEligibilityExpression() string
}

type AvailabilitySettings struct {
	AdultAge              int    `mapstructure:"adult_age" validate:"min=1,max=30"`
	EligibilityExpression string `mapstructure:"eligibility_expression" validate:"max=1024"`
}

func (s Settings) GetAdultAge() int {
	return s.Availability.AdultAge
}

func (s Settings) GetEligibilityExpression() string {
	return s.Availability.EligibilityExpression
}
