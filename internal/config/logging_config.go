package config

type LoggingConfig interface {
	GetLogLevel() string
	GetLogFormat() string
}

type LoggingSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

func (s Settings) GetLogLevel() string {
	return s.Logging.Level
}

func (s Settings) GetLogFormat() string {
	return s.Logging.Format
}
