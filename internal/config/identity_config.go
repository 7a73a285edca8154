package config

type IdentityConfig interface {
	GetIssuer() string
	GetClientID() string
	GetClientSecret() string
	GetRoleClaim() string
	GetResetURL() string
	GetScopes() []string
}

// IdentitySettings configures the OpenID Connect provider adapter. An empty
// issuer means the caller supplies its own identity provider.
type IdentitySettings struct {
	Issuer       string   `mapstructure:"issuer" validate:"omitempty,url"`
	ClientID     string   `mapstructure:"client_id" validate:"required_with=Issuer"`
	ClientSecret string   `mapstructure:"client_secret"`
	RoleClaim    string   `mapstructure:"role_claim" validate:"required"`
	ResetURL     string   `mapstructure:"reset_url" validate:"omitempty,url"`
	Scopes       []string `mapstructure:"scopes"`
}

func (s Settings) GetIssuer() string {
	return s.Identity.Issuer
}

func (s Settings) GetClientID() string {
	return s.Identity.ClientID
}

func (s Settings) GetClientSecret() string {
	return s.Identity.ClientSecret
}

func (s Settings) GetRoleClaim() string {
	return s.Identity.RoleClaim
}

func (s Settings) GetResetURL() string {
	return s.Identity.ResetURL
}

func (s Settings) GetScopes() []string {
	return s.Identity.Scopes
}
