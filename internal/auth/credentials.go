package auth

// Method is a login mechanism of the identity provider.
type Method string

const (
	MethodPassword  Method = "password"
	MethodAPIKey    Method = "api-key"
	MethodJWT       Method = "jwt"
	MethodAnonymous Method = "anonymous"
)

// Credentials holds every configured way to log in. Several may be set;
// Select picks one.
type Credentials struct {
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"-"`
	APIKey   string `yaml:"api_key" json:"-"`
	JWT      string `yaml:"jwt" json:"-"`
}

// Credential is the single credential presented to the provider.
type Credential struct {
	Method   Method
	Username string
	Secret   string
}

// Select returns the credential to use. Precedence is fixed: password,
// then API key, then JWT, then anonymous; the first non-empty wins.
func (c Credentials) Select() Credential {
	switch {
	case c.Username != "":
		return Credential{Method: MethodPassword, Username: c.Username, Secret: c.Password}
	case c.APIKey != "":
		return Credential{Method: MethodAPIKey, Secret: c.APIKey}
	case c.JWT != "":
		return Credential{Method: MethodJWT, Secret: c.JWT}
	default:
		return Credential{Method: MethodAnonymous}
	}
}
