package endpoint

import "strconv"

// Backend address. Edit these before deploying against another machine.
const (
	defaultProtocol = "http"
	defaultHost     = "192.168.193.141"
	defaultPort     = 5000
)

// APIBase is the base URL of the default backend, derived once at load.
var APIBase = Default().BaseURL()

// ServerConfig describes where the backend listens. None of the fields are
// validated; a malformed value yields a well-formed but unusable URL.
type ServerConfig struct {
	Protocol string
	Host     string
	Port     int
}

// Default returns the literal backend configuration.
func Default() ServerConfig {
	return ServerConfig{
		Protocol: defaultProtocol,
		Host:     defaultHost,
		Port:     defaultPort,
	}
}

// BaseURL returns the scheme, host, port and trailing slash prefix.
func (c ServerConfig) BaseURL() string {
	return FormatBaseURL(c.Protocol, c.Host, strconv.Itoa(c.Port))
}

// Resolve appends a relative endpoint path to the base URL.
func (c ServerConfig) Resolve(path string) string {
	return c.BaseURL() + path
}

// FormatBaseURL composes <protocol>://<host>:<port>/.
func FormatBaseURL(protocol, host, port string) string {
	return protocol + "://" + host + ":" + port + "/"
}
