package invocation

import (
	"net"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
)

// TransportHighway is the binary TCP transport.
const TransportHighway = "highway"

// Endpoint is one reachable address of a provider. It is an immutable value.
type Endpoint struct {
	Transport      string
	Address        string // host:port
	TLS            bool
	PublishAddress string // address advertised to others, if different
}

// ParseEndpoint reads "highway://host:port?sslEnabled=true".
func ParseEndpoint(uri string) (Endpoint, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "parse endpoint %q", uri)
	}
	if u.Scheme == "" || u.Host == "" {
		return Endpoint{}, errors.Errorf("endpoint %q needs transport://host:port", uri)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return Endpoint{}, errors.Wrapf(err, "endpoint %q", uri)
	}
	ep := Endpoint{Transport: u.Scheme, Address: u.Host}
	if v := u.Query().Get("sslEnabled"); v != "" {
		if ep.TLS, err = strconv.ParseBool(v); err != nil {
			return Endpoint{}, errors.Wrapf(err, "endpoint %q sslEnabled", uri)
		}
	}
	ep.PublishAddress = u.Query().Get("publishAddress")
	return ep, nil
}

// String renders the endpoint in the form ParseEndpoint reads.
func (e Endpoint) String() string {
	u := url.URL{Scheme: e.Transport, Host: e.Address}
	q := url.Values{}
	if e.TLS {
		q.Set("sslEnabled", "true")
	}
	if e.PublishAddress != "" {
		q.Set("publishAddress", e.PublishAddress)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
