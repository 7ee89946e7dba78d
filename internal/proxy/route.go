package proxy

import (
	"errors"
	"net/url"
	"strings"

	"github.com/mattjoyce/bbq/internal/flavor"
)

// ErrMalformedRoute marks a request path with too few segments to name a route.
var ErrMalformedRoute = errors.New("malformed route")

// Resolver maps a route to a flavor. *menu.Menu satisfies it.
type Resolver interface {
	Resolve(path, method string) (flavor.Descriptor, bool)
}

// Target is a resolved request: the flavor to launch and the path the
// flavor will see.
type Target struct {
	Flavor        flavor.Descriptor
	Route         string
	RewrittenPath string

	// prefix is the request path prefix that matched, as it appeared.
	prefix string
}

// EscapedRest strips the matched prefix from escaped, the request path in
// its original encoding, so "/ping/a%2Fb" yields "/a%2Fb". It returns ""
// when the escaped prefix does not decode to the matched one.
func (t Target) EscapedRest(escaped string) string {
	n := strings.Count(t.prefix, "/")
	parts := strings.SplitN(escaped, "/", n+2)
	if n == 0 || len(parts) < n+1 {
		return ""
	}
	head := strings.Join(parts[:n+1], "/")
	if decoded, err := url.PathUnescape(head); err != nil || decoded != t.prefix {
		return ""
	}
	rest := escaped[len(head):]
	if rest == "" {
		rest = "/"
	}
	return rest
}

// resolve matches the longest segment prefix of path that the resolver
// knows and strips it. A path needs at least a route segment and a
// remainder segment ("/ping/" is enough, "/ping" is not).
func resolve(r Resolver, path, method string) (Target, bool, error) {
	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return Target{}, false, ErrMalformedRoute
	}

	for i := len(parts) - 1; i >= 1; i-- {
		prefix := strings.Join(parts[:i+1], "/")
		if strings.Trim(prefix, "/") == "" {
			continue
		}
		d, ok := r.Resolve(prefix, method)
		if !ok {
			continue
		}
		rest := path[len(prefix):]
		if rest == "" {
			rest = "/"
		}
		return Target{Flavor: d, Route: flavor.NormalizePath(prefix), RewrittenPath: rest, prefix: prefix}, true, nil
	}
	return Target{}, false, nil
}
