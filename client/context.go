package client

import (
	"context"
	"net/http"
)

// AppID is the application id of the emulation environment.
const AppID = "testbed-test"

// Request headers read by Context.
const (
	HeaderRequestID        = "X-Appengine-Internal-Request-Id"
	HeaderCurrentNamespace = "X-AppEngine-Current-Namespace"
	HeaderDefaultNamespace = "X-AppEngine-Default-Namespace"
)

// Context binds API calls to an incoming HTTP request, the way handler
// code under test sees the platform.
type Context struct {
	req *http.Request
	t   *Testbed
}

// NewContext returns a Context for req.
func (t *Testbed) NewContext(req *http.Request) *Context {
	return &Context{req: req, t: t}
}

// Request returns the HTTP request.
func (c *Context) Request() *http.Request { return c.req }

// AppID returns the application id.
func (c *Context) AppID() string { return AppID }

// Namespace returns the namespace selected for the request.
func (c *Context) Namespace() string {
	return c.req.Header.Get(HeaderCurrentNamespace)
}

// DefaultNamespace returns the default namespace of the request.
func (c *Context) DefaultNamespace() string {
	return c.req.Header.Get(HeaderDefaultNamespace)
}

// Call is Testbed.Call with the request id taken from the request headers.
func (c *Context) Call(ctx context.Context, service, method string, in, out any) error {
	return c.t.call(ctx, service, method, c.req.Header.Get(HeaderRequestID), in, out)
}
