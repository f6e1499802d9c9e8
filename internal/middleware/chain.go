package middleware

import (
	"net/http"
)

// Action is what the pipeline does once the chain returns.
type Action int

const (
	// Continue forwards the request to the wrapped handler.
	Continue Action = iota
	Redirect
	Respond
)

// Response is threaded through every step of a chain. Steps add cookies and
// headers to it, or switch it to a terminal action to short-circuit.
type Response struct {
	action   Action
	status   int
	location string
	body     []byte
	header   http.Header
	cookies  []*http.Cookie
	request  *http.Request
}

func newResponse(r *http.Request) *Response {
	return &Response{header: http.Header{}, request: r}
}

func (res *Response) Action() Action { return res.action }

func (res *Response) Status() int { return res.status }

func (res *Response) Location() string { return res.location }

func (res *Response) Body() []byte { return res.body }

func (res *Response) Header() http.Header { return res.header }

func (res *Response) Cookies() []*http.Cookie { return res.cookies }

// Request is the request as last rewritten by a step.
func (res *Response) Request() *http.Request { return res.request }

func (res *Response) SetCookie(cookies ...*http.Cookie) {
	res.cookies = append(res.cookies, cookies...)
}

func (res *Response) Redirect(location string, status int) *Response {
	if status == 0 {
		status = http.StatusSeeOther
	}
	res.action = Redirect
	res.location = location
	res.status = status
	return res
}

func (res *Response) Respond(status int, contentType string, body []byte) *Response {
	res.action = Respond
	res.status = status
	res.body = body
	if contentType != "" {
		res.header.Set("Content-Type", contentType)
	}
	return res
}

// Next invokes the rest of the chain.
type Next func(r *http.Request, res *Response) *Response

// Step is one unit of request processing. A step either returns a response
// itself to stop the chain or calls next to continue it.
type Step func(r *http.Request, res *Response, next Next) *Response

// Compose builds a single Next that runs steps in order. The end of the chain
// records the request and returns the carried response untouched.
func Compose(steps ...Step) Next {
	next := Next(func(r *http.Request, res *Response) *Response {
		res.request = r
		return res
	})

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		rest := next
		next = func(r *http.Request, res *Response) *Response {
			res.request = r
			return step(r, res, rest)
		}
	}

	return next
}

type Pipeline struct {
	run Next
}

func NewPipeline(steps ...Step) *Pipeline {
	return &Pipeline{run: Compose(steps...)}
}

// Handler adapts the pipeline to net/http middleware.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := p.run(r, newResponse(r))

		for key, values := range res.header {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		for _, c := range res.cookies {
			http.SetCookie(w, c)
		}

		switch res.action {
		case Redirect:
			http.Redirect(w, res.request, res.location, res.status)
		case Respond:
			w.WriteHeader(res.status)
			if len(res.body) > 0 {
				_, _ = w.Write(res.body)
			}
		default:
			req := res.request
			if req == nil {
				req = r
			}
			next.ServeHTTP(w, req)
		}
	})
}
