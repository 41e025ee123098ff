// Package dispatch routes test harness requests to endpoint handlers and
// writes their results, or their errors, as JSON envelopes.
package dispatch

import (
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strconv"

	"golang.org/x/exp/slices"

	"github.com/dreamware/testserver/internal/apierr"
	"github.com/dreamware/testserver/internal/reply"
	"github.com/dreamware/testserver/internal/services"
	"github.com/dreamware/testserver/internal/tree"
)

// Protocol headers.
const (
	HeaderVersion  = "CBLTest-API-Version"
	HeaderClientID = "CBLTest-Client-ID"
	HeaderServerID = "CBLTest-Server-ID"
)

// VersionUnset is the negotiated version when the request names none, or
// one the server does not know.
const VersionUnset = -1

// KnownVersions are the API versions the server implements.
var KnownVersions = []int{1}

// Info is what GET / reports about the server.
type Info struct {
	Device         map[string]any
	LibraryVersion string
	CBL            string
	AdditionalInfo string
}

func (i Info) result() map[string]any {
	device := i.Device
	if device == nil {
		device = map[string]any{}
	}
	return map[string]any{
		"version":        i.LibraryVersion,
		"apiVersion":     slices.Max(KnownVersions),
		"cbl":            i.CBL,
		"device":         device,
		"additionalInfo": i.AdditionalInfo,
	}
}

// Handler serves one POST endpoint.
type Handler func(tc *services.TestContext, req tree.Map) (map[string]any, error)

// Dispatcher is the server's http.Handler.
type Dispatcher struct {
	// post maps version, then endpoint path, to its handler.
	post     map[int]map[string]Handler
	info     Info
	serverID string
	// buildError renders error envelopes. Tests replace it to exercise the
	// plain text fallback.
	buildError func(*apierr.Error) (*reply.Reply, error)
}

// New returns a dispatcher that identifies itself as serverID and answers
// GET / with info.
func New(serverID string, info Info) *Dispatcher {
	return &Dispatcher{
		post:       make(map[int]map[string]Handler),
		info:       info,
		serverID:   serverID,
		buildError: reply.BuildError,
	}
}

// Handle registers h for POST requests to endpoint under version.
func (d *Dispatcher) Handle(version int, endpoint string, h Handler) {
	if d.post[version] == nil {
		d.post[version] = make(map[string]Handler)
	}
	d.post[version][endpoint] = h
}

// NegotiateVersion parses the version header. Missing, malformed or unknown
// versions are VersionUnset.
func NegotiateVersion(header string) int {
	v, err := strconv.Atoi(header)
	if err != nil || !slices.Contains(KnownVersions, v) {
		return VersionUnset
	}
	return v
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	version := NegotiateVersion(r.Header.Get(HeaderVersion))
	client := r.Header.Get(HeaderClientID)
	endpoint := r.URL.Path

	log.Printf("dispatch: request %s (%d): %s %s", client, version, r.Method, endpoint)

	rep, err := d.dispatch(r, &services.TestContext{ClientID: client}, version, endpoint)
	if err != nil {
		e := apierr.Classify(err)
		switch {
		case apierr.IsClient(e):
			log.Printf("dispatch: rejected %s %s: %v", r.Method, endpoint, e)
		case apierr.IsServer(e):
			log.Printf("dispatch: failed %s %s: %v", r.Method, endpoint, e)
		default:
			log.Printf("dispatch: %s error for %s %s: %v", e.Kind, r.Method, endpoint, e)
		}
		d.sendError(w, version, e)
		return
	}
	defer rep.Close()

	d.setHeaders(w, version, rep.Size())
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rep.Content()); err != nil {
		log.Printf("dispatch: failed writing reply for %s: %v", endpoint, err)
	}
}

func (d *Dispatcher) dispatch(r *http.Request, tc *services.TestContext, version int, endpoint string) (rep *reply.Reply, err error) {
	defer func() {
		if p := recover(); p != nil {
			rep, err = nil, apierr.ServerWrap(fmt.Errorf("panic: %v", p), "Internal server error")
		}
	}()

	if endpoint == "" {
		return nil, apierr.Clientf("Empty request")
	}

	var result map[string]any
	switch r.Method {
	case http.MethodGet:
		result, err = d.get(endpoint)
	case http.MethodPost:
		result, err = d.handlePost(r, tc, version, endpoint)
	default:
		return nil, apierr.Clientf("Unimplemented method: %s", r.Method)
	}
	if err != nil {
		return nil, err
	}
	return reply.Build(result)
}

func (d *Dispatcher) get(endpoint string) (map[string]any, error) {
	if endpoint != "/" {
		return nil, apierr.Clientf("Unrecognized endpoint: GET %s", endpoint)
	}
	return d.info.result(), nil
}

func (d *Dispatcher) handlePost(r *http.Request, tc *services.TestContext, version int, endpoint string) (map[string]any, error) {
	endpoints, ok := d.post[version]
	if !ok {
		return nil, apierr.Clientf("Unsupported API version: %q", r.Header.Get(HeaderVersion))
	}
	h, ok := endpoints[endpoint]
	if !ok {
		return nil, apierr.Clientf("Unrecognized endpoint for version %d: POST %s", version, endpoint)
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return nil, apierr.Clientf("Content type must be application/json: %q", r.Header.Get("Content-Type"))
	}

	req, err := tree.Parse(r.Body)
	if err != nil {
		return nil, err
	}
	return h(tc, req)
}

func (d *Dispatcher) setHeaders(w http.ResponseWriter, version int, size int) {
	h := w.Header()
	h.Set(HeaderVersion, strconv.Itoa(version))
	h.Set(HeaderServerID, d.serverID)
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(size))
}

// sendError writes the error envelope, or the error message as plain text
// if the envelope cannot be built.
func (d *Dispatcher) sendError(w http.ResponseWriter, version int, e *apierr.Error) {
	rep, err := d.buildErrorSafely(e)
	if err != nil {
		log.Printf("dispatch: catastrophic failure building error reply: %v", err)
		msg := e.Message + "\n"
		h := w.Header()
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Content-Length", strconv.Itoa(len(msg)))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, msg)
		return
	}
	defer rep.Close()

	d.setHeaders(w, version, rep.Size())
	w.WriteHeader(e.Status())
	if _, err := io.Copy(w, rep.Content()); err != nil {
		log.Printf("dispatch: failed writing error reply: %v", err)
	}
}

func (d *Dispatcher) buildErrorSafely(e *apierr.Error) (rep *reply.Reply, err error) {
	defer func() {
		if p := recover(); p != nil {
			rep, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return d.buildError(e)
}
