// Package ipc implements the control-plane protocol spoken over the daemon's
// unix socket: length-prefixed frames carrying externally tagged JSON.
package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loykin/juinit/internal/service"
)

// ErrUnknownVariant is returned when a payload names no known request or
// response kind.
var ErrUnknownVariant = errors.New("unknown variant")

// RequestKind names a control-plane command.
type RequestKind string

const (
	StartService   RequestKind = "StartService"
	StopService    RequestKind = "StopService"
	RestartService RequestKind = "RestartService"
	GetStatus      RequestKind = "GetStatus"
	ListServices   RequestKind = "ListServices"
	EnableService  RequestKind = "EnableService"
	DisableService RequestKind = "DisableService"
	ReloadDaemon   RequestKind = "ReloadDaemon"
)

// takesName reports whether k carries a {"name": ...} body.
func (k RequestKind) takesName() bool {
	switch k {
	case StartService, StopService, RestartService, GetStatus, EnableService, DisableService:
		return true
	}
	return false
}

func (k RequestKind) valid() bool { return k.takesName() || k == ListServices || k == ReloadDaemon }

// Request is one client command. Name is empty for ListServices and
// ReloadDaemon. GetStatus without a name asks for every service; HasName
// marks a name that was sent, so {"name":""} looks up the service "".
type Request struct {
	Kind    RequestKind
	Name    string
	HasName bool
}

// Named reports whether the request carries a service name.
func (r Request) Named() bool { return r.HasName || r.Name != "" }

type nameBody struct {
	Name *string `json:"name"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	if !r.Kind.valid() {
		return nil, fmt.Errorf("request %q: %w", r.Kind, ErrUnknownVariant)
	}
	if !r.Kind.takesName() {
		return json.Marshal(string(r.Kind))
	}
	var body nameBody
	if r.Named() || r.Kind != GetStatus {
		name := r.Name
		body.Name = &name
	}
	return json.Marshal(map[RequestKind]nameBody{r.Kind: body})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	tag, raw, err := splitVariant(data)
	if err != nil {
		return err
	}
	kind := RequestKind(tag)
	if !kind.valid() {
		return fmt.Errorf("request %q: %w", tag, ErrUnknownVariant)
	}
	*r = Request{Kind: kind}
	if !kind.takesName() {
		return nil
	}
	if raw == nil {
		return fmt.Errorf("request %s: missing body", kind)
	}
	var body nameBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("request %s: %w", kind, err)
	}
	if body.Name == nil && kind != GetStatus {
		return fmt.Errorf("request %s: name is required", kind)
	}
	if body.Name != nil {
		r.Name, r.HasName = *body.Name, true
	}
	return nil
}

// ResponseKind names a daemon reply.
type ResponseKind string

const (
	Success     ResponseKind = "Success"
	Error       ResponseKind = "Error"
	Status      ResponseKind = "Status"
	ServiceList ResponseKind = "ServiceList"
)

// Response is the daemon's reply to one Request. Message belongs to Success
// and Error, Services to Status, Names to ServiceList.
type Response struct {
	Kind     ResponseKind
	Message  string
	Services []service.Status
	Names    []string
}

func Successf(format string, args ...any) Response {
	return Response{Kind: Success, Message: fmt.Sprintf(format, args...)}
}

func Errorf(format string, args ...any) Response {
	return Response{Kind: Error, Message: fmt.Sprintf(format, args...)}
}

type messageBody struct {
	Message string `json:"message"`
}

type statusBody struct {
	Services []service.Status `json:"services"`
}

type listBody struct {
	Services []string `json:"services"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	var body any
	switch r.Kind {
	case Success, Error:
		body = messageBody{Message: r.Message}
	case Status:
		svcs := r.Services
		if svcs == nil {
			svcs = []service.Status{}
		}
		body = statusBody{Services: svcs}
	case ServiceList:
		names := r.Names
		if names == nil {
			names = []string{}
		}
		body = listBody{Services: names}
	default:
		return nil, fmt.Errorf("response %q: %w", r.Kind, ErrUnknownVariant)
	}
	return json.Marshal(map[ResponseKind]any{r.Kind: body})
}

func (r *Response) UnmarshalJSON(data []byte) error {
	tag, raw, err := splitVariant(data)
	if err != nil {
		return err
	}
	kind := ResponseKind(tag)
	switch kind {
	case Success, Error, Status, ServiceList:
	default:
		return fmt.Errorf("response %q: %w", tag, ErrUnknownVariant)
	}
	if raw == nil {
		return fmt.Errorf("response %s: missing body", tag)
	}
	*r = Response{Kind: kind}
	switch kind {
	case Success, Error:
		var b messageBody
		err = json.Unmarshal(raw, &b)
		r.Message = b.Message
	case Status:
		var b statusBody
		err = json.Unmarshal(raw, &b)
		r.Services = b.Services
	case ServiceList:
		var b listBody
		err = json.Unmarshal(raw, &b)
		r.Names = b.Services
	}
	if err != nil {
		return fmt.Errorf("response %s: %w", kind, err)
	}
	return nil
}

// splitVariant decodes an externally tagged value: either a bare string
// for a unit variant, or an object with exactly one key. raw is nil for
// unit variants and for an explicit null body.
func splitVariant(data []byte) (string, json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return "", nil, err
		}
		return tag, nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil, fmt.Errorf("decode variant: %w", err)
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("expected exactly one variant key, got %d", len(obj))
	}
	var (
		tag string
		raw json.RawMessage
	)
	for tag, raw = range obj {
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = nil
	}
	return tag, raw, nil
}
