// Package schema validates resource payloads. A resource kind version
// either embeds a draft-7 JSON schema, checked in process, or names a
// controller the validation is delegated to over its unix socket.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nanocl-io/nanocl/pkg/errdefs"
	"github.com/nanocl-io/nanocl/pkg/types"
)

// ValidateJSON checks data against a draft-7 JSON schema document.
func ValidateJSON(schemaDoc, data json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDoc))
	if err != nil {
		return errdefs.BadInput("invalid json schema: %v", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return errdefs.BadInput("invalid json schema: %v", err)
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return errdefs.BadInput("invalid json schema: %v", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return errdefs.BadInput("invalid resource data: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return errdefs.BadInput("resource data rejected by schema: %v", err)
	}
	return nil
}

// Controller is an HTTP client to a resource-kind controller listening
// on a unix socket.
type Controller struct {
	http *http.Client
}

// DialController builds a client for a controller url of the form
// "unix:///run/nanocl/proxy.sock".
func DialController(rawURL string) (*Controller, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "unix" || u.Path == "" {
		return nil, errdefs.BadInput("invalid controller url: %s", rawURL)
	}
	sock := u.Path
	return &Controller{
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", sock)
				},
			},
		},
	}, nil
}

// ApplyRule submits a resource payload for validation. The controller
// answers with the normalized data or a 4xx carrying {msg}.
func (c *Controller) ApplyRule(ctx context.Context, partial *types.ResourcePartial) (json.RawMessage, error) {
	body, err := json.Marshal(partial)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost/rules", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("controller unreachable: %w", err)
	}
	defer res.Body.Close()
	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 400 {
		var e struct{ Msg string }
		if json.Unmarshal(payload, &e) == nil && e.Msg != "" {
			return nil, errdefs.BadInput("%s", e.Msg)
		}
		return nil, errdefs.BadInput("controller rejected resource: status %d", res.StatusCode)
	}
	return payload, nil
}

// RemoveRule tells the controller a resource is gone.
func (c *Controller) RemoveRule(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, "http://localhost/rules/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("controller unreachable: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)
	if res.StatusCode >= 400 && res.StatusCode != http.StatusNotFound {
		return errdefs.Internal(nil, "controller remove failed: status %d", res.StatusCode)
	}
	return nil
}

// ValidateResource applies the kind version's validation mode to a
// resource payload and returns the data to store.
func ValidateResource(ctx context.Context, kv *types.ResourceKindVersion, partial *types.ResourcePartial) (json.RawMessage, error) {
	switch {
	case kv.Schema != nil:
		if err := ValidateJSON(kv.Schema, partial.Data); err != nil {
			return nil, err
		}
		return partial.Data, nil
	case kv.Url != "":
		ctrl, err := DialController(kv.Url)
		if err != nil {
			return nil, err
		}
		return ctrl.ApplyRule(ctx, partial)
	}
	return nil, errdefs.BadInput("resource kind %s/%s has no validation source", kv.KindName, kv.Version)
}
