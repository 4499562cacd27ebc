// Package analyzer maps the two analyses onto concrete script invocations.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/LP75/authenticite-image/internal/bridge"
)

// Analysis names one of the supported image analyses.
type Analysis string

const (
	Localization Analysis = "localization"
	Authenticity Analysis = "authenticity"
)

// ErrImagePathRequired is returned when no image path is supplied.
var ErrImagePathRequired = errors.New("image path required")

// Client exposes the analyses used by the request flow.
type Client interface {
	Localize(ctx context.Context, imagePath string) (json.RawMessage, error)
	Authenticity(ctx context.Context, imagePath string) (json.RawMessage, error)
}

// Scripts locates the external analysis scripts.
type Scripts struct {
	// Interpreter runs the scripts, e.g. "python". When empty the scripts
	// are executed directly.
	Interpreter        string
	LocalizeScript     string
	ReferenceData      string
	AuthenticityScript string
}

// ScriptClient runs the analyses through a bridge.Invoker.
type ScriptClient struct {
	invoker bridge.Invoker
	scripts Scripts
}

// NewScriptClient constructs a script backed client.
func NewScriptClient(invoker bridge.Invoker, scripts Scripts) *ScriptClient {
	return &ScriptClient{invoker: invoker, scripts: scripts}
}

// Localize runs the localization script against the image and the reference
// feature data.
func (c *ScriptClient) Localize(ctx context.Context, imagePath string) (json.RawMessage, error) {
	if imagePath == "" {
		return nil, ErrImagePathRequired
	}
	return c.invoker.Invoke(ctx, c.request(Localization, c.scripts.LocalizeScript, imagePath, c.scripts.ReferenceData))
}

// Authenticity runs the authenticity scoring script against the image.
func (c *ScriptClient) Authenticity(ctx context.Context, imagePath string) (json.RawMessage, error) {
	if imagePath == "" {
		return nil, ErrImagePathRequired
	}
	return c.invoker.Invoke(ctx, c.request(Authenticity, c.scripts.AuthenticityScript, imagePath))
}

func (c *ScriptClient) request(analysis Analysis, script string, args ...string) bridge.Request {
	if c.scripts.Interpreter == "" {
		return bridge.Request{Name: string(analysis), Path: script, Args: args}
	}
	return bridge.Request{
		Name: string(analysis),
		Path: c.scripts.Interpreter,
		Args: append([]string{script}, args...),
	}
}

var _ Client = (*ScriptClient)(nil)
