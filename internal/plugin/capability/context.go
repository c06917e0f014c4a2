package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/colloq/colloq/internal/secret"
	"github.com/colloq/colloq/internal/storage"
)

// Message is one outbound email handed to the host sender.
type Message struct {
	To      []string
	Subject string
	Body    string
	Headers map[string]string
}

// EmailSender is the host email provider boundary.
type EmailSender interface {
	Send(ctx context.Context, msg Message) error
}

// ObjectStore is the host file storage boundary. Keys are already scoped to
// the calling plugin by the capability layer.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Deps carries the host collaborators a context is built over.
type Deps struct {
	Domain  storage.DomainStore
	KV      storage.KVStore
	Email   EmailSender
	Objects ObjectStore
	Secrets *secret.Box
	Logger  *slog.Logger
	BaseURL string
}

// Context is one plugin's complete, permission-gated view of the host.
// Password-format config fields arrive decrypted; plugin code sees plaintext.
type Context struct {
	PluginID   string
	PluginName string

	Submissions *Submissions
	Users       *Users
	Events      *Events
	Reviews     *Reviews
	Storage     *Objects
	Email       *Email
	KV          *KV

	Config json.RawMessage
	Logger *slog.Logger

	perms   Set
	schema  json.RawMessage
	baseURL string
}

// NewContext builds the capability context for one plugin from its persisted
// grant and config.
func NewContext(pluginID, pluginName string, perms Set, config, schema json.RawMessage, deps Deps) (*Context, error) {
	if deps.Domain == nil || deps.KV == nil {
		return nil, fmt.Errorf("capability: domain and kv stores are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("plugin", pluginName)

	runtime, err := DecryptConfig(deps.Secrets, schema, config)
	if err != nil {
		return nil, fmt.Errorf("capability: decrypt config for %s: %w", pluginName, err)
	}

	ctx := &Context{
		PluginID:   pluginID,
		PluginName: pluginName,
		Config:     runtime,
		Logger:     logger,
		perms:      perms,
		schema:     schema,
		baseURL:    deps.BaseURL,
	}
	ctx.Submissions = &Submissions{perms: perms, domain: deps.Domain}
	ctx.Users = &Users{perms: perms, domain: deps.Domain, secrets: deps.Secrets}
	ctx.Events = &Events{perms: perms, domain: deps.Domain}
	ctx.Reviews = &Reviews{perms: perms, domain: deps.Domain}
	ctx.Storage = &Objects{perms: perms, store: deps.Objects, prefix: pluginName + "/"}
	ctx.Email = &Email{perms: perms, sender: deps.Email}
	ctx.KV = &KV{pluginID: pluginID, store: deps.KV}
	return ctx, nil
}

// Permissions returns the plugin's grant.
func (c *Context) Permissions() Set {
	return c.perms
}

// ClientContext is the serializable projection of a Context for plugin code
// that crosses a rendering boundary. It carries no store handles and no
// secrets; password fields are masked.
type ClientContext struct {
	PluginName string          `json:"pluginName"`
	BaseURL    string          `json:"baseUrl"`
	Config     json.RawMessage `json:"config"`
}

// Client builds the serializable variant of the context.
func (c *Context) Client() (ClientContext, error) {
	masked, err := MaskConfig(c.schema, c.Config)
	if err != nil {
		return ClientContext{}, fmt.Errorf("capability: mask config for %s: %w", c.PluginName, err)
	}
	return ClientContext{
		PluginName: c.PluginName,
		BaseURL:    c.baseURL,
		Config:     masked,
	}, nil
}
