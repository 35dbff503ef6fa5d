package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/agentmesh/mcp-gateway/internal/mcp"
	"github.com/agentmesh/mcp-gateway/internal/ratelimit"
	"github.com/agentmesh/mcp-gateway/internal/storage"
	"github.com/agentmesh/mcp-gateway/internal/tenant"
)

// defaultKVTTLHours applies when kv_set omits ttl_hours.
const defaultKVTTLHours = 24

// RegisterBuiltin installs the storage-backed tools. KV and event keys are
// namespaced by the session's prefix; blob keys by the context id.
func RegisterBuiltin(r *Registry, backend storage.Backend) {
	r.Register(&Entry{
		Name:               "kv_get",
		Description:        "Get a value from the key-value store",
		RequiredPermission: permission(tenant.PermReadKV),
		Cost:               ratelimit.ClassKVRead,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"key": {Type: "string", Description: "The key to retrieve"},
			},
			Required: []string{"key"},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			key, err := args.String("key")
			if err != nil {
				return nil, err
			}
			value, ok, err := backend.KVGet(ctx, session.Context.NamespacePrefix(), key)
			if err != nil {
				return nil, mcp.HandlerError("kv get: %v", err)
			}
			if !ok {
				return map[string]interface{}{"value": nil}, nil
			}
			return map[string]interface{}{"value": value}, nil
		},
	})

	r.Register(&Entry{
		Name:               "kv_set",
		Description:        "Set a value in the key-value store",
		RequiredPermission: permission(tenant.PermWriteKV),
		Cost:               ratelimit.ClassKVWrite,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"key":       {Type: "string", Description: "The key to set"},
				"value":     {Type: "string", Description: "The value to store"},
				"ttl_hours": {Type: "number", Description: "Time to live in hours (default: 24)"},
			},
			Required: []string{"key", "value"},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			key, err := args.String("key")
			if err != nil {
				return nil, err
			}
			value, err := args.String("value")
			if err != nil {
				return nil, err
			}
			ttl, err := args.OptionalInt("ttl_hours", defaultKVTTLHours)
			if err != nil {
				return nil, err
			}
			if err := backend.KVSet(ctx, session.Context.NamespacePrefix(), key, value, ttl); err != nil {
				return nil, mcp.HandlerError("kv set: %v", err)
			}
			return map[string]interface{}{"success": true}, nil
		},
	})

	r.Register(&Entry{
		Name:               "kv_delete",
		Description:        "Delete a key from the key-value store",
		RequiredPermission: permission(tenant.PermDeleteKV),
		Cost:               ratelimit.ClassKVWrite,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"key": {Type: "string", Description: "The key to delete"},
			},
			Required: []string{"key"},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			key, err := args.String("key")
			if err != nil {
				return nil, err
			}
			if err := backend.KVDelete(ctx, session.Context.NamespacePrefix(), key); err != nil {
				return nil, mcp.HandlerError("kv delete: %v", err)
			}
			return map[string]interface{}{"success": true}, nil
		},
	})

	r.Register(&Entry{
		Name:               "kv_list",
		Description:        "List keys in the key-value store with optional prefix",
		RequiredPermission: permission(tenant.PermReadKV),
		Cost:               ratelimit.ClassKVRead,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"prefix": {Type: "string", Description: "Optional prefix to filter keys"},
			},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			prefix, err := args.OptionalString("prefix", "")
			if err != nil {
				return nil, err
			}
			keys, err := backend.KVList(ctx, session.Context.NamespacePrefix()+":"+prefix)
			if err != nil {
				return nil, mcp.HandlerError("kv list: %v", err)
			}
			return map[string]interface{}{"keys": keys}, nil
		},
	})

	r.Register(&Entry{
		Name:               "blob_get",
		Description:        "Get a blob by key",
		RequiredPermission: permission(tenant.PermGetBlobs),
		Cost:               ratelimit.ClassBlobGet,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"key": {Type: "string", Description: "The blob key to retrieve"},
			},
			Required: []string{"key"},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			key, err := args.String("key")
			if err != nil {
				return nil, err
			}
			content, ok, err := backend.BlobGet(ctx, session.Context.ID(), key)
			if err != nil {
				return nil, mcp.HandlerError("blob get: %v", err)
			}
			if !ok {
				return map[string]interface{}{"content": nil}, nil
			}
			return map[string]interface{}{
				"content":  base64.StdEncoding.EncodeToString(content),
				"encoding": "base64",
			}, nil
		},
	})

	r.Register(&Entry{
		Name:               "blob_put",
		Description:        "Store a blob",
		RequiredPermission: permission(tenant.PermPutBlobs),
		Cost:               ratelimit.ClassBlobPut,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"key":          {Type: "string", Description: "The blob key"},
				"content":      {Type: "string", Description: "The blob content (base64 encoded)"},
				"content_type": {Type: "string", Description: "The content type (default: text/plain)"},
			},
			Required: []string{"key", "content"},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			key, err := args.String("key")
			if err != nil {
				return nil, err
			}
			encoded, err := args.String("content")
			if err != nil {
				return nil, err
			}
			contentType, err := args.OptionalString("content_type", "text/plain")
			if err != nil {
				return nil, err
			}
			content, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, mcp.InvalidArguments("invalid base64 content: %v", err)
			}
			if err := backend.BlobPut(ctx, session.Context.ID(), key, content, contentType); err != nil {
				return nil, mcp.HandlerError("blob put: %v", err)
			}
			return map[string]interface{}{"success": true}, nil
		},
	})

	r.Register(&Entry{
		Name:               "blob_list",
		Description:        "List blobs with optional prefix",
		RequiredPermission: permission(tenant.PermListBlobs),
		Cost:               ratelimit.ClassBlobList,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"prefix": {Type: "string", Description: "Optional prefix to filter blobs"},
			},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			prefix, err := args.OptionalString("prefix", "")
			if err != nil {
				return nil, err
			}
			keys, err := backend.BlobList(ctx, session.Context.ID(), prefix)
			if err != nil {
				return nil, mcp.HandlerError("blob list: %v", err)
			}
			return map[string]interface{}{"keys": keys}, nil
		},
	})

	r.Register(&Entry{
		Name:               "events_send",
		Description:        "Send one event or a batch of events",
		RequiredPermission: permission(tenant.PermSendEvents),
		Cost:               ratelimit.ClassEventPut,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"detailType": {Type: "string", Description: "The event type (single-event form)"},
				"detail":     {Type: "object", Description: "The event details (single-event form)"},
				"events": {
					Type:        "array",
					Description: "Batch of {detailType, detail} events",
					Items:       &mcp.ItemSchema{Type: "object"},
				},
			},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			events, err := decodeEvents(args)
			if err != nil {
				return nil, err
			}
			if err := backend.EventPut(ctx, session.Context.NamespacePrefix(), events); err != nil {
				return nil, mcp.HandlerError("event put: %v", err)
			}
			return map[string]interface{}{"success": true, "count": len(events)}, nil
		},
	})

	r.Register(&Entry{
		Name:               "analytics_query",
		Description:        "Count stored keys matching a prefix",
		RequiredPermission: permission(tenant.PermRead),
		Cost:               ratelimit.ClassKVQuery,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"prefix": {Type: "string", Description: "Key prefix to aggregate over"},
			},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			prefix, err := args.OptionalString("prefix", "")
			if err != nil {
				return nil, err
			}
			keys, err := backend.KVList(ctx, session.Context.NamespacePrefix()+":"+prefix)
			if err != nil {
				return nil, mcp.HandlerError("analytics query: %v", err)
			}
			return map[string]interface{}{"prefix": prefix, "count": len(keys)}, nil
		},
	})

	r.Register(&Entry{
		Name:               "secret_get",
		Description:        "Get a secret value by name",
		RequiredPermission: permission(tenant.PermAdmin),
		Cost:               ratelimit.ClassSecretGet,
		Schema: mcp.InputSchema{
			Type: "object",
			Properties: map[string]mcp.PropertySchema{
				"name": {Type: "string", Description: "The secret name"},
			},
			Required: []string{"name"},
		},
		Invoke: func(ctx context.Context, session *tenant.Session, args Args) (interface{}, error) {
			name, err := args.String("name")
			if err != nil {
				return nil, err
			}
			value, ok, err := backend.SecretGet(ctx, name)
			if err != nil {
				return nil, mcp.HandlerError("secret get: %v", err)
			}
			if !ok {
				return map[string]interface{}{"value": nil}, nil
			}
			return map[string]interface{}{"value": value}, nil
		},
	})
}

// decodeEvents accepts either the batched "events" array or the single
// detailType/detail form.
func decodeEvents(args Args) ([]storage.Event, error) {
	if raw, ok := args["events"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, mcp.InvalidArguments("'events' must be an array")
		}
		if len(list) == 0 {
			return nil, mcp.InvalidArguments("'events' must not be empty")
		}
		events := make([]storage.Event, 0, len(list))
		for i, item := range list {
			obj, ok := item.(map[string]interface{})
			if !ok {
				return nil, mcp.InvalidArguments("'events[%d]' must be an object", i)
			}
			event, err := decodeEvent(Args(obj))
			if err != nil {
				return nil, err
			}
			events = append(events, event)
		}
		return events, nil
	}

	event, err := decodeEvent(args)
	if err != nil {
		return nil, err
	}
	return []storage.Event{event}, nil
}

func decodeEvent(args Args) (storage.Event, error) {
	detailType, err := args.String("detailType")
	if err != nil {
		return storage.Event{}, err
	}
	detail, ok := args["detail"]
	if !ok {
		return storage.Event{}, mcp.InvalidArguments("missing 'detail' parameter")
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return storage.Event{}, mcp.InvalidArguments("unencodable 'detail': %v", err)
	}
	return storage.Event{DetailType: detailType, Detail: raw}, nil
}

// EventBatchSize reports how many events a tools/call carries, for rate-cost
// computation. Non-batch calls count as one.
func EventBatchSize(args Args) int {
	if raw, ok := args["events"]; ok {
		if list, ok := raw.([]interface{}); ok {
			return len(list)
		}
	}
	return 1
}
