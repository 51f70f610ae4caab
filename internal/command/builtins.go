// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package command

import (
	"context"

	"github.com/psychehost/psyche/internal/plugin"
)

type apiKeyReply struct {
	Name    string `json:"name"`
	APIKey  string `json:"api_key"`
	Changed bool   `json:"changed"`
}

type resourceInfoReply struct {
	Name    string        `json:"name"`
	APIKeys []string      `json:"api_keys"`
	Plugins []plugin.Info `json:"plugins"`
}

type pluginsReply struct {
	Name    string        `json:"name"`
	Plugins []plugin.Info `json:"plugins"`
}

type commandInfo struct {
	Name string `json:"name"`
	Help string `json:"help"`
}

type helpReply struct {
	Name     string        `json:"name"`
	Commands []commandInfo `json:"commands"`
}

func (h *Handler) registerBuiltins() {
	h.commands.Register(Entry{Name: "add_api_key", Help: "Store an API key. Fields: api_key.", Fn: h.addAPIKey})
	h.commands.Register(Entry{Name: "remove_api_key", Help: "Delete an API key. Fields: api_key.", Fn: h.removeAPIKey})
	h.commands.Register(Entry{Name: "get_resource_info", Help: "Describe stored API keys and loaded plugins.", Fn: h.getResourceInfo})
	h.commands.Register(Entry{Name: "list_plugins", Help: "List loaded plugins.", Fn: h.listPlugins})
	h.commands.Register(Entry{Name: "help", Help: "List host commands.", Fn: h.help})
}

func (h *Handler) addAPIKey(ctx context.Context, req *Request, resp *Responder) error {
	key, err := req.String("api_key")
	if err != nil {
		return err
	}
	if key == "" {
		return ErrMissingField(req.Name, "api_key")
	}
	added, err := h.keys.AddAPIKey(ctx, key)
	if err != nil {
		return ErrCommandFailed(req.Name, err)
	}
	h.logger.Info("api key added", "changed", added)
	return resp.Final(apiKeyReply{Name: "api_key_added", APIKey: key, Changed: added})
}

func (h *Handler) removeAPIKey(ctx context.Context, req *Request, resp *Responder) error {
	key, err := req.String("api_key")
	if err != nil {
		return err
	}
	removed, err := h.keys.RemoveAPIKey(ctx, key)
	if err != nil {
		return ErrCommandFailed(req.Name, err)
	}
	h.logger.Info("api key removed", "changed", removed)
	return resp.Final(apiKeyReply{Name: "api_key_removed", APIKey: key, Changed: removed})
}

func (h *Handler) getResourceInfo(ctx context.Context, req *Request, resp *Responder) error {
	keys, err := h.keys.APIKeys(ctx)
	if err != nil {
		return ErrCommandFailed(req.Name, err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.Key)
	}
	return resp.Final(resourceInfoReply{
		Name:    "resource_info",
		APIKeys: names,
		Plugins: h.pluginList(),
	})
}

func (h *Handler) listPlugins(_ context.Context, _ *Request, resp *Responder) error {
	return resp.Final(pluginsReply{Name: "plugins", Plugins: h.pluginList()})
}

func (h *Handler) help(_ context.Context, _ *Request, resp *Responder) error {
	entries := h.commands.All()
	cmds := make([]commandInfo, 0, len(entries))
	for _, e := range entries {
		cmds = append(cmds, commandInfo{Name: e.Name, Help: e.Help})
	}
	return resp.Final(helpReply{Name: "help", Commands: cmds})
}

func (h *Handler) pluginList() []plugin.Info {
	if h.plugins == nil {
		return []plugin.Info{}
	}
	list := h.plugins.List()
	if list == nil {
		return []plugin.Info{}
	}
	return list
}
