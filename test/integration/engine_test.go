// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/psychehost/psyche/internal/bus"
	"github.com/psychehost/psyche/internal/core"
	"github.com/psychehost/psyche/internal/wire"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

var _ = Describe("Engine over the wire", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		engine *core.Engine
		server *wire.Server
		client *wire.Client
		out    <-chan core.ChatLine
	)

	next := func() core.ChatLine {
		var line core.ChatLine
		Eventually(out).WithTimeout(3 * time.Second).Should(Receive(&line))
		return line
	}

	call := func(to string, data string) []wire.Frame {
		ch, err := client.NewChannel(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.Invoke(ctx, ch, to, json.RawMessage(data))).To(Succeed())

		var frames []wire.Frame
		for {
			f, err := client.Next(ctx)
			Expect(err).NotTo(HaveOccurred())
			if f.Tag != wire.TagPayload || f.Channel != ch {
				continue
			}
			frames = append(frames, f)
			if f.IsFinal() {
				return frames
			}
		}
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)

		engine = core.New(core.Config{
			PluginsDir: filepath.Join("..", "..", "plugins"),
			Agent:      "chat_agent",
			StorePath:  filepath.Join(GinkgoT().TempDir(), "psyche.db"),
		}, core.WithServer(func(b *bus.Bus) core.Server {
			server = wire.NewServer("127.0.0.1:0", b)
			return server
		}))
		out = engine.ChatOutput().Subscribe()
		Expect(engine.Start(ctx)).To(Succeed())
		Expect(next().Text).To(Equal("hello"))

		var err error
		client, err = wire.Dial(ctx, "ws://"+server.Addr(), wire.DialOptions{})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = client.Close()
		Expect(engine.Stop(context.Background())).To(Succeed())
		cancel()
	})

	It("manages api keys through the host", func() {
		frames := call(pluginapi.HostTarget, `{"name":"add_api_key","api_key":"k-1"}`)
		Expect(frames).To(HaveLen(1))
		Expect(frames[0].Flags.Has(pluginapi.FlagError)).To(BeFalse())

		frames = call(pluginapi.HostTarget, `{"name":"get_resource_info"}`)
		var info struct {
			Name    string   `json:"name"`
			APIKeys []string `json:"api_keys"`
			Plugins []struct {
				Name string `json:"name"`
			} `json:"plugins"`
		}
		Expect(json.Unmarshal(frames[len(frames)-1].Data, &info)).To(Succeed())
		Expect(info.Name).To(Equal("resource_info"))
		Expect(info.APIKeys).To(ContainElement("k-1"))
		Expect(info.Plugins).To(ContainElement(HaveField("Name", "chat_agent")))
	})

	It("reports unknown host commands as errors", func() {
		frames := call(pluginapi.HostTarget, `{"name":"reboot"}`)
		Expect(frames).To(HaveLen(1))
		Expect(frames[0].Flags.Has(pluginapi.FlagError)).To(BeTrue())
	})

	It("lets remote clients drive the agent", func() {
		Expect(client.Invoke(ctx, pluginapi.NoReply, "chat_agent", json.RawMessage(`{"name":"cout","text":"from afar"}`))).To(Succeed())
		Expect(next().Text).To(Equal("from afar"))

		frames := call("chat_agent", `{"name":"dance"}`)
		Expect(frames).To(HaveLen(1))
		Expect(frames[0].Flags.Has(pluginapi.FlagError)).To(BeTrue())
		Expect(string(frames[0].Data)).To(Equal("unknown request: dance"))
	})

	It("keeps chat working across a reload", func() {
		Eventually(func() bool {
			_, ok := engine.ChatInput()
			return ok
		}).Should(BeTrue())
		Expect(engine.Chat("first")).To(Succeed())
		Expect(next().Text).To(Equal("you said: first (1 lines so far)"))

		Expect(engine.Reload(ctx)).To(Succeed())
		Expect(next().Text).To(Equal("hello"))
		Eventually(func() bool {
			_, ok := engine.ChatInput()
			return ok
		}).Should(BeTrue())

		Expect(engine.Chat("second")).To(Succeed())
		Expect(next().Text).To(Equal("you said: second (2 lines so far)"))
	})

	It("drops invocations of targets that are not loaded", func() {
		ch, err := client.NewChannel(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.Invoke(ctx, ch, "nobody", json.RawMessage(`{}`))).To(Succeed())

		// The connection keeps working and the host still answers.
		frames := call(pluginapi.HostTarget, `{"name":"list_plugins"}`)
		Expect(frames[len(frames)-1].Channel).NotTo(Equal(ch))
	})
})
