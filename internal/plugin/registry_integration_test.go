// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

//go:build integration

package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/psychehost/psyche/internal/plugin"
	pluginapi "github.com/psychehost/psyche/pkg/plugin"
)

// trackingPlugin fails the test if it is invoked after Uninitialize.
type trackingPlugin struct {
	gone    atomic.Bool
	invokes atomic.Int64
	misuses atomic.Int64
}

func (p *trackingPlugin) Info() string { return "tracking" }

func (p *trackingPlugin) Uninitialize(context.Context) error {
	p.gone.Store(true)
	return nil
}

func (p *trackingPlugin) Invoke(context.Context, int64, []byte, pluginapi.Value) error {
	if p.gone.Load() {
		p.misuses.Add(1)
	}
	p.invokes.Add(1)
	return nil
}

func (p *trackingPlugin) StopStream(context.Context, int64) error { return nil }

var _ = Describe("Registry reload under load", func() {
	var (
		reg       *plugin.Registry
		dir       string
		mu        sync.Mutex
		instances []*trackingPlugin
	)

	BeforeEach(func() {
		instances = nil
		loader := plugin.LoaderFunc(func(context.Context, *plugin.Manifest, string) (pluginapi.Plugin, plugin.Module, error) {
			p := &trackingPlugin{}
			mu.Lock()
			instances = append(instances, p)
			mu.Unlock()
			return p, plugin.NewModule(nil), nil
		})
		reg = plugin.NewRegistry(plugin.WithLoader(pluginapi.RuntimeNative, loader))
		dir = GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(dir, plugin.ManifestYAML),
			[]byte("name: agent\nkind: agent\nruntime: native\n"), 0o600)).To(Succeed())
		Expect(reg.Load(context.Background(), dir)).To(Succeed())
		reg.MarkInitialized("agent", true)
	})

	It("never invokes an unloaded instance while 50 invocations run", func() {
		var wg sync.WaitGroup
		stop := make(chan struct{})
		for range 50 {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					h, ok := reg.Acquire("agent")
					if !ok {
						continue
					}
					_ = h.Plugin().Invoke(context.Background(), 1, nil, pluginapi.Value{})
					h.Release()
				}
			}()
		}

		for range 10 {
			Expect(reg.Unload(context.Background(), "agent")).To(Succeed())
			Expect(reg.Load(context.Background(), dir)).To(Succeed())
			reg.MarkInitialized("agent", true)
		}
		close(stop)
		wg.Wait()

		mu.Lock()
		defer mu.Unlock()
		Expect(instances).To(HaveLen(11))
		for _, inst := range instances {
			Expect(inst.misuses.Load()).To(BeZero())
		}
	})
})
