// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

//go:build integration

package store_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/psychehost/psyche/internal/store"
)

var _ = Describe("Migrator", func() {
	var path string

	BeforeEach(func() {
		path = filepath.Join(GinkgoT().TempDir(), "psyche.db")
	})

	It("applies every migration to a fresh database", func() {
		m, err := store.NewMigrator(path)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = m.Close() }()

		pending, err := m.PendingMigrations()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(Equal([]store.Migration{
			{Version: 1, Name: "000001_initial"},
			{Version: 2, Name: "000002_plugin_kv"},
		}))

		Expect(m.Up()).To(Succeed())
		version, dirty, err := m.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(uint(2)))
		Expect(dirty).To(BeFalse())
	})

	It("rolls back and re-applies cleanly", func() {
		s, err := store.Open(context.Background(), path)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Set(context.Background(), "ns", "k", []byte("v"))).To(Succeed())
		Expect(s.Close()).To(Succeed())

		m, err := store.NewMigrator(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Down()).To(Succeed())
		version, _, err := m.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeZero())
		Expect(m.Up()).To(Succeed())
		Expect(m.Close()).To(Succeed())

		s, err = store.Open(context.Background(), path)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = s.Close() }()
		v, err := s.Get(context.Background(), "ns", "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(BeNil())
	})

	It("is idempotent when run twice", func() {
		for range 2 {
			s, err := store.Open(context.Background(), path)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Close()).To(Succeed())
		}
	})
})
