package config

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/semregistry/kernel/pkg/resolution"
)

var _ = Describe("Config", func() {
	Describe("DefaultConfig", func() {
		It("passes its own validation unmodified", func() {
			cfg := DefaultConfig()
			Expect(cfg.Validate()).NotTo(HaveOccurred())
		})

		It("defaults the evidence mode to normal", func() {
			cfg := DefaultConfig()
			Expect(cfg.Evidence.DefaultMode).To(Equal(resolution.Normal))
		})

		It("sizes the VM dispatcher pool above zero", func() {
			cfg := DefaultConfig()
			Expect(cfg.VM.MaxConcurrentInstances).To(BeNumerically(">", 0))
		})
	})

	Describe("Validate", func() {
		It("rejects a zero-value evidence mode", func() {
			cfg := DefaultConfig()
			cfg.Evidence.DefaultMode = ""
			Expect(cfg.Validate()).To(HaveOccurred())
		})

		It("rejects an evidence mode outside the closed enum", func() {
			cfg := DefaultConfig()
			cfg.Evidence.DefaultMode = resolution.EvidenceMode("speculative")
			Expect(cfg.Validate()).To(HaveOccurred())
		})

		It("rejects a non-positive VM instance pool size", func() {
			cfg := DefaultConfig()
			cfg.VM.MaxConcurrentInstances = 0
			Expect(cfg.Validate()).To(HaveOccurred())
		})

		It("rejects a non-positive scratch-schema timeout", func() {
			cfg := DefaultConfig()
			cfg.Scratch.Timeout = 0
			Expect(cfg.Validate()).To(HaveOccurred())
		})

		It("rejects a non-positive outbox poll interval", func() {
			cfg := DefaultConfig()
			cfg.Outbox.PollInterval = -1 * time.Second
			Expect(cfg.Validate()).To(HaveOccurred())
		})

		It("accepts a blank DemotionRequiresRole since it is optional", func() {
			cfg := DefaultConfig()
			cfg.Gate.DemotionRequiresRole = ""
			Expect(cfg.Validate()).NotTo(HaveOccurred())
		})
	})
})
