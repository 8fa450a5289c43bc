package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/media-orchestrator/pkg/logger"
)

var _ = Describe("Logger", func() {
	ctx := context.Background()

	Describe("New", func() {
		It("should create a dev logger", func() {
			Expect(logger.New("info", false, "dev")).NotTo(BeNil())
		})

		It("should create a prod logger", func() {
			Expect(logger.New("info", true, "prod")).NotTo(BeNil())
		})
	})

	Describe("levels", func() {
		DescribeTable("enabled levels",
			func(level string, enabled, disabled slog.Level) {
				log := logger.New(level, false, "dev")
				Expect(log.Enabled(ctx, enabled)).To(BeTrue())
				Expect(log.Enabled(ctx, disabled)).To(BeFalse())
			},
			Entry("info", "info", slog.LevelInfo, slog.LevelDebug),
			Entry("warn", "warn", slog.LevelWarn, slog.LevelInfo),
			Entry("error", "error", slog.LevelError, slog.LevelWarn),
			Entry("invalid falls back to info", "verbose", slog.LevelInfo, slog.LevelDebug),
			Entry("case insensitive", "WARN", slog.LevelWarn, slog.LevelInfo),
		)

		It("should enable everything at debug", func() {
			log := logger.New("debug", false, "dev")
			Expect(log.Enabled(ctx, slog.LevelDebug)).To(BeTrue())
		})
	})

	Describe("NewWithWriter", func() {
		It("should write JSON with the environment attribute in prod", func() {
			var buf bytes.Buffer
			log := logger.NewWithWriter(&buf, "info", false, "prod")
			log.Info("Server is back up", slog.String("upstream", "sonarr"))

			var line map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &line)).To(Succeed())
			Expect(line).To(HaveKeyWithValue("msg", "Server is back up"))
			Expect(line).To(HaveKeyWithValue("environment", "prod"))
			Expect(line).To(HaveKeyWithValue("upstream", "sonarr"))
		})

		It("should write text outside prod", func() {
			var buf bytes.Buffer
			log := logger.NewWithWriter(&buf, "info", false, "dev")
			log.Warn("Server is down", slog.String("upstream", "plex"))

			Expect(buf.String()).To(ContainSubstring(`msg="Server is down"`))
			Expect(buf.String()).To(ContainSubstring("environment=dev"))
			Expect(buf.String()).To(ContainSubstring("upstream=plex"))
		})
	})
})
