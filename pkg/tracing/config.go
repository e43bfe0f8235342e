package tracing

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("tracing: invalid config")

const (
	ExporterOTLP     = "otlp" // HTTP
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterStdout   = "stdout"
	ExporterNoop     = "noop"
)

// Config 追踪配置，Enabled 为 false 时仍安装 provider 但不导出
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string // deployment.environment，为空时不设置

	ExporterType     string
	ExporterEndpoint string // 为空时使用 OTEL_EXPORTER_OTLP_ENDPOINT 或 SDK 默认值
	ExporterHeaders  map[string]string
	Insecure         bool

	SamplingType string  // always / never / ratio / parent_based
	SamplingRate float64 // ratio 与 parent_based 的根采样比例

	Batch BatchConfig
}

// BatchConfig 批量导出参数
type BatchConfig struct {
	Timeout   time.Duration
	MaxSize   int
	QueueSize int
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:      true,
		ServiceName:  "qichat",
		ExporterType: ExporterStdout,
		SamplingType: SamplingParentBased,
		SamplingRate: 1,
		Batch: BatchConfig{
			Timeout:   5 * time.Second,
			MaxSize:   512,
			QueueSize: 2048,
		},
	}
}

func (c *Config) Validate() error {
	var problem string
	switch {
	case c.ServiceName == "":
		problem = "service name is required"
	case c.SamplingRate < 0 || c.SamplingRate > 1:
		problem = fmt.Sprintf("sampling rate %v outside [0, 1]", c.SamplingRate)
	}
	if problem == "" {
		switch c.ExporterType {
		case ExporterOTLP, ExporterOTLPGRPC, ExporterStdout, ExporterNoop:
		default:
			problem = fmt.Sprintf("unknown exporter %q", c.ExporterType)
		}
	}
	if problem != "" {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, problem)
	}
	return nil
}
