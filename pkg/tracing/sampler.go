package tracing

import "go.opentelemetry.io/otel/sdk/trace"

// 采样类型
const (
	SamplingAlways      = "always"
	SamplingNever       = "never"
	SamplingRatio       = "ratio"
	SamplingParentBased = "parent_based"
)

// newSampler 按采样类型创建采样器，未知类型按 parent_based 处理
// 上游已带采样决定的 WebSocket 握手沿用上游决定
func newSampler(cfg *Config) trace.Sampler {
	ratio := trace.TraceIDRatioBased(cfg.SamplingRate)
	switch cfg.SamplingType {
	case SamplingAlways:
		return trace.AlwaysSample()
	case SamplingNever:
		return trace.NeverSample()
	case SamplingRatio:
		return ratio
	default:
		return trace.ParentBased(ratio)
	}
}
